package rebuild

import (
	"context"
	"sync"
	"time"

	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/infrastructure/ratelimit"
)

const debounceWindow = 100 * time.Millisecond

// maxRebuildsPerMinute bounds how often the debounce timer is allowed to
// actually fire a bundle() pass — a guard against a misbehaving external
// process (an editor autosave loop, a build tool watching the output
// directory) touching files faster than the debounce window coalesces.
const maxRebuildsPerMinute = 120

// RequeueFunc enqueues a assets onto the build queue as a rebuild and
// returns true if at least one asset was enqueued for the given path.
type RequeueFunc func(path string) (enqueued bool)

// BundleFunc triggers one bundle() pass.
type BundleFunc func()

// Controller is the Rebuild Controller: subscribed to watcher change
// events, it requeues affected assets and coalesces bursts of changes into
// one debounced bundle() call.
type Controller struct {
	watcher *Watcher
	requeue RequeueFunc
	bundle  BundleFunc
	window  time.Duration
	limiter *ratelimit.RateLimiter
	log     *logging.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New creates a Controller. window overrides the default 100ms debounce,
// used by tests; pass 0 in production code to use the spec's default.
func New(watcher *Watcher, requeue RequeueFunc, bundleFn BundleFunc, window time.Duration) *Controller {
	if window <= 0 {
		window = debounceWindow
	}
	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: float64(maxRebuildsPerMinute) / 60,
		Burst:             maxRebuildsPerMinute,
	})
	return &Controller{watcher: watcher, requeue: requeue, bundle: bundleFn, window: window, limiter: limiter}
}

// WithLogger attaches a logger used to report rebuilds skipped by the rate
// limiter. Optional; a nil logger silently drops the skip notice.
func (c *Controller) WithLogger(log *logging.Logger) *Controller {
	c.log = log
	return c
}

// Run consumes watcher change events until the watcher is closed or Stop is
// called. Intended to run in its own goroutine.
func (c *Controller) Run() {
	for path := range c.watcher.Changes {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if !c.requeue(path) {
			continue
		}
		c.arm()
	}
}

// arm (re)schedules the debounce timer. Any change event cancels and
// re-arms it, so a burst of changes collapses into one build pass.
func (c *Controller) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, func() {
		if !c.limiter.Allow() {
			if c.log != nil {
				c.log.Warn(context.Background(), "rebuild skipped: rate limit exceeded", nil)
			}
			return
		}
		c.bundle()
	})
}

// Stop prevents any further bundle() invocations from pending timers.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
