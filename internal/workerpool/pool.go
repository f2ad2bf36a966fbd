// Package workerpool implements the bundler's Worker Pool: a fixed-size
// parallel executor that runs compile off the coordinator goroutine. The
// pool is process-wide and reference-counted, shared across facade
// instances, and may be torn down on idle or retained across rebuilds in
// watch mode.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/infrastructure/metrics"
	"github.com/forgepack/forge/internal/asset"
)

// CompileFunc is the black-box compile(path, pkg, opts) -> ProcessedAsset
// oracle the pool dispatches to. It must not touch coordinator state.
type CompileFunc func(ctx context.Context, path string, pkg interface{}, opts map[string]interface{}) (*asset.ProcessedAsset, error)

// Options configures a Pool.
type Options struct {
	// Size is the number of concurrent compile workers. Zero means size by
	// host parallelism.
	Size int
	// IdleTeardown, when non-zero, tears the pool down after this much
	// continuous idle time via a periodic sweep.
	IdleTeardown time.Duration
}

// Pool is the shared, reference-counted worker pool.
type Pool struct {
	compile CompileFunc
	log     *logging.Logger
	metrics *metrics.Metrics

	tasks chan task
	size  int

	mu       sync.Mutex
	refs     int
	started  bool
	lastWork time.Time
	cron     *cron.Cron
	stopOnce sync.Once
	stopCh   chan struct{}
}

type task struct {
	ctx    context.Context
	path   string
	pkg    interface{}
	opts   map[string]interface{}
	result chan taskResult
}

type taskResult struct {
	processed *asset.ProcessedAsset
	err       error
}

// New creates a Pool. The pool does not start its workers until Acquire is
// called for the first time.
func New(compile CompileFunc, opts Options, log *logging.Logger, m *metrics.Metrics) *Pool {
	size := opts.Size
	if size <= 0 {
		size = hostParallelism()
	}
	p := &Pool{
		compile: compile,
		log:     log,
		metrics: m,
		tasks:   make(chan task),
		size:    size,
		stopCh:  make(chan struct{}),
	}
	if opts.IdleTeardown > 0 {
		p.cron = cron.New(cron.WithSeconds())
	}
	return p
}

func hostParallelism() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 4
	}
	return n
}

// Acquire increments the reference count and lazily starts the pool's
// workers on first acquisition. Mirrors WorkerPool.getShared in the design.
func (p *Pool) Acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs++
	if !p.started {
		p.started = true
		for i := 0; i < p.size; i++ {
			go p.worker()
		}
	}
}

// Release decrements the reference count. The pool itself is only torn down
// via KillWorkers; Release alone never stops workers, since watch mode keeps
// the pool alive across many facade acquire/release cycles.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs > 0 {
		p.refs--
	}
}

// Refs reports the current reference count, chiefly for tests.
func (p *Pool) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			if p.metrics != nil {
				p.metrics.SetWorkersActive(1)
			}
			start := time.Now()
			processed, err := p.compile(t.ctx, t.path, t.pkg, t.opts)
			duration := time.Since(start)
			p.mu.Lock()
			p.lastWork = time.Now()
			p.mu.Unlock()

			status := "success"
			if err != nil {
				status = "failed"
				err = forgeerrors.CompileFailed(t.path, err)
				if p.log != nil {
					p.log.LogCompile(t.ctx, t.path, "", duration, err)
				}
			} else if p.log != nil {
				p.log.LogCompile(t.ctx, t.path, "", duration, nil)
			}
			if p.metrics != nil {
				assetType := ""
				if processed != nil {
					assetType = firstGeneratedType(processed.Generated)
				}
				p.metrics.RecordCompile("bundler", assetType, status, duration)
				p.metrics.SetWorkersActive(0)
			}
			t.result <- taskResult{processed: processed, err: err}
		}
	}
}

func firstGeneratedType(generated map[string]string) string {
	for t := range generated {
		return t
	}
	return "unknown"
}

// Run dispatches one compile task and blocks for its result. Failures
// propagate with the original error plus source location when available
// (the worker attaches the path via forgeerrors.CompileFailed).
func (p *Pool) Run(ctx context.Context, path string, pkg interface{}, opts map[string]interface{}) (*asset.ProcessedAsset, error) {
	t := task{ctx: ctx, path: path, pkg: pkg, opts: opts, result: make(chan taskResult, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-t.result:
		return res.processed, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// KillWorkers tears the pool down unconditionally, stopping every worker
// goroutine. It is idempotent.
func (p *Pool) KillWorkers() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cron != nil {
			p.cron.Stop()
		}
	})
}

// StartIdleSweep arms a periodic check (via robfig/cron) that tears the pool
// down once it has been idle for longer than the configured IdleTeardown.
// Only meaningful when the pool was constructed with Options.IdleTeardown.
func (p *Pool) StartIdleSweep(idleTeardown time.Duration) {
	if p.cron == nil {
		return
	}
	p.mu.Lock()
	p.lastWork = time.Now()
	p.mu.Unlock()

	_, _ = p.cron.AddFunc("@every 30s", func() {
		p.mu.Lock()
		idle := time.Since(p.lastWork)
		refs := p.refs
		p.mu.Unlock()
		if refs == 0 && idle >= idleTeardown {
			p.KillWorkers()
		}
	})
	p.cron.Start()
}
