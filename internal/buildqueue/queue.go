// Package buildqueue implements the bundler's Build Queue: a bounded
// concurrency, at-most-once-per-run task queue draining Assets through a
// caller-supplied processAsset callback.
package buildqueue

import (
	"context"
	"sync"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/metrics"
	"github.com/forgepack/forge/internal/asset"
)

// ProcessFunc processes one asset, recursively loading its dependencies
// before returning. It is the Graph Loader's processAsset.
type ProcessFunc func(ctx context.Context, a *asset.Asset, isRebuild bool) error

// Queue is the Build Queue: add(asset, isRebuild) collapses repeated adds of
// the same asset within one run; run() drains the queue with bounded
// concurrency and resolves with the set of assets processed.
type Queue struct {
	process     ProcessFunc
	concurrency int
	metrics     *metrics.Metrics

	mu      sync.Mutex
	running bool
	pending []queuedItem
	queued  map[*asset.Asset]struct{}
	done    map[*asset.Asset]struct{}
}

type queuedItem struct {
	asset     *asset.Asset
	isRebuild bool
}

// New creates a Queue bounded to concurrency simultaneous in-flight tasks.
func New(process ProcessFunc, concurrency int, m *metrics.Metrics) *Queue {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Queue{
		process:     process,
		concurrency: concurrency,
		metrics:     m,
		queued:      make(map[*asset.Asset]struct{}),
		done:        make(map[*asset.Asset]struct{}),
	}
}

// Add enqueues a for processing. Idempotent per asset within one run: a
// repeated add for an asset already queued or already done this run is a
// no-op.
func (q *Queue) Add(a *asset.Asset, isRebuild bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[a]; ok {
		return
	}
	if _, ok := q.done[a]; ok {
		return
	}
	q.queued[a] = struct{}{}
	q.pending = append(q.pending, queuedItem{asset: a, isRebuild: isRebuild})
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.pending))
	}
}

// Run drains the queue with bounded concurrency and returns the set of
// assets processed during this drain. Re-entry while a run is already active
// is disallowed and returns InternalInvariant — the design's open question
// on buildQueue re-entry is resolved this way: a change event arriving
// mid-build enqueues work for the *next* run rather than calling Run again.
func (q *Queue) Run(ctx context.Context) ([]*asset.Asset, error) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil, forgeerrors.InternalInvariant("build queue run() called while a run is already active")
	}
	q.running = true
	q.done = make(map[*asset.Asset]struct{})
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.done = make(map[*asset.Asset]struct{})
		q.mu.Unlock()
	}()

	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processed []*asset.Asset
	var firstErr error

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		delete(q.queued, item.asset)
		if q.metrics != nil {
			q.metrics.SetQueueDepth(len(q.pending))
		}
		q.mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(item queuedItem) {
			defer wg.Done()
			defer func() { <-sem }()

			err := q.process(ctx, item.asset, item.isRebuild)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			processed = append(processed, item.asset)
			q.mu.Lock()
			q.done[item.asset] = struct{}{}
			q.mu.Unlock()
		}(item)
	}

	wg.Wait()
	return processed, firstErr
}

// InFlight reports whether a run is currently active.
func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
