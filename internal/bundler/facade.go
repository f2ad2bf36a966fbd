// Package bundler implements the Bundler Facade: the public surface tying
// the Worker Pool, Compile Cache, Asset Registry, Build Queue, Graph Loader,
// Bundle-Tree Builder, and Rebuild Controller together, emitting lifecycle
// events.
package bundler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/infrastructure/metrics"
	"github.com/forgepack/forge/infrastructure/runtime"
	"github.com/forgepack/forge/infrastructure/utils"
	"github.com/forgepack/forge/internal/asset"
	"github.com/forgepack/forge/internal/buildqueue"
	"github.com/forgepack/forge/internal/bundletree"
	"github.com/forgepack/forge/internal/compilecache"
	"github.com/forgepack/forge/internal/graph"
	"github.com/forgepack/forge/internal/livereload"
	"github.com/forgepack/forge/internal/packager"
	"github.com/forgepack/forge/internal/plugin"
	"github.com/forgepack/forge/internal/rebuild"
	"github.com/forgepack/forge/internal/registry"
	"github.com/forgepack/forge/internal/report"
	"github.com/forgepack/forge/internal/resolver"
	"github.com/forgepack/forge/internal/workerpool"
)

// Bundler is the facade: bundle(), start(), stop(), getAsset(name, parent),
// addAssetType(ext, path), addPackager(type, packager), addBundleLoader(type,
// path), middleware(), serve(port, https).
type Bundler struct {
	entryPath string
	opts      *Options

	log     *logging.Logger
	metrics *metrics.Metrics

	registry   *registry.Registry
	resolver   *resolver.Resolver
	cache      compilecache.Cache
	pool       *workerpool.Pool
	loader     *graph.Loader
	queue      *buildqueue.Queue
	packagers  *packager.Registry
	builder    *bundletree.Builder
	watcher    *rebuild.Watcher
	controller *rebuild.Controller
	liveReload *livereload.Server
	reports    *report.Store

	emitter *emitter

	stopCh   chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	pending       bool
	pendingWaiters []chan struct{}
	errored       bool
	started       bool
	initialBuild  bool
	exitCode      int

	mainAsset  *asset.Asset
	mainBundle *asset.Bundle
	prevHashes map[*asset.Bundle]string
}

// New constructs a Bundler for entryPath with the given options and
// collaborators. compile compiles an individual asset; callers
// normally pass compiler.New(opts.Minify).Compile.
func New(entryPath string, opts *Options, compile workerpool.CompileFunc, log *logging.Logger, m *metrics.Metrics) (*Bundler, error) {
	if log == nil {
		log = logging.NewFromEnv("forge-bundler")
	}
	if m == nil {
		m = metrics.Init("forge-bundler")
	}

	b := &Bundler{
		entryPath:  entryPath,
		opts:       opts,
		log:        log,
		metrics:    m,
		packagers:  packager.NewRegistry(),
		emitter:    newEmitter(),
		stopCh:     make(chan struct{}),
		initialBuild: true,
		prevHashes: make(map[*asset.Bundle]string),
	}

	b.packagers.Add("js", packager.ConcatPackager{})
	b.packagers.Add("css", packager.ConcatPackager{})

	b.builder = bundletree.New(b.packagers)
	b.pool = workerpool.New(compile, workerpool.Options{}, log, m)
	b.cache = newCompileCache(opts, log, m)

	res := resolver.New(resolver.Options{
		Root:        inferRoot(entryPath),
		Autoinstall: opts.Autoinstall,
		Production:  opts.Production,
	}, log)
	b.resolver = res

	if opts.DetailedReport {
		b.reports = newReportStore(log)
	}

	return b, nil
}

// newCompileCache returns a Redis-backed cache when Options.Cache is on and
// FORGE_REDIS_ADDR is set, so repeated bundler invocations across process
// restarts can reuse compiled output; CacheDir (default "forge-bundler") is
// then the key prefix. Otherwise it returns a MemoryCache rather than a nil
// Cache, since nothing downstream checks for nil. The MemoryCache lives as
// long as the Bundler, so it serves cached output across rebuilds even when
// Options.Cache is off.
func newCompileCache(opts *Options, log *logging.Logger, m *metrics.Metrics) compilecache.Cache {
	addr := os.Getenv("FORGE_REDIS_ADDR")
	if !opts.Cache || addr == "" {
		return compilecache.NewMemoryCache("forge-bundler", m)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := opts.CacheDir
	if prefix == "" {
		prefix = "forge-bundler"
	}
	return compilecache.NewRedisCache(client, prefix, 24*time.Hour, log, m, "forge-bundler")
}

// newReportStore connects to the report database named by FORGE_REPORT_DSN,
// when set. Without a DSN, DetailedReport degrades to a no-op (nil *Store is
// safe to carry: report.Store's methods are all nil-receiver-safe).
func newReportStore(log *logging.Logger) *report.Store {
	dsn := os.Getenv("FORGE_REPORT_DSN")
	if dsn == "" {
		if log != nil {
			log.Warn(context.Background(), "detailedReport enabled but FORGE_REPORT_DSN is unset; reports will not be persisted", nil)
		}
		return nil
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		if log != nil {
			log.WithError(err).Error("failed to connect report store, reports will not be persisted")
		}
		return nil
	}
	store := report.New(db, log)
	if err := store.EnsureSchema(context.Background()); err != nil && log != nil {
		log.WithError(err).Warn("failed to ensure detailed_reports schema")
	}
	return store
}

func inferRoot(entryPath string) string {
	dir := entryPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return "."
}

// AddAssetType fails if the worker pool has already started. Otherwise it
// returns nil without recording ext or compilerName: which compiler handles
// an extension is decided by the compile function passed to New.
func (b *Bundler) AddAssetType(ext, compilerName string) error {
	if b.pool.Refs() > 0 {
		return forgeerrors.InternalInvariant("cannot add asset type after worker pool has started")
	}
	// Extension -> compiler module wiring is resolved by the caller's
	// compile(path, pkg, opts) implementation; the facade only enforces the
	// start-time invariant here.
	_ = ext
	_ = compilerName
	return nil
}

// AddPackager registers a packager for an asset type. Must fail if the
// worker pool has already started.
func (b *Bundler) AddPackager(assetType string, p packager.Packager) error {
	if b.pool.Refs() > 0 {
		return forgeerrors.InternalInvariant("cannot add packager after worker pool has started")
	}
	b.packagers.Add(assetType, p)
	return nil
}

// AddBundleLoader fails if the worker pool has already started. Otherwise it
// returns nil without recording assetType or loaderPath; the Bundler keeps
// no bundle-loader table and the packaging pass uses none.
func (b *Bundler) AddBundleLoader(assetType, loaderPath string) error {
	if b.pool.Refs() > 0 {
		return forgeerrors.InternalInvariant("cannot add bundle loader after worker pool has started")
	}
	_ = assetType
	_ = loaderPath
	return nil
}

// Start acquires the pool, watcher, and live-reload server. Safe to call
// more than once; only the first call has effect per bundler instance.
func (b *Bundler) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	// Plugins configure asset types/packagers/bundle loaders before the
	// worker pool starts; AddAssetType/AddPackager/AddBundleLoader all
	// reject calls once the pool is live.
	if err := plugin.Discover(inferRoot(b.entryPath), b); err != nil && b.log != nil {
		b.log.WithError(err).Warn("plugin discovery failed")
	}

	b.pool.Acquire()

	if b.opts.Watch {
		w, err := rebuild.NewWatcher(b.log)
		if err != nil {
			return err
		}
		b.watcher = w
		b.registry = registry.New(w)
	} else {
		b.registry = registry.New(nil)
	}

	b.loader = graph.New(b.registry, b.resolver, b.cache, b.pool, nil, b.log, nil)
	b.queue = buildqueue.New(b.loader.ProcessAsset, 8, b.metrics)

	if b.opts.HMR {
		b.liveReload = livereload.New(b.log)
		hostname := b.opts.HMRHostname
		if hostname == "" {
			hostname = "localhost"
		}
		if _, err := b.liveReload.Start(hostname, b.opts.HMRPort); err != nil {
			return forgeerrors.IOError("start live reload server", err)
		}
	}

	if b.opts.Watch {
		b.controller = rebuild.New(b.watcher, b.requeueForPath, func() {
			if err := b.Bundle(ctx); err != nil && b.log != nil {
				b.log.WithError(err).Error("rebuild failed")
			}
		}, 0).WithLogger(b.log)
		utils.SafeGo(b.controller.Run, func(err error) {
			if b.log != nil {
				b.log.WithError(err).Error("rebuild controller panicked")
			}
		})
	}

	return nil
}

// requeueForPath translates a changed file path into buildqueue.Add calls
// for every subscribed asset, returning whether anything was enqueued.
func (b *Bundler) requeueForPath(path string) bool {
	subs := b.registry.Subscribers(path)
	for _, a := range subs {
		b.queue.Add(a, true)
	}
	return len(subs) > 0
}

// Stop stops the rebuild controller, closes the watcher and live-reload
// server, and releases the pool reference. The workers are killed when not
// in watch mode or when KillWorkers is set.
func (b *Bundler) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.controller != nil {
			b.controller.Stop()
		}
		if b.watcher != nil {
			_ = b.watcher.Close()
		}
		if b.liveReload != nil {
			_ = b.liveReload.Stop()
		}
		b.pool.Release()
		if !b.opts.Watch || b.opts.KillWorkers {
			b.pool.KillWorkers()
		}
	})
}

// OnBundled registers a bundled(mainBundle) listener.
func (b *Bundler) OnBundled(fn func(mainBundle interface{})) { b.emitter.OnBundled(fn) }

// OnBuildEnd registers a buildEnd() listener.
func (b *Bundler) OnBuildEnd(fn func()) { b.emitter.OnBuildEnd(fn) }

// Bundle runs one build pass. If another build is active, the caller blocks
// until buildEnd, then the call is retried from the top — serial builds:
// only one bundle() pass is ever in flight.
func (b *Bundler) Bundle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.pending {
			wait := make(chan struct{})
			b.pendingWaiters = append(b.pendingWaiters, wait)
			b.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		b.pending = true
		b.errored = false
		b.mu.Unlock()
		break
	}

	err := b.runBuildPass(ctx)

	b.mu.Lock()
	b.pending = false
	waiters := b.pendingWaiters
	b.pendingWaiters = nil
	b.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	b.emitter.emitBuildEnd()

	if !b.opts.Watch {
		b.Stop()
	}
	return err
}

func (b *Bundler) runBuildPass(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return b.fail(err)
	}

	start := time.Now()

	if b.initialBuild {
		if err := os.MkdirAll(b.opts.OutDir, 0o755); err != nil {
			return b.fail(forgeerrors.IOError("create output directory", err))
		}
		main, err := b.loader.GetAsset(ctx, b.entryPath, b.entryPath)
		if err != nil {
			return b.fail(err)
		}
		b.mainAsset = main
		b.queue.Add(main, false)
	}

	drained, err := b.queue.Run(ctx)
	if err != nil {
		return b.fail(err)
	}

	changed := b.orphanAssets()
	changed = append(changed, drained...)

	for _, a := range b.registry.All() {
		a.InvalidateBundle()
	}

	mainBundle, err := b.builder.Build(b.mainAsset)
	if err != nil {
		return b.fail(err)
	}
	b.mainBundle = mainBundle

	names := bundletree.NameMap(mainBundle, b.prevHashes, b.opts.ContentHash)
	for _, a := range changed {
		bundletree.ReplaceBundleNames(a, names)
	}

	if b.liveReload != nil && !b.initialBuild {
		var paths []string
		for _, a := range changed {
			paths = append(paths, a.Path)
		}
		b.liveReload.EmitUpdate(paths)
	}

	newHashes, err := packager.Package(b.packagers, b.opts.OutDir, mainBundle, names, b.prevHashes)
	if err != nil {
		return b.fail(err)
	}
	b.prevHashes = newHashes

	orphans := b.registry.UnloadOrphans()
	_ = orphans

	if b.metrics != nil {
		b.metrics.RecordBuild("forge-bundler", "success", time.Since(start))
	}
	if b.reports != nil {
		_ = b.reports.Save(ctx, start, time.Since(start), len(changed), false, nil)
	}

	b.initialBuild = false
	b.emitter.emitBundled(mainBundle)
	return nil
}

// orphanAssets returns the registered assets that had no parent bundle
// before this pass began (orphans from a prior incremental build).
func (b *Bundler) orphanAssets() []*asset.Asset {
	if b.registry == nil {
		return nil
	}
	var out []*asset.Asset
	for _, a := range b.registry.All() {
		if a.ParentBundle == nil {
			out = append(out, a)
		}
	}
	return out
}

// fail records the errored state, logs, and pushes to live-reload, applying
// the production/test/watch-mode failure policy from the error handling
// design. In production this records a nonzero exit code rather than
// exiting the process here — exiting mid-call would skip runBuildPass's
// caller's own cleanup (resetting pending, closing waiters, emitting
// buildEnd, stopping the pool), which must run on every build outcome.
// Callers that care about a process exit code (e.g. cmd/forge) check
// ExitCode() once Bundle has returned and that cleanup has completed.
func (b *Bundler) fail(err error) error {
	b.mu.Lock()
	b.errored = true
	if runtime.IsProduction() {
		b.exitCode = 1
	}
	b.mu.Unlock()

	if b.log != nil {
		b.log.WithError(err).Error("bundle build failed")
	}
	if b.metrics != nil {
		b.metrics.RecordBuild("forge-bundler", "errored", 0)
	}
	if b.liveReload != nil {
		b.liveReload.EmitError(err)
	}

	if !b.opts.Watch && b.liveReload == nil {
		return err
	}
	// Development-watch mode: fail gracefully, the watcher continues.
	return err
}

// ExitCode reports the process exit code this bundler wants once its own
// build-pass cleanup has finished — nonzero only after a production build
// failure. Zero otherwise.
func (b *Bundler) ExitCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitCode
}

// Errored reports whether the most recent build pass failed.
func (b *Bundler) Errored() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errored
}

// GetAsset resolves and returns the asset for name relative to parent,
// creating it in the registry if not already present.
func (b *Bundler) GetAsset(ctx context.Context, name, parent string) (*asset.Asset, error) {
	return b.loader.GetAsset(ctx, name, parent)
}

// WithReportStore attaches an optional detailedReport sink, used only when
// the DetailedReport option is enabled.
func (b *Bundler) WithReportStore(store *report.Store) { b.reports = store }

var _ plugin.Facade = (*Bundler)(nil)
