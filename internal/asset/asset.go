// Package asset defines the bundler's core data model: Asset and Bundle, and
// the ProcessedAsset value produced by the worker pool and compile cache.
package asset

import (
	"os"
	"sync"
	"time"
)

// SourceLocation pinpoints a dependency declaration inside its source file,
// used to attach a code-frame to resolution errors.
type SourceLocation struct {
	Line   int
	Column int
}

// Dependency is a declared edge from an asset to one of its imports. Identity
// is by pointer: the same Dependency value that appears in Asset.Dependencies
// is the key used in Asset.DepAssets and Asset.ParentDeps.
type Dependency struct {
	Specifier        string
	Name             string
	Loc              *SourceLocation
	Dynamic          bool
	Optional         bool
	IncludedInParent bool
}

// CacheFingerprint is the opaque metadata recorded alongside a cached
// ProcessedAsset. The compile cache treats it as opaque; only Asset decides
// whether it is still valid via ShouldInvalidate.
type CacheFingerprint struct {
	ModTime time.Time
	Size    int64
}

// ProcessedAsset is the worker's output for one compile, and the value stored
// in the compile cache.
type ProcessedAsset struct {
	Generated    map[string]string
	Hash         string
	Dependencies []*Dependency
	CacheData    *CacheFingerprint
}

// Asset is one source file in the dependency graph, plus its compiled state
// and edges. The registry is the single owner of Asset instances; bundles and
// dependency descriptors hold back-references only.
type Asset struct {
	mu sync.Mutex

	Path string
	Pkg  interface{}
	Type string

	Processed bool
	Generated map[string]string
	Hash      string
	BuildTime time.Duration

	// Dependencies preserves declaration order; DepAssets and ParentDeps are
	// keyed by Dependency pointer identity rather than specifier, since two
	// dependencies can share a specifier (e.g. re-imported under different
	// dynamic/optional flags).
	Dependencies []*Dependency
	DepAssets    map[*Dependency]*Asset
	ParentDeps   map[*Dependency]struct{}

	ParentBundle *Bundle
	Bundles      map[*Bundle]struct{}

	CacheData *CacheFingerprint
}

// New creates an unprocessed Asset for the given canonical path.
func New(path, assetType string, pkg interface{}) *Asset {
	return &Asset{
		Path:       path,
		Pkg:        pkg,
		Type:       assetType,
		DepAssets:  make(map[*Dependency]*Asset),
		ParentDeps: make(map[*Dependency]struct{}),
		Bundles:    make(map[*Bundle]struct{}),
	}
}

// Lock/Unlock expose the asset's mutex to callers on the coordinator that
// need to serialize concurrent mutation from independent recursive loads
// (the graph loader recurses across goroutines waiting on worker results).
func (a *Asset) Lock()   { a.mu.Lock() }
func (a *Asset) Unlock() { a.mu.Unlock() }

// MarkProcessing flips Processed to true and reports whether it was already
// set. The graph loader uses this to claim an asset exactly once per run
// before recursing into its dependencies, preventing re-entrant reprocessing
// of an asset reachable via two paths.
func (a *Asset) MarkProcessing() (alreadyProcessed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alreadyProcessed = a.Processed
	a.Processed = true
	return alreadyProcessed
}

// ApplyProcessed records a worker's (or cache's) output onto the asset.
func (a *Asset) ApplyProcessed(p *ProcessedAsset, buildTime time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Generated = p.Generated
	a.Hash = p.Hash
	a.CacheData = p.CacheData
	a.BuildTime = buildTime
}

// Invalidate forgets this asset's compiled state and edges so it is loaded
// fresh on the next build pass. Called on rebuild before re-queuing.
func (a *Asset) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Processed = false
	a.Generated = nil
	a.Hash = ""
	a.Dependencies = nil
	a.DepAssets = make(map[*Dependency]*Asset)
	a.BuildTime = 0
}

// InvalidateBundle forgets this asset's bundle placement. The decided
// semantics (open question in the upstream design): forget all current
// bundle placement before re-running the tree pass, clearing both
// ParentBundle and the sibling Bundles set, without cascading to other
// assets — the next createBundleTree pass recomputes placement for the
// whole reachable graph, so stale membership on unrelated assets self-heals.
func (a *Asset) InvalidateBundle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ParentBundle = nil
	a.Bundles = make(map[*Bundle]struct{})
}

// SetDependencies stores the effective dependency list (worker output plus
// implicit dependencies) in declaration order.
func (a *Asset) SetDependencies(deps []*Dependency) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Dependencies = deps
}

// LinkDep records a resolved edge to a dependency's Asset, and registers the
// reverse ParentDeps pointer on the child.
func LinkDep(parent *Asset, dep *Dependency, child *Asset) {
	parent.mu.Lock()
	parent.DepAssets[dep] = child
	parent.mu.Unlock()

	child.mu.Lock()
	child.ParentDeps[dep] = struct{}{}
	child.mu.Unlock()
}

// ShouldInvalidate reports whether the asset's current on-disk state
// disagrees with the supplied cache fingerprint, i.e. the cached
// ProcessedAsset for this path can no longer be trusted. The cache itself
// has no knowledge of transform options or mtimes; this is the one place
// that decides freshness.
func (a *Asset) ShouldInvalidate(cacheData *CacheFingerprint) bool {
	if cacheData == nil {
		return true
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return true
	}
	return !info.ModTime().Equal(cacheData.ModTime) || info.Size() != cacheData.Size
}

// Fingerprint stats the asset's source file and builds the cache fingerprint
// to store alongside a fresh ProcessedAsset.
func Fingerprint(path string) *CacheFingerprint {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return &CacheFingerprint{ModTime: info.ModTime(), Size: info.Size()}
}
