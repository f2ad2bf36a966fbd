// Package registry implements the bundler's Asset Registry: a deduplicating
// map from canonical path to Asset record, plus file-watch subscriptions.
package registry

import (
	"sync"

	"github.com/forgepack/forge/internal/asset"
)

// Watcher is the narrow subset of the file watcher the registry needs to
// add/remove path subscriptions. Satisfied by *rebuild.Watcher.
type Watcher interface {
	Add(path string) error
	Remove(path string) error
}

// Registry is the single owner of Asset instances. Descriptors and bundles
// hold back-references only.
type Registry struct {
	mu      sync.Mutex
	assets  map[string]*asset.Asset
	watches map[string]map[*asset.Asset]struct{}
	watcher Watcher
}

// New creates an empty registry. watcher may be nil, in which case
// Watch/Unwatch are no-ops (useful for one-shot, non-watch builds).
func New(watcher Watcher) *Registry {
	return &Registry{
		assets:  make(map[string]*asset.Asset),
		watches: make(map[string]map[*asset.Asset]struct{}),
		watcher: watcher,
	}
}

// GetOrCreate returns the existing Asset for path, or creates and registers
// a new one via newFn. Idempotent per canonical path: GetOrCreate(x) called
// twice returns the same identity.
func (r *Registry) GetOrCreate(path string, newFn func() *asset.Asset) *asset.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.assets[path]; ok {
		return a
	}
	a := newFn()
	r.assets[path] = a
	return a
}

// Get returns the registered asset for path, if any.
func (r *Registry) Get(path string) (*asset.Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[path]
	return a, ok
}

// All returns a snapshot of every registered asset.
func (r *Registry) All() []*asset.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*asset.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	return out
}

// Remove drops path from the registry and clears any remaining watch
// subscriptions for it.
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assets, path)
	if subs, ok := r.watches[path]; ok && len(subs) > 0 {
		if r.watcher != nil {
			_ = r.watcher.Remove(path)
		}
		delete(r.watches, path)
	}
}

// Watch subscribes subscriber to changes on path. The underlying watch
// subscription is created only once, on the first subscriber; the path
// stays watched for as long as any asset references it.
func (r *Registry) Watch(path string, subscriber *asset.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.watches[path]
	if !ok {
		subs = make(map[*asset.Asset]struct{})
		r.watches[path] = subs
		if r.watcher != nil {
			_ = r.watcher.Add(path)
		}
	}
	subs[subscriber] = struct{}{}
}

// Unwatch removes subscriber's interest in path. The last unwatch removes
// the underlying subscription.
func (r *Registry) Unwatch(path string, subscriber *asset.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.watches[path]
	if !ok {
		return
	}
	delete(subs, subscriber)
	if len(subs) == 0 {
		delete(r.watches, path)
		if r.watcher != nil {
			_ = r.watcher.Remove(path)
		}
	}
}

// Subscribers returns the set of assets currently watching path, used by the
// Rebuild Controller to translate a file-change event into the assets to
// requeue.
func (r *Registry) Subscribers(path string) []*asset.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.watches[path]
	if !ok {
		return nil
	}
	out := make([]*asset.Asset, 0, len(subs))
	for a := range subs {
		out = append(out, a)
	}
	return out
}

// UnloadOrphans removes every registered asset whose ParentBundle is nil
// after a bundle-tree pass, and drops their watches. Returns the removed
// paths.
func (r *Registry) UnloadOrphans() []string {
	r.mu.Lock()
	var orphanPaths []string
	var orphanAssets []*asset.Asset
	for path, a := range r.assets {
		if a.ParentBundle == nil {
			orphanPaths = append(orphanPaths, path)
			orphanAssets = append(orphanAssets, a)
			delete(r.assets, path)
		}
	}
	r.mu.Unlock()

	for i, path := range orphanPaths {
		r.Unwatch(path, orphanAssets[i])
	}
	return orphanPaths
}
