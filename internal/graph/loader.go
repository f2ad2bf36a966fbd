// Package graph implements the bundler's Graph Loader: processAsset and
// loadAsset, recursively resolving dependencies, loading assets via cache or
// worker, and wiring edges.
package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/internal/asset"
	"github.com/forgepack/forge/internal/compilecache"
	"github.com/forgepack/forge/internal/registry"
	"github.com/forgepack/forge/internal/resolver"
	"github.com/forgepack/forge/internal/workerpool"
)

// Delegate contributes edges the compiler's direct parse of the source
// wouldn't produce. Optional.
type Delegate interface {
	GetImplicitDependencies(a *asset.Asset) []*asset.Dependency
}

// Loader owns the Graph Loader's collaborators: resolver, registry, cache,
// worker pool, and an optional implicit-dependency delegate.
type Loader struct {
	registry *registry.Registry
	resolver *resolver.Resolver
	cache    compilecache.Cache
	pool     *workerpool.Pool
	delegate Delegate
	log      *logging.Logger
	opts     map[string]interface{}
}

// New creates a Loader.
func New(reg *registry.Registry, res *resolver.Resolver, cache compilecache.Cache, pool *workerpool.Pool, delegate Delegate, log *logging.Logger, opts map[string]interface{}) *Loader {
	return &Loader{registry: reg, resolver: res, cache: cache, pool: pool, delegate: delegate, log: log, opts: opts}
}

// GetAsset implements Registry.resolveAsset: resolves specifier against
// parent, then returns the existing registry entry or creates a new one.
// Idempotent per canonical path.
func (l *Loader) GetAsset(ctx context.Context, specifier, parent string) (*asset.Asset, error) {
	res, err := l.resolver.Resolve(ctx, specifier, parent)
	if err != nil {
		return nil, err
	}
	a := l.registry.GetOrCreate(res.Path, func() *asset.Asset {
		return asset.New(res.Path, assetTypeOf(res.Path), res.Pkg)
	})
	l.registry.Watch(res.Path, a)
	return a, nil
}

func assetTypeOf(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// ProcessAsset implements §4.5 processAsset: the Build Queue's worker
// callback. It is also used directly as the buildqueue.ProcessFunc.
func (l *Loader) ProcessAsset(ctx context.Context, a *asset.Asset, isRebuild bool) error {
	return l.loadAsset(ctx, a, isRebuild)
}

// loadAsset implements §4.5 steps 1-8.
func (l *Loader) loadAsset(ctx context.Context, a *asset.Asset, isRebuild bool) error {
	if isRebuild {
		a.Invalidate()
		l.cache.Invalidate(ctx, a.Path)
	}

	if a.MarkProcessing() {
		// Already processed (or concurrently claimed) this run; nothing
		// further to do — the claimant that set Processed=false->true is
		// responsible for the recursive load.
		return nil
	}

	start := time.Now()
	var processed *asset.ProcessedAsset

	if cached, ok := l.cache.Read(ctx, a.Path); ok && !a.ShouldInvalidate(cached.CacheData) {
		processed = cached
	} else {
		var err error
		processed, err = l.pool.Run(ctx, a.Path, a.Pkg, l.opts)
		if err != nil {
			return err
		}
		l.cache.Write(ctx, a.Path, processed)
	}

	a.ApplyProcessed(processed, time.Since(start))

	effectiveDeps := append([]*asset.Dependency{}, processed.Dependencies...)
	if l.delegate != nil {
		effectiveDeps = append(effectiveDeps, l.delegate.GetImplicitDependencies(a)...)
	}

	for _, dep := range effectiveDeps {
		if dep.IncludedInParent {
			// Watch the dep's path so edits retrigger the parent, but
			// produce no child asset/edge.
			l.registry.Watch(resolveIncludedPath(a, dep), a)
			continue
		}
		child, err := l.resolveDep(ctx, a, dep)
		if err != nil {
			return err
		}
		if child == nil {
			// Optional dependency that failed to resolve.
			continue
		}
		asset.LinkDep(a, dep, child)
		if err := l.loadAsset(ctx, child, isRebuild); err != nil {
			return err
		}
	}

	a.SetDependencies(effectiveDeps)
	return nil
}

// resolveIncludedPath resolves an includedInParent dependency's path without
// creating an Asset for it — only a watch subscription is needed.
func resolveIncludedPath(a *asset.Asset, dep *asset.Dependency) string {
	if resolvedPath, err := resolveRelative(a.Path, dep.Specifier); err == nil {
		return resolvedPath
	}
	return dep.Specifier
}

func resolveRelative(parent, specifier string) (string, error) {
	if specifier == "" {
		return "", os.ErrInvalid
	}
	if filepath.IsAbs(specifier) {
		return specifier, nil
	}
	return filepath.Join(filepath.Dir(parent), specifier), nil
}

// resolveDep implements the resolveDep policy from §4.5: classify resolution
// failures by specifier shape and the autoinstall/optional/production
// context, recovering or enriching as appropriate.
func (l *Loader) resolveDep(ctx context.Context, parent *asset.Asset, dep *asset.Dependency) (*asset.Asset, error) {
	a, err := l.GetAsset(ctx, dep.Specifier, parent.Path)
	if err == nil {
		return a, nil
	}
	// A dependency that is both optional and autoinstall-eligible still
	// throws when the autoinstall attempt itself failed: the optional
	// fallback only covers "could not be found", not "tried to install and
	// failed" — the latter takes precedence.
	if dep.Optional && !forgeerrors.Is(err, forgeerrors.ErrCodeInstallFailed) {
		return nil, nil
	}
	return nil, l.throwDepError(parent, dep, err)
}

// throwDepError enriches a resolution failure with a code-frame-annotated
// message when the dependency's source location is known.
func (l *Loader) throwDepError(parent *asset.Asset, dep *asset.Dependency, cause error) error {
	if dep.Loc == nil {
		return cause
	}
	frame, err := codeFrame(parent.Path, dep.Loc.Line)
	if err != nil {
		return cause
	}
	wrapped := forgeerrors.ResolveNotFound(dep.Specifier, parent.Path)
	return fmt.Errorf("%w\n%s", wrapped, frame)
}

// codeFrame loads the source and extracts the offending line for a
// human-readable error annotation.
func codeFrame(path string, line int) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(raw), "\n")
	if line <= 0 || line > len(lines) {
		return "", os.ErrInvalid
	}
	return fmt.Sprintf("  %d | %s", line, lines[line-1]), nil
}
