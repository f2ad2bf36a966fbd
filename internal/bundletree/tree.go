// Package bundletree implements createBundleTree: the recursive algorithm
// that converts a fully-resolved asset graph into a tree of bundles with
// lowest-common-ancestor hoisting and dynamic-import splitting.
package bundletree

import (
	"github.com/forgepack/forge/internal/asset"
	"github.com/forgepack/forge/internal/packager"
)

// Builder runs createBundleTree over a resolved asset graph. Placement of a
// cross-type dependency depends on whether a packager is registered for its
// type: a registered type shares the one per-type sibling bundle, while an
// unregistered type gets its own solo sibling bundle (opaque file emission).
type Builder struct {
	packagers *packager.Registry
}

// New creates a Builder. packagers may be nil, in which case every
// cross-type asset is treated as unregistered (always a solo bundle).
func New(packagers *packager.Registry) *Builder {
	return &Builder{packagers: packagers}
}

// hasPackager reports whether a packager is registered for t.
func (b *Builder) hasPackager(t string) bool {
	return b.packagers != nil && b.packagers.Has(t)
}

// Build runs createBundleTree from the main asset and returns the root
// bundle.
func (b *Builder) Build(main *asset.Asset) (*asset.Bundle, error) {
	parentBundles := make(map[*asset.Bundle]struct{})
	if err := b.createBundleTree(main, nil, nil, parentBundles); err != nil {
		return nil, err
	}
	return main.ParentBundle, nil
}

// createBundleTree implements §4.6 of the bundler design: per-call placement
// decision, hoisting to the lowest common ancestor on re-encounter, and
// cycle detection via the parentBundles recursion-stack set.
func (b *Builder) createBundleTree(a *asset.Asset, dep *asset.Dependency, bundle *asset.Bundle, parentBundles map[*asset.Bundle]struct{}) error {
	if dep != nil {
		a.ParentDeps[dep] = struct{}{}
	}

	if a.ParentBundle != nil {
		if a.ParentBundle != bundle {
			if bundle == nil {
				// Reached from a different root context than before; nothing
				// to hoist against — leave placement as-is.
				return nil
			}
			common := bundle.FindCommonAncestor(a.ParentBundle)
			if common != nil && common != a.ParentBundle && typesMatch(common, a) {
				return asset.MoveAssetToBundle(a, common)
			}
			return nil
		}
		// Already placed in exactly this bundle.
		if _, onStack := parentBundles[a.ParentBundle]; onStack {
			// Cycle: the owning bundle is already on the recursion stack.
			return nil
		}
		return nil
	}

	// Placement.
	var target *asset.Bundle
	switch {
	case bundle == nil:
		target = asset.NewBundle(a.Type, a)
	case dep != nil && dep.Dynamic:
		child := asset.NewBundle(a.Type, a)
		bundle.AddChildBundle(child)
		target = child
	case a.Type != "" && bundle.Type != "" && a.Type != bundle.Type:
		// Cross-type dependency: a type with a registered packager shares the
		// one per-type sibling bundle; an unregistered type gets its own solo
		// sibling bundle, so two unpackaged same-type assets never land in a
		// shared bundle that OpaquePackager would then reject.
		if b.hasPackager(a.Type) {
			target = bundle.GetSiblingBundle(a.Type)
		} else {
			target = bundle.GetSoloSiblingBundle(a.Type)
		}
	default:
		// Same-type dependency: stays in the current bundle.
		target = bundle
	}
	if err := target.AddAsset(a); err != nil {
		return err
	}

	// Cross-type emission: the asset may have produced output for the
	// current (incoming) bundle's type in addition to its nominal type —
	// give that bundle membership too, even though a is being placed
	// elsewhere.
	if bundle != nil && target != bundle && a.Generated[bundle.Type] != "" {
		if err := bundle.AddAsset(a); err != nil {
			return err
		}
		a.Bundles[bundle] = struct{}{}
	}
	if a.Type != "" && a.Generated[a.Type] != "" {
		for t := range a.Generated {
			if t == a.Type {
				continue
			}
			sib := target.GetSiblingBundle(t)
			if err := sib.AddAsset(a); err != nil {
				return err
			}
			a.Bundles[sib] = struct{}{}
		}
	}

	a.ParentBundle = target
	a.Bundles[target] = struct{}{}

	parentBundles[target] = struct{}{}
	defer delete(parentBundles, target)

	for _, d := range a.Dependencies {
		child, ok := a.DepAssets[d]
		if !ok {
			continue
		}
		if err := b.createBundleTree(child, d, target, parentBundles); err != nil {
			return err
		}
	}
	return nil
}

func typesMatch(bundle *asset.Bundle, a *asset.Asset) bool {
	return bundle.Type == "" || a.Type == "" || bundle.Type == a.Type
}
