package asset

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"golang.org/x/crypto/blake2b"
)

// Bundle groups assets that will produce one output artifact. The bundle
// tree is the owner of bundle structure; Asset.ParentBundle is a weak
// back-reference into it.
type Bundle struct {
	mu sync.RWMutex

	ID    string
	Type  string
	Entry *Asset // immutable for the bundle's lifetime

	assets map[*Asset]struct{}

	ChildBundles   []*Bundle // dynamic-import children
	SiblingBundles map[string]*Bundle // per-type peers sharing Entry, indexed by type
	ParentBundle   *Bundle
}

// NewBundle creates a bundle rooted at entry. Callers are expected to also
// add entry as a member via AddAsset.
func NewBundle(bundleType string, entry *Asset) *Bundle {
	return &Bundle{
		ID:             randomID(),
		Type:           bundleType,
		Entry:          entry,
		assets:         make(map[*Asset]struct{}),
		SiblingBundles: make(map[string]*Bundle),
	}
}

func randomID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// AddAsset adds a to the bundle, asserting the type invariant: every asset in
// a bundle shares the bundle's Type, unless a produced generated output for
// this bundle's type specifically (cross-type emission, §4.6 step 4) even
// though its own nominal type differs — a multi-output asset legitimately
// belongs to more than one bundle.
func (b *Bundle) AddAsset(a *Asset) error {
	if a.Type != "" && b.Type != "" && a.Type != b.Type && a.Generated[b.Type] == "" {
		return forgeerrors.InternalInvariant("asset type does not match bundle type").
			WithDetails("assetType", a.Type).
			WithDetails("bundleType", b.Type)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assets[a] = struct{}{}
	return nil
}

// RemoveAsset removes a from the bundle's membership set.
func (b *Bundle) RemoveAsset(a *Asset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.assets, a)
}

// HasAsset reports whether a is a member of this bundle.
func (b *Bundle) HasAsset(a *Asset) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.assets[a]
	return ok
}

// Assets returns a snapshot of the bundle's member assets.
func (b *Bundle) Assets() []*Asset {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Asset, 0, len(b.assets))
	for a := range b.assets {
		out = append(out, a)
	}
	return out
}

// Size reports the number of member assets.
func (b *Bundle) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.assets)
}

// GetSiblingBundle returns the per-type sibling sharing this bundle's entry
// context, creating it on demand. At most one sibling exists per type.
func (b *Bundle) GetSiblingBundle(bundleType string) *Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sib, ok := b.SiblingBundles[bundleType]; ok {
		return sib
	}
	sib := NewBundle(bundleType, b.Entry)
	sib.ParentBundle = b.ParentBundle
	// Every sibling in the group points back at every other, indexed by type,
	// so any one of them can look up a peer.
	for t, peer := range b.SiblingBundles {
		sib.SiblingBundles[t] = peer
		peer.mu.Lock()
		peer.SiblingBundles[bundleType] = sib
		peer.mu.Unlock()
	}
	sib.SiblingBundles[b.Type] = b
	b.SiblingBundles[bundleType] = sib
	return sib
}

// GetSoloSiblingBundle creates a fresh per-type sibling of b that is never
// reused by a later lookup — used when no packager is registered for
// bundleType, so each such asset gets its own solo bundle (opaque file
// emission, §4.6 step 3) instead of sharing one with other same-type
// assets, which OpaquePackager would then reject.
func (b *Bundle) GetSoloSiblingBundle(bundleType string) *Bundle {
	b.mu.Lock()
	defer b.mu.Unlock()
	sib := NewBundle(bundleType, b.Entry)
	sib.ParentBundle = b.ParentBundle
	sib.SiblingBundles[b.Type] = b
	// Keyed by the sibling's own ID rather than bundleType alone, so a later
	// GetSiblingBundle/GetSoloSiblingBundle call for the same type never
	// finds and reuses this one.
	b.SiblingBundles[bundleType+"#"+sib.ID] = sib
	return sib
}

// AddChildBundle registers child as a dynamic-import child of b.
func (b *Bundle) AddChildBundle(child *Bundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	child.ParentBundle = b
	b.ChildBundles = append(b.ChildBundles, child)
}

// ancestorChain returns b and each of its ancestors, nearest first and root
// last: [b, b.parent, b.parent.parent, ..., root].
func (b *Bundle) ancestorChain() []*Bundle {
	var chain []*Bundle
	for cur := b; cur != nil; cur = cur.ParentBundle {
		chain = append(chain, cur)
	}
	return chain
}

// FindCommonAncestor returns the deepest bundle common to both b's and
// other's ancestor chains (which may be b or other themselves).
func (b *Bundle) FindCommonAncestor(other *Bundle) *Bundle {
	if b == other {
		return b
	}
	ownChain := b.ancestorChain()
	ownSet := make(map[*Bundle]int, len(ownChain))
	for i, anc := range ownChain {
		ownSet[anc] = i
	}
	for cur := other; cur != nil; cur = cur.ParentBundle {
		if _, ok := ownSet[cur]; ok {
			return cur
		}
	}
	return nil
}

// IsAncestorOf reports whether b appears in other's ancestor chain.
func (b *Bundle) IsAncestorOf(other *Bundle) bool {
	for cur := other; cur != nil; cur = cur.ParentBundle {
		if cur == b {
			return true
		}
	}
	return false
}

// MoveAssetToBundle migrates asset (and co-located subtree) from its current
// parent bundle to target. It never moves a bundle's entry asset, migrates
// the asset across all per-type siblings of both its old and new owning
// bundle, and recursively moves child deps whose ParentBundle equals the
// asset's old ParentBundle so co-located subtrees travel together.
func MoveAssetToBundle(asset *Asset, target *Bundle) error {
	old := asset.ParentBundle
	if old == target {
		return nil
	}
	if old != nil && old.Entry == asset {
		return forgeerrors.InternalInvariant("cannot move a bundle's entry asset").
			WithDetails("path", asset.Path)
	}

	moveOneSiblingGroup := func(from, to *Bundle) error {
		if from == nil {
			return nil
		}
		from.RemoveAsset(asset)
		dest := to
		if to.Type != from.Type {
			dest = to.GetSiblingBundle(from.Type)
		}
		return dest.AddAsset(asset)
	}

	// Migrate the asset in every sibling group it currently belongs to.
	for _, bundle := range asset.siblingBundlesContaining() {
		if err := moveOneSiblingGroup(bundle, target); err != nil {
			return err
		}
	}

	asset.ParentBundle = target
	rewriteParentDeps(asset, old, target)

	// Recursively move child deps that were co-located in the old bundle.
	for dep, child := range asset.DepAssets {
		if dep.IncludedInParent {
			continue
		}
		if child.ParentBundle == old {
			if err := MoveAssetToBundle(child, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// siblingBundlesContaining returns the set of bundles (across the asset's
// recorded Bundles set plus its primary ParentBundle) that currently hold
// this asset as a member.
func (a *Asset) siblingBundlesContaining() []*Bundle {
	seen := make(map[*Bundle]struct{})
	var out []*Bundle
	add := func(b *Bundle) {
		if b == nil {
			return
		}
		if _, ok := seen[b]; ok {
			return
		}
		if !b.HasAsset(a) {
			return
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	add(a.ParentBundle)
	for b := range a.Bundles {
		add(b)
	}
	return out
}

// rewriteParentDeps keeps the asset's ParentDeps pointer-set referentially
// valid across a hoist: the dependency descriptors themselves are unaffected
// (they belong to the referencing parent asset, not the bundle), so no
// rewrite is structurally required. This function exists to make that
// decision explicit rather than silent: moveAssetToBundle does not mutate
// parentDeps ownership, it only changes bundle placement.
func rewriteParentDeps(asset *Asset, old, target *Bundle) {
	_ = asset
	_ = old
	_ = target
}

// BundleNameMap assigns a final output filename to every bundle reachable
// from root. When contentHash is true, names are derived from the bundle's
// content hash (truncated blake2b, hex-encoded); otherwise a deterministic
// name based on the entry asset's path is used.
func BundleNameMap(root *Bundle, hashes map[*Bundle]string, contentHash bool) map[*Bundle]string {
	out := make(map[*Bundle]string)
	var visit func(b *Bundle)
	visited := make(map[*Bundle]struct{})
	visit = func(b *Bundle) {
		if b == nil {
			return
		}
		if _, ok := visited[b]; ok {
			return
		}
		visited[b] = struct{}{}
		out[b] = bundleName(b, hashes[b], contentHash)
		for _, sib := range b.SiblingBundles {
			visit(sib)
		}
		for _, child := range b.ChildBundles {
			visit(child)
		}
	}
	visit(root)
	return out
}

func bundleName(b *Bundle, hash string, contentHash bool) string {
	ext := b.Type
	if ext == "" {
		ext = "bin"
	}
	if contentHash && hash != "" {
		return shortHash(hash) + "." + ext
	}
	base := b.Entry.Path
	return base + "." + b.ID + "." + ext
}

// shortHash hashes a content hash with blake2b and keeps the first 8 hex
// characters as the content-addressed fragment of a bundle name.
func shortHash(hash string) string {
	sum := blake2b.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:])[:8]
}
