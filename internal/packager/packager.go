// Package packager implements per-type packaging: walking the bundle tree
// and invoking a type-specific Packager for every bundle it reaches,
// producing artifacts under the output directory.
package packager

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/internal/asset"
)

// Packager produces one artifact (and its content hash) for a bundle.
type Packager interface {
	Package(outDir, name string, bundle *asset.Bundle) (hash string, err error)
}

// Registry is the PackagerRegistry collaborator: add(type, packager),
// has(type).
type Registry struct {
	mu        sync.RWMutex
	packagers map[string]Packager
}

// NewRegistry creates an empty packager registry.
func NewRegistry() *Registry {
	return &Registry{packagers: make(map[string]Packager)}
}

// Add registers a packager for assetType.
func (r *Registry) Add(assetType string, p Packager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packagers[assetType] = p
}

// Has reports whether a packager is registered for assetType.
func (r *Registry) Has(assetType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.packagers[assetType]
	return ok
}

func (r *Registry) get(assetType string) (Packager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packagers[assetType]
	return p, ok
}

// ConcatPackager is the default Packager for text-based bundle types (js,
// css): it concatenates every member asset's generated output for the
// bundle's type, in a stable order, and hashes the result.
type ConcatPackager struct{}

// Package implements Packager by concatenating asset output.
func (ConcatPackager) Package(outDir, name string, bundle *asset.Bundle) (string, error) {
	assets := bundle.Assets()
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })

	var buf []byte
	for _, a := range assets {
		if content, ok := a.Generated[bundle.Type]; ok {
			buf = append(buf, []byte(content)...)
			buf = append(buf, '\n')
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", forgeerrors.IOError("mkdir output directory", err)
	}
	outPath := filepath.Join(outDir, name)
	if err := os.WriteFile(outPath, buf, 0o644); err != nil {
		return "", forgeerrors.IOError("write bundle artifact", err)
	}

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// OpaquePackager copies a single-asset bundle's source bytes through
// unmodified — used for bundle types with no registered packager.
type OpaquePackager struct{}

func (OpaquePackager) Package(outDir, name string, bundle *asset.Bundle) (string, error) {
	assets := bundle.Assets()
	if len(assets) != 1 {
		return "", forgeerrors.InternalInvariant("opaque bundle must contain exactly one asset")
	}
	raw, err := os.ReadFile(assets[0].Path)
	if err != nil {
		return "", forgeerrors.IOError("read opaque asset", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", forgeerrors.IOError("mkdir output directory", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, name), raw, 0o644); err != nil {
		return "", forgeerrors.IOError("write opaque artifact", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Package walks the bundle tree rooted at main, packages every bundle it
// reaches and returns the new hash map (which seeds the next incremental
// run). prevHashes does not change which bundles are packaged: a bundle
// whose hash is unchanged is packaged and written again.
func Package(registry *Registry, outDir string, main *asset.Bundle, names map[*asset.Bundle]string, prevHashes map[*asset.Bundle]string) (map[*asset.Bundle]string, error) {
	newHashes := make(map[*asset.Bundle]string)
	visited := make(map[*asset.Bundle]struct{})

	var walk func(b *asset.Bundle) error
	walk = func(b *asset.Bundle) error {
		if b == nil {
			return nil
		}
		if _, ok := visited[b]; ok {
			return nil
		}
		visited[b] = struct{}{}

		p, ok := registry.get(b.Type)
		if !ok {
			p = OpaquePackager{}
		}
		name := names[b]
		// Packaging doubles as hashing here, so every bundle is packaged and
		// its file re-written; prevHashes is not compared against. Identical
		// content gives the same hash, so identical runs give identical
		// output.
		hash, err := p.Package(outDir, name, b)
		if err != nil {
			return forgeerrors.PackageFailed(b.Type, err)
		}
		newHashes[b] = hash
		_ = prevHashes[b]

		for _, sib := range b.SiblingBundles {
			if err := walk(sib); err != nil {
				return err
			}
		}
		for _, child := range b.ChildBundles {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(main); err != nil {
		return nil, err
	}
	return newHashes, nil
}
