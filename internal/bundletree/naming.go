package bundletree

import (
	"strings"

	"github.com/forgepack/forge/internal/asset"
)

// NameMap produces mainBundle.getBundleNameMap(contentHash): a mapping from
// bundle identity to final filename, hash-derived when contentHash is
// enabled, deterministic otherwise.
func NameMap(main *asset.Bundle, hashes map[*asset.Bundle]string, contentHash bool) map[*asset.Bundle]string {
	return asset.BundleNameMap(main, hashes, contentHash)
}

// ReplaceBundleNames rewrites a changed asset's generated content so any
// embedded bundle-name placeholders reference the final names in names.
// Placeholders take the form "bundle:<id>" embedded by the compiler/packager
// wherever a cross-bundle reference (e.g. a dynamic import URL) is emitted.
func ReplaceBundleNames(a *asset.Asset, names map[*asset.Bundle]string) {
	if len(a.Generated) == 0 {
		return
	}
	placeholders := make(map[string]string, len(names))
	for bundle, name := range names {
		placeholders["bundle:"+bundle.ID] = name
	}
	if len(placeholders) == 0 {
		return
	}
	for t, content := range a.Generated {
		rewritten := content
		for placeholder, name := range placeholders {
			rewritten = strings.ReplaceAll(rewritten, placeholder, name)
		}
		a.Generated[t] = rewritten
	}
}
