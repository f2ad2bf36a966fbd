// Package compiler implements the Compiler collaborator consumed through the
// core's black-box compile(path, pkg, opts) -> ProcessedAsset contract: a
// goja-backed JS/TS compile oracle (parse + dependency extraction) for
// script assets, with an opaque pass-through for every other asset type.
package compiler

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/crypto/blake2b"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/internal/asset"
)

// scriptExts is the set of extensions routed through the goja-backed parser.
var scriptExts = map[string]bool{".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true}

// importRe extracts static and dynamic import/require specifiers well
// enough to drive dependency resolution without a full transform pipeline
// (the source-code transform pipeline itself is out of scope).
var importRe = regexp.MustCompile(`(?:import\s+(?:[^'"]*?\sfrom\s+)?|export\s+(?:[^'"]*?\sfrom\s+)?|require\s*\(\s*|import\s*\()\s*['"]([^'"]+)['"]`)

var dynamicImportRe = regexp.MustCompile(`import\s*\(\s*['"]([^'"]+)['"]`)

// Compiler is the compile(path, pkg, opts) oracle. AssetTypeFromPath returns
// the extension-derived type used for bundle placement.
type Compiler struct {
	minify bool
}

// New creates a Compiler. minify controls whether output is minified
// (mirrors the facade's `minify` option, defaulted to production).
func New(minify bool) *Compiler {
	return &Compiler{minify: minify}
}

// Compile implements the black-box compile oracle. For script assets it
// parses with goja to validate syntax and extracts import specifiers via
// the shared regex; for every other extension it passes the source through
// opaquely, recording only its hash-relevant content.
func (c *Compiler) Compile(ctx context.Context, path string, pkg interface{}, opts map[string]interface{}) (*asset.ProcessedAsset, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, forgeerrors.IOError("read asset", err)
	}
	source := string(raw)
	ext := strings.ToLower(filepath.Ext(path))

	var deps []*asset.Dependency
	generated := map[string]string{}

	if scriptExts[ext] {
		if _, err := goja.Compile(path, stripTypeAnnotations(source), false); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		deps = extractDependencies(source)
		output := source
		if c.minify {
			output = minifyJS(source)
		}
		generated["js"] = output
	} else {
		trimmed := strings.TrimPrefix(ext, ".")
		if trimmed == "" {
			trimmed = "bin"
		}
		generated[trimmed] = source
	}

	return &asset.ProcessedAsset{
		Generated:    generated,
		Hash:         contentHash(source),
		Dependencies: deps,
		CacheData:    asset.Fingerprint(path),
	}, nil
}

// stripTypeAnnotations does a best-effort removal of TypeScript-only type
// syntax goja's ECMA-262 parser otherwise rejects. This is not a real
// TypeScript transform — the source-code transform pipeline is explicitly
// out of core scope — it exists only so the syntax-validation pass doesn't
// reject ordinary .ts files wholesale.
func stripTypeAnnotations(source string) string {
	return tsInterfaceRe.ReplaceAllString(source, "")
}

var tsInterfaceRe = regexp.MustCompile(`(?s)interface\s+\w+\s*\{[^}]*\}`)

func extractDependencies(source string) []*asset.Dependency {
	var deps []*asset.Dependency
	seen := map[string]bool{}
	for _, m := range importRe.FindAllStringSubmatch(source, -1) {
		specifier := m[1]
		key := specifier
		if seen[key] {
			continue
		}
		seen[key] = true
		deps = append(deps, &asset.Dependency{
			Specifier: specifier,
			Name:      specifier,
			Dynamic:   false,
		})
	}
	for _, m := range dynamicImportRe.FindAllStringSubmatch(source, -1) {
		specifier := m[1]
		for _, d := range deps {
			if d.Specifier == specifier {
				d.Dynamic = true
			}
		}
	}
	return deps
}

// minifyJS does a minimal whitespace/comment strip, standing in for a real
// minifier (out of core scope, black-box per the compile contract).
func minifyJS(source string) string {
	lines := strings.Split(source, "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

// GetImplicitDependencies is the optional Delegate hook: none by default.
func GetImplicitDependencies(a *asset.Asset) []*asset.Dependency { return nil }

// AssetTypeFromPath derives the declared type/extension used for bundle
// placement and packager lookup.
func AssetTypeFromPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	return strings.TrimPrefix(ext, ".")
}

// contentHash derives the asset's content hash from its source text.
func contentHash(source string) string {
	sum := blake2b.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
