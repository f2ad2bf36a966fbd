// Package plugin implements the Plugin Host: scanning package.json
// dependencies and invoking each registered plugin constructor with the
// facade. Go has no dynamic require, so plugins are resolved via a
// process-wide registered-constructor lookup keyed by package name, rather
// than loaded from disk at runtime.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/internal/packager"
)

// Facade is the narrow surface a plugin may configure, satisfied by
// *bundler.Bundler. The signatures mirror the facade's own
// addAssetType/addPackager/addBundleLoader methods exactly, including their
// "fails once the worker pool has started" invariant.
type Facade interface {
	AddAssetType(ext, compilerName string) error
	AddPackager(assetType string, p packager.Packager) error
	AddBundleLoader(assetType, loaderPath string) error
}

// Constructor configures facade when its owning package name is found among
// the project's package.json dependencies.
type Constructor func(facade Facade) error

var (
	registryMu sync.RWMutex
	registered = make(map[string]Constructor)
)

// Register associates a plugin constructor with the package name that
// activates it. Intended to be called from each plugin package's init().
func Register(packageName string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered[packageName] = ctor
}

// pluginNamePrefixes are the conventional package-name prefixes scanned for,
// mirroring the npm ecosystem's "bundler-plugin-*" / "@scope/bundler-plugin-*"
// naming convention.
var pluginNamePrefixes = []string{"bundler-plugin-", "forge-plugin-"}

// Discover scans projectDir/package.json's dependencies and devDependencies
// for plugin-shaped package names, and invokes each one whose constructor is
// registered, in sorted (deterministic) order.
func Discover(projectDir string, facade Facade) error {
	raw, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return forgeerrors.IOError("read package.json", err)
	}

	names := pluginCandidates(raw)
	sort.Strings(names)

	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, name := range names {
		ctor, ok := registered[name]
		if !ok {
			continue
		}
		if err := ctor(facade); err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
	}
	return nil
}

func pluginCandidates(raw []byte) []string {
	var names []string
	for _, field := range []string{"dependencies", "devDependencies"} {
		result := gjson.GetBytes(raw, field)
		if !result.IsObject() {
			continue
		}
		result.ForEach(func(key, _ gjson.Result) bool {
			name := key.String()
			for _, prefix := range pluginNamePrefixes {
				if hasPluginPrefix(name, prefix) {
					names = append(names, name)
					break
				}
			}
			return true
		})
	}
	return names
}

func hasPluginPrefix(name, prefix string) bool {
	if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
		return true
	}
	// Scoped packages: "@scope/bundler-plugin-x".
	if idx := indexByte(name, '/'); idx >= 0 {
		return hasPluginPrefix(name[idx+1:], prefix)
	}
	return false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
