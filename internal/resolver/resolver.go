// Package resolver implements the Resolver collaborator the core consumes
// through resolve(name, parent) -> {path, pkg}: Node-style module resolution
// plus an optional, rate-limited autoinstaller for missing package
// dependencies.
package resolver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	infracache "github.com/forgepack/forge/infrastructure/cache"
	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/infrastructure/utils"
)

// pkgCacheTTL bounds how long a parsed package.json is trusted before a
// resolve re-reads it from disk. Short enough that editing dependencies
// mid watch-session is picked up without a process restart.
const pkgCacheTTL = 10 * time.Minute

// Package is the opaque package descriptor threaded through Asset.Pkg — the
// nearest enclosing package.json, parsed just enough to answer resolution
// questions.
type Package struct {
	Dir             string
	Name            string
	Main            string
	Dependencies    map[string]string
	DevDependencies map[string]string
}

// Resolution is the result of a successful resolve call.
type Resolution struct {
	Path string
	Pkg  *Package
}

// Installer installs a missing package by name, used by the autoinstaller
// policy. Out of core scope per the spec; narrow interface only.
type Installer interface {
	Install(ctx context.Context, moduleName string) error
}

// Resolver implements Node-style resolution: relative/absolute paths resolve
// directly; bare specifiers walk up node_modules directories.
type Resolver struct {
	root        string
	extensions  []string
	autoinstall bool
	production  bool
	installer   Installer
	limiter     *rate.Limiter
	log         *logging.Logger

	pkgCache *infracache.Cache
}

// Options configures a Resolver.
type Options struct {
	Root        string
	Extensions  []string
	Autoinstall bool
	Production  bool
	Installer   Installer
	// InstallRate and InstallBurst throttle autoinstall attempts.
	InstallRate  float64
	InstallBurst int
}

// New creates a Resolver rooted at opts.Root.
func New(opts Options, log *logging.Logger) *Resolver {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".js", ".jsx", ".ts", ".tsx", ".json", ".css"}
	}
	rateLimit := opts.InstallRate
	if rateLimit <= 0 {
		rateLimit = 1
	}
	burst := opts.InstallBurst
	if burst <= 0 {
		burst = 3
	}
	return &Resolver{
		root:        opts.Root,
		extensions:  exts,
		autoinstall: opts.Autoinstall && !opts.Production,
		production:  opts.Production,
		installer:   opts.Installer,
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), burst),
		log:         log,
		pkgCache:    infracache.NewCache(infracache.CacheConfig{DefaultTTL: pkgCacheTTL}),
	}
}

// isLocalSpecifier reports whether specifier is a local-relative path per
// the resolveDep policy: starts with "/", "~", or ".".
func isLocalSpecifier(specifier string) bool {
	if specifier == "" {
		return false
	}
	return specifier[0] == '/' || specifier[0] == '~' || specifier[0] == '.'
}

// GetModuleParts splits a bare specifier into its module name components,
// e.g. "@scope/pkg/sub" -> ["@scope/pkg", "sub"].
func GetModuleParts(specifier string) []string {
	parts := strings.Split(specifier, "/")
	if strings.HasPrefix(specifier, "@") && len(parts) > 1 {
		return append([]string{parts[0] + "/" + parts[1]}, parts[2:]...)
	}
	return parts
}

// Resolve implements resolve(name, parent) -> {path, pkg}.
func (r *Resolver) Resolve(ctx context.Context, specifier, parent string) (*Resolution, error) {
	path, err := r.resolveOnce(specifier, parent)
	if err == nil {
		return path, nil
	}
	if isLocalSpecifier(specifier) {
		return nil, err
	}
	if !r.autoinstall {
		return nil, err
	}
	moduleName := GetModuleParts(specifier)[0]
	if !r.limiter.Allow() {
		return nil, forgeerrors.RateLimitExceeded(1, "burst window")
	}
	if r.installer == nil {
		return nil, err
	}
	installErr := utils.Retry(func() error {
		return r.installer.Install(ctx, moduleName)
	}, utils.RetryOpts{MaxAttempts: 2, InitialDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond, BackoffFactor: 2})
	if installErr != nil {
		return nil, forgeerrors.InstallFailed(moduleName, installErr)
	}
	path, err = r.resolveOnce(specifier, parent)
	if err != nil {
		return nil, forgeerrors.ResolveNotFound(specifier, parent)
	}
	return path, nil
}

func (r *Resolver) resolveOnce(specifier, parent string) (*Resolution, error) {
	if isLocalSpecifier(specifier) {
		dir := filepath.Dir(parent)
		if specifier[0] == '/' {
			dir = r.root
		}
		candidate := filepath.Join(dir, specifier)
		path, err := r.resolveFile(candidate)
		if err != nil {
			return nil, forgeerrors.ResolveNotFound(specifier, parent)
		}
		pkg := r.loadNearestPackage(filepath.Dir(path))
		return &Resolution{Path: path, Pkg: pkg}, nil
	}
	return r.resolveNodeModules(specifier, parent)
}

// resolveFile resolves candidate as a file (trying extensions) or a
// directory (consulting its package.json "main" field, defaulting to
// index.<ext>).
func (r *Resolver) resolveFile(candidate string) (string, error) {
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}
	for _, ext := range r.extensions {
		if _, err := os.Stat(candidate + ext); err == nil {
			return candidate + ext, nil
		}
	}
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		if main := r.packageMain(candidate); main != "" {
			return r.resolveFile(filepath.Join(candidate, main))
		}
		for _, ext := range r.extensions {
			index := filepath.Join(candidate, "index"+ext)
			if _, err := os.Stat(index); err == nil {
				return index, nil
			}
		}
	}
	return "", os.ErrNotExist
}

func (r *Resolver) packageMain(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	return gjson.GetBytes(raw, "main").String()
}

// resolveNodeModules walks parent's directory ancestry looking for
// node_modules/<moduleName>.
func (r *Resolver) resolveNodeModules(specifier, parent string) (*Resolution, error) {
	parts := GetModuleParts(specifier)
	moduleName := parts[0]
	sub := strings.Join(parts[1:], "/")

	dir := filepath.Dir(parent)
	for {
		candidate := filepath.Join(dir, "node_modules", moduleName)
		if _, err := os.Stat(candidate); err == nil {
			target := candidate
			if sub != "" {
				target = filepath.Join(candidate, sub)
			}
			path, err := r.resolveFile(target)
			if err == nil {
				pkg := r.loadNearestPackage(candidate)
				return &Resolution{Path: path, Pkg: pkg}, nil
			}
		}
		parentDir := filepath.Dir(dir)
		if parentDir == dir {
			break
		}
		dir = parentDir
	}
	return nil, forgeerrors.ResolveNotFound(specifier, parent)
}

// loadNearestPackage parses (and caches) the package.json governing dir.
func (r *Resolver) loadNearestPackage(dir string) *Package {
	if cached, ok := r.pkgCache.Get(dir); ok {
		pkg, _ := cached.(*Package)
		return pkg
	}

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		parentDir := filepath.Dir(dir)
		if parentDir == dir || dir == r.root {
			return nil
		}
		return r.loadNearestPackage(parentDir)
	}

	pkg := &Package{
		Dir:             dir,
		Name:            gjson.GetBytes(raw, "name").String(),
		Main:            gjson.GetBytes(raw, "main").String(),
		Dependencies:    readStringMap(raw, "dependencies"),
		DevDependencies: readStringMap(raw, "devDependencies"),
	}

	r.pkgCache.Set(dir, pkg, pkgCacheTTL)
	return pkg
}

func readStringMap(raw []byte, path string) map[string]string {
	result := gjson.GetBytes(raw, path)
	if !result.IsObject() {
		return nil
	}
	out := make(map[string]string)
	result.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	return out
}
