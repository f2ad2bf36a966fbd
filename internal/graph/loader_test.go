package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgepack/forge/internal/asset"
	"github.com/forgepack/forge/internal/compilecache"
	"github.com/forgepack/forge/internal/registry"
	"github.com/forgepack/forge/internal/resolver"
	"github.com/forgepack/forge/internal/workerpool"
)

// newTestLoader wires a Loader from real, lightweight collaborators: a real
// Resolver rooted at dir, a real Registry and MemoryCache, and a Pool backed
// by compile, a fake CompileFunc driven entirely off a file's own contents.
func newTestLoader(t *testing.T, dir string, compile workerpool.CompileFunc) *Loader {
	t.Helper()
	reg := registry.New(nil)
	res := resolver.New(resolver.Options{Root: dir}, nil)
	cache := compilecache.NewMemoryCache("test", nil)
	pool := workerpool.New(compile, workerpool.Options{Size: 2}, nil, nil)
	pool.Acquire()
	t.Cleanup(pool.KillWorkers)
	return New(reg, res, cache, pool, nil, nil, nil)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// compileByDeps builds a CompileFunc from a fixed dependency table keyed by
// path, so tests can declare a small graph without a real JS parser.
func compileByDeps(t *testing.T, deps map[string][]*asset.Dependency) workerpool.CompileFunc {
	return func(ctx context.Context, path string, pkg interface{}, opts map[string]interface{}) (*asset.ProcessedAsset, error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return &asset.ProcessedAsset{
			Generated:    map[string]string{"js": "/* compiled */"},
			Hash:         "hash:" + path,
			Dependencies: deps[path],
			CacheData:    &asset.CacheFingerprint{ModTime: info.ModTime(), Size: info.Size()},
		}, nil
	}
}

func TestLoadAsset_SingleAssetNoDeps(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "console.log('hi')")

	l := newTestLoader(t, dir, compileByDeps(t, nil))
	a := asset.New(entry, "js", nil)

	if err := l.ProcessAsset(context.Background(), a, false); err != nil {
		t.Fatal(err)
	}
	if !a.Processed {
		t.Error("expected asset to be marked Processed")
	}
	if a.Hash == "" {
		t.Error("expected a hash to be recorded")
	}
}

func TestLoadAsset_ResolvesAndRecursesIntoDependencies(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "require('./child')")
	child := writeFile(t, dir, "child.js", "module.exports = 1")

	dep := &asset.Dependency{Specifier: "./child.js"}
	l := newTestLoader(t, dir, compileByDeps(t, map[string][]*asset.Dependency{
		entry: {dep},
	}))

	a := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a, false); err != nil {
		t.Fatal(err)
	}

	childAsset, ok := a.DepAssets[dep]
	if !ok {
		t.Fatal("expected a DepAssets entry for the resolved dependency")
	}
	if childAsset.Path != child {
		t.Errorf("child path = %q, want %q", childAsset.Path, child)
	}
	if !childAsset.Processed {
		t.Error("expected the child dependency to be recursively processed")
	}
}

func TestLoadAsset_OptionalDependencyFailsSilently(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "require('missing')")

	dep := &asset.Dependency{Specifier: "./does-not-exist.js", Optional: true}
	l := newTestLoader(t, dir, compileByDeps(t, map[string][]*asset.Dependency{
		entry: {dep},
	}))

	a := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a, false); err != nil {
		t.Fatalf("optional dependency failures should not fail the parent load, got %v", err)
	}
	if _, ok := a.DepAssets[dep]; ok {
		t.Error("an unresolved optional dependency should not produce a DepAssets entry")
	}
}

type alwaysFailInstaller struct{}

func (alwaysFailInstaller) Install(ctx context.Context, moduleName string) error {
	return errors.New("install exploded")
}

func TestLoadAsset_OptionalAutoinstallInstallFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "require('left-pad')")

	// Optional AND autoinstall-eligible: the install actually failed, so this
	// must still throw rather than be silently skipped like a plain
	// not-found optional dependency.
	dep := &asset.Dependency{Specifier: "left-pad", Optional: true}
	res := resolver.New(resolver.Options{Root: dir, Autoinstall: true, Installer: alwaysFailInstaller{}}, nil)

	reg := registry.New(nil)
	cache := compilecache.NewMemoryCache("test", nil)
	pool := workerpool.New(compileByDeps(t, map[string][]*asset.Dependency{entry: {dep}}), workerpool.Options{Size: 2}, nil, nil)
	pool.Acquire()
	t.Cleanup(pool.KillWorkers)
	l := New(reg, res, cache, pool, nil, nil, nil)

	a := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a, false); err == nil {
		t.Error("an optional dependency whose autoinstall attempt actually failed to install should still fail the load, not be silently skipped")
	}
}

func TestLoadAsset_RequiredDependencyFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "require('missing')")

	dep := &asset.Dependency{Specifier: "./does-not-exist.js"}
	l := newTestLoader(t, dir, compileByDeps(t, map[string][]*asset.Dependency{
		entry: {dep},
	}))

	a := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a, false); err == nil {
		t.Error("expected a required, unresolvable dependency to fail the load")
	}
}

func TestLoadAsset_UsesCacheOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "console.log(1)")

	calls := 0
	compile := func(ctx context.Context, path string, pkg interface{}, opts map[string]interface{}) (*asset.ProcessedAsset, error) {
		calls++
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return &asset.ProcessedAsset{
			Hash:      "hash",
			CacheData: &asset.CacheFingerprint{ModTime: info.ModTime(), Size: info.Size()},
		}, nil
	}
	l := newTestLoader(t, dir, compile)

	a1 := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a1, false); err != nil {
		t.Fatal(err)
	}

	a2 := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a2, false); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("compile invoked %d times, want 1 (second load should hit cache)", calls)
	}
}

func TestLoadAsset_IsRebuildInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "console.log(1)")

	calls := 0
	compile := func(ctx context.Context, path string, pkg interface{}, opts map[string]interface{}) (*asset.ProcessedAsset, error) {
		calls++
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return &asset.ProcessedAsset{
			Hash:      "hash",
			CacheData: &asset.CacheFingerprint{ModTime: info.ModTime(), Size: info.Size()},
		}, nil
	}
	l := newTestLoader(t, dir, compile)

	a1 := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a1, false); err != nil {
		t.Fatal(err)
	}

	a2 := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a2, true); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("compile invoked %d times, want 2 (isRebuild should bypass the cache)", calls)
	}
}

func TestLoadAsset_IncludedInParentWatchesWithoutEdge(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "/* css url(./bg.png) */")
	writeFile(t, dir, "bg.png", "binary")

	dep := &asset.Dependency{Specifier: "./bg.png", IncludedInParent: true}
	l := newTestLoader(t, dir, compileByDeps(t, map[string][]*asset.Dependency{
		entry: {dep},
	}))

	a := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.DepAssets[dep]; ok {
		t.Error("an includedInParent dependency should not produce a child Asset/edge")
	}
}

func TestLoadAsset_DelegateContributesImplicitDeps(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.js", "console.log(1)")
	implicit := writeFile(t, dir, "implicit.js", "module.exports = {}")

	l := newTestLoader(t, dir, compileByDeps(t, nil))
	implicitDep := &asset.Dependency{Specifier: "./implicit.js"}
	l.delegate = fakeDelegate{deps: []*asset.Dependency{implicitDep}}

	a := asset.New(entry, "js", nil)
	if err := l.ProcessAsset(context.Background(), a, false); err != nil {
		t.Fatal(err)
	}

	child, ok := a.DepAssets[implicitDep]
	if !ok || child.Path != implicit {
		t.Error("expected the delegate's implicit dependency to be resolved and linked")
	}
}

type fakeDelegate struct {
	deps []*asset.Dependency
}

func (f fakeDelegate) GetImplicitDependencies(a *asset.Asset) []*asset.Dependency {
	return f.deps
}
