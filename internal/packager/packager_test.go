package packager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgepack/forge/internal/asset"
)

func TestConcatPackager_ConcatenatesInPathOrder(t *testing.T) {
	outDir := t.TempDir()
	entry := asset.New("/src/b.js", "js", nil)
	entry.Generated = map[string]string{"js": "second"}
	other := asset.New("/src/a.js", "js", nil)
	other.Generated = map[string]string{"js": "first"}

	bundle := asset.NewBundle("js", entry)
	_ = bundle.AddAsset(entry)
	_ = bundle.AddAsset(other)

	p := ConcatPackager{}
	if _, err := p.Package(outDir, "out.js", bundle); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(outDir, "out.js"))
	if err != nil {
		t.Fatal(err)
	}
	want := "first\nsecond\n"
	if string(raw) != want {
		t.Errorf("output = %q, want %q (sorted by asset path)", raw, want)
	}
}

func TestOpaquePackager_CopiesSingleAssetThrough(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(srcPath, []byte("binary-data"), 0o644); err != nil {
		t.Fatal(err)
	}

	img := asset.New(srcPath, "png", nil)
	bundle := asset.NewBundle("png", img)
	_ = bundle.AddAsset(img)

	outDir := t.TempDir()
	p := OpaquePackager{}
	if _, err := p.Package(outDir, "logo.out.png", bundle); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(outDir, "logo.out.png"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "binary-data" {
		t.Errorf("output = %q, want binary-data", raw)
	}
}

func TestOpaquePackager_RejectsMultiAssetBundle(t *testing.T) {
	entry := asset.New("/src/a.png", "png", nil)
	other := asset.New("/src/b.png", "png", nil)
	bundle := asset.NewBundle("png", entry)
	_ = bundle.AddAsset(entry)
	_ = bundle.AddAsset(other)

	p := OpaquePackager{}
	if _, err := p.Package(t.TempDir(), "out.png", bundle); err == nil {
		t.Error("an opaque packager should reject a bundle with more than one asset")
	}
}

func TestRegistry_HasAndGet(t *testing.T) {
	r := NewRegistry()
	if r.Has("js") {
		t.Error("Has() should be false before Add")
	}
	r.Add("js", ConcatPackager{})
	if !r.Has("js") {
		t.Error("Has() should be true after Add")
	}
}

func TestPackage_FallsBackToOpaqueForUnregisteredType(t *testing.T) {
	outDir := t.TempDir()
	srcPath := filepath.Join(t.TempDir(), "logo.png")
	if err := os.WriteFile(srcPath, []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}
	img := asset.New(srcPath, "png", nil)
	bundle := asset.NewBundle("png", img)
	_ = bundle.AddAsset(img)

	registry := NewRegistry() // no packager registered for "png"
	names := map[*asset.Bundle]string{bundle: "logo.png"}

	hashes, err := Package(registry, outDir, bundle, names, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hashes[bundle] == "" {
		t.Error("Package should still produce a hash for an unregistered-type bundle via the opaque fallback")
	}
	if _, err := os.Stat(filepath.Join(outDir, "logo.png")); err != nil {
		t.Errorf("expected output file to exist: %v", err)
	}
}

func TestPackage_WalksSiblingsAndChildren(t *testing.T) {
	outDir := t.TempDir()
	entry := asset.New("/src/a.js", "js", nil)
	entry.Generated = map[string]string{"js": "main"}
	jsBundle := asset.NewBundle("js", entry)
	_ = jsBundle.AddAsset(entry)

	cssSibling := jsBundle.GetSiblingBundle("css")
	cssAsset := asset.New("/src/a.css", "css", nil)
	cssAsset.Generated = map[string]string{"css": "body{}"}
	_ = cssSibling.AddAsset(cssAsset)

	childEntry := asset.New("/src/lazy.js", "js", nil)
	childEntry.Generated = map[string]string{"js": "lazy"}
	child := asset.NewBundle("js", childEntry)
	_ = child.AddAsset(childEntry)
	jsBundle.AddChildBundle(child)

	registry := NewRegistry()
	registry.Add("js", ConcatPackager{})
	registry.Add("css", ConcatPackager{})

	names := map[*asset.Bundle]string{
		jsBundle:    "main.js",
		cssSibling:  "main.css",
		child:       "lazy.js",
	}

	hashes, err := Package(registry, outDir, jsBundle, names, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 3 {
		t.Errorf("len(hashes) = %d, want 3 (main js/css siblings + dynamic child)", len(hashes))
	}
	for _, name := range []string{"main.js", "main.css", "lazy.js"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("expected %s to be written: %v", name, err)
		}
	}
}
