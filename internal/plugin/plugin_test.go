package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgepack/forge/internal/packager"
)

func TestDiscover_NoPackageJSON(t *testing.T) {
	dir := t.TempDir()
	if err := Discover(dir, testFacade{}); err != nil {
		t.Errorf("Discover with no package.json should be a no-op, got %v", err)
	}
}

func TestPluginCandidates_FiltersByPrefix(t *testing.T) {
	raw := []byte(`{
		"dependencies": {"bundler-plugin-svg": "1.0.0", "lodash": "4.0.0"},
		"devDependencies": {"@scope/forge-plugin-foo": "1.0.0"}
	}`)

	names := pluginCandidates(raw)
	want := map[string]bool{"bundler-plugin-svg": true, "@scope/forge-plugin-foo": true}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected candidate %q", n)
		}
	}
}

func TestHasPluginPrefix(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		want   bool
	}{
		{"bundler-plugin-svg", "bundler-plugin-", true},
		{"@scope/bundler-plugin-svg", "bundler-plugin-", true},
		{"lodash", "bundler-plugin-", false},
	}
	for _, c := range cases {
		if got := hasPluginPrefix(c.name, c.prefix); got != c.want {
			t.Errorf("hasPluginPrefix(%q, %q) = %v, want %v", c.name, c.prefix, got, c.want)
		}
	}
}

func TestDiscover_InvokesRegisteredConstructor(t *testing.T) {
	dir := t.TempDir()
	pkgJSON := `{"dependencies": {"bundler-plugin-test-fixture": "1.0.0"}}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkgJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	invoked := false
	Register("bundler-plugin-test-fixture", func(facade Facade) error {
		invoked = true
		return nil
	})

	if err := Discover(dir, testFacade{}); err != nil {
		t.Fatal(err)
	}
	if !invoked {
		t.Error("a registered plugin matching package.json dependencies should be invoked")
	}
}

type testFacade struct{}

func (testFacade) AddAssetType(ext, compilerName string) error        { return nil }
func (testFacade) AddPackager(assetType string, p packager.Packager) error { return nil }
func (testFacade) AddBundleLoader(assetType, loaderPath string) error  { return nil }
