package compilecache

import (
	"context"
	"testing"

	"github.com/forgepack/forge/internal/asset"
)

func TestMemoryCache_WriteRead(t *testing.T) {
	c := NewMemoryCache("test", nil)
	ctx := context.Background()

	if _, ok := c.Read(ctx, "/src/a.js"); ok {
		t.Error("Read on an empty cache should miss")
	}

	p := &asset.ProcessedAsset{Hash: "abc", Generated: map[string]string{"js": "1"}}
	c.Write(ctx, "/src/a.js", p)

	got, ok := c.Read(ctx, "/src/a.js")
	if !ok {
		t.Fatal("Read should hit after Write")
	}
	if got.Hash != "abc" {
		t.Errorf("Hash = %v, want abc", got.Hash)
	}
}

func TestMemoryCache_Invalidate(t *testing.T) {
	c := NewMemoryCache("test", nil)
	ctx := context.Background()
	c.Write(ctx, "/src/a.js", &asset.ProcessedAsset{Hash: "abc"})

	c.Invalidate(ctx, "/src/a.js")

	if _, ok := c.Read(ctx, "/src/a.js"); ok {
		t.Error("Read should miss after Invalidate")
	}
}

func TestMemoryCache_SatisfiesCacheInterface(t *testing.T) {
	var _ Cache = NewMemoryCache("test", nil)
	var _ Cache = (*RedisCache)(nil)
}
