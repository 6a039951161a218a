package container

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
)

func TestLayoutDirNameSanitizesReference(t *testing.T) {
	got := layoutDirName("docker.io/library/alpine:3.19")
	for _, r := range got {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
		if !isAlnum {
			t.Fatalf("layoutDirName produced non-path-safe rune %q in %q", r, got)
		}
	}
}

func TestEnsurePresentReturnsExistingCacheWithoutPulling(t *testing.T) {
	cacheDir := t.TempDir()
	ref := "example.test/fixture:latest"
	dest := filepath.Join(cacheDir, layoutDirName(ref))

	if _, err := layout.Write(dest, empty.Index); err != nil {
		t.Fatalf("seeding fake layout: %v", err)
	}

	p := &ImagePuller{CacheDir: cacheDir}
	got, err := p.EnsurePresent(context.Background(), ref)
	if err != nil {
		t.Fatalf("EnsurePresent on a cache hit should not attempt a network pull: %v", err)
	}
	if got != dest {
		t.Fatalf("got %q, want %q", got, dest)
	}
}
