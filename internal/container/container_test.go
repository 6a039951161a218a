package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestProcessBackendCreateDestroy(t *testing.T) {
	base := t.TempDir()
	b := &ProcessBackend{BaseDir: base}

	hostDir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(hostDir, "data.txt"), []byte("hi"), 0o644))

	f := NewFactory()
	assert.NilError(t, f.Register("process", b))

	c, err := f.Create(context.Background(), "process", "com.example.one", []Mount{
		{HostPath: hostDir, ContainerPath: "data"},
	})
	assert.NilError(t, err)
	assert.Assert(t, f.SupportsQuickLaunch("process"))

	got, err := os.ReadFile(filepath.Join(base, "com.example.one", "data", "data.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hi")

	assert.NilError(t, f.Destroy(context.Background(), c))
	_, err = os.Stat(filepath.Join(base, "com.example.one"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestFactoryUnknownBackend(t *testing.T) {
	f := NewFactory()
	_, err := f.Create(context.Background(), "ghost", "id", nil)
	assert.ErrorContains(t, err, `unknown container backend "ghost"`)
}

func TestFactoryRegisterDuplicateIsNoOpFailure(t *testing.T) {
	f := NewFactory()
	first := &ProcessBackend{BaseDir: t.TempDir()}
	second := &ProcessBackend{BaseDir: t.TempDir()}
	assert.NilError(t, f.Register("process", first))

	err := f.Register("process", second)
	assert.ErrorContains(t, err, `already registered`)
	assert.Assert(t, f.SupportsQuickLaunch("process"))
}
