package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestFactoryRegisterAndCreate(t *testing.T) {
	f := NewFactory()
	backend := &ProcessBackend{}
	assert.NilError(t, f.Register("native", backend))

	got, err := f.Create("native")
	assert.NilError(t, err)
	assert.Equal(t, got, Backend(backend))

	_, err = f.Create("qml")
	assert.ErrorContains(t, err, `unknown runtime "qml"`)
}

func TestFactoryRegisterIsIdempotent(t *testing.T) {
	f := NewFactory()
	assert.NilError(t, f.Register("native", &ProcessBackend{Interpreter: "first"}))
	err := f.Register("native", &ProcessBackend{Interpreter: "second"})
	assert.ErrorContains(t, err, `already registered`)

	got, err := f.Create("native")
	assert.NilError(t, err)
	assert.Equal(t, got.(*ProcessBackend).Interpreter, "first")
}

func TestProcessBackendStartAndWait(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	assert.NilError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	backend := &ProcessBackend{}
	proc, err := backend.Start(context.Background(), StartRequest{
		CodeFilePath: script,
		BaseDir:      dir,
	})
	assert.NilError(t, err)
	assert.Assert(t, proc.Pid() > 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, crashed, err := proc.Wait(ctx)
	assert.NilError(t, err)
	assert.Equal(t, code, 0)
	assert.Assert(t, !crashed)
}
