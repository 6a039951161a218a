package appmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/appman/internal/container"
	"github.com/banksean/appman/internal/packagedb"
	"github.com/banksean/appman/internal/quicklaunch"
	"github.com/banksean/appman/internal/runtime"
)

func writeBuiltinPackage(t *testing.T, base, id, script string) {
	t.Helper()
	dir := filepath.Join(base, id)
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, script), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	manifest := "id: " + id + "\ncode: " + script + "\nruntime: native\nbuiltIn: true\n"
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "info.yaml"), []byte(manifest), 0o644))
}

func newTestManager(t *testing.T) (*Manager, *packagedb.Database) {
	t.Helper()
	base := t.TempDir()
	writeBuiltinPackage(t, base, "com.example.hello", "run.sh")

	db := packagedb.NewDatabase([]string{base}, "", "", t.TempDir(), nil)

	cf := container.NewFactory()
	assert.NilError(t, cf.Register("process", &container.ProcessBackend{BaseDir: t.TempDir()}))
	rf := runtime.NewFactory()
	assert.NilError(t, rf.Register("native", &runtime.ProcessBackend{}))
	pool := quicklaunch.NewPool(cf, rf, 1)

	m := NewManager(db, cf, rf, pool)
	assert.NilError(t, db.Parse(context.Background(), packagedb.LocationBuiltin))
	return m, db
}

func waitForAppState(t *testing.T, app *Application, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if app.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, app.State())
}

func TestStartAndExitLifecycle(t *testing.T) {
	m, _ := newTestManager(t)

	assert.NilError(t, m.Start(context.Background(), StartRequest{ApplicationID: "com.example.hello"}))

	app, ok := m.Get("com.example.hello")
	assert.Assert(t, ok)
	waitForAppState(t, app, Running)
	assert.Assert(t, app.CurrentRuntime().Pid() > 0)

	waitForAppState(t, app, NotRunning)
	assert.Equal(t, app.lastExitStatus, NormalExit)
}

func TestStartUnknownApplicationFails(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Start(context.Background(), StartRequest{ApplicationID: "com.example.ghost"})
	assert.ErrorContains(t, err, "unknown application")
}

func TestStopIsNoOpWithoutRuntime(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Stop(context.Background(), "com.example.hello", false)
	assert.NilError(t, err)
}

func TestOpenURLWithNoCandidatesFails(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.OpenURL(context.Background(), "myscheme://foo", "")
	assert.ErrorContains(t, err, "no candidate application")
}
