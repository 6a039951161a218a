package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/appman/internal/appmanager"
	"github.com/banksean/appman/internal/container"
	"github.com/banksean/appman/internal/installer"
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

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	appBase := t.TempDir()
	pkgBase := t.TempDir()
	writeBuiltinPackage(t, pkgBase, "com.example.hello", "run.sh")

	db := packagedb.NewDatabase([]string{pkgBase}, filepath.Join(appBase, "installed"), "", t.TempDir(), nil)
	assert.NilError(t, os.MkdirAll(filepath.Join(appBase, "installed"), 0o755))

	cf := container.NewFactory()
	assert.NilError(t, cf.Register("process", &container.ProcessBackend{BaseDir: t.TempDir()}))
	rf := runtime.NewFactory()
	assert.NilError(t, rf.Register("native", &runtime.ProcessBackend{}))
	pool := quicklaunch.NewPool(cf, rf, 1)

	apps := appmanager.NewManager(db, cf, rf, pool)
	assert.NilError(t, db.Parse(context.Background(), packagedb.LocationBuiltin))

	pipeline := installer.NewPipeline(filepath.Join(appBase, "installed"), nil, db, 1)

	return NewServer(appBase, apps, pipeline), appBase
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for socket %s", path)
}

func TestServerPingAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, srv.SocketPath)

	client := NewClient(srv.SocketPath)
	assert.NilError(t, client.Ping(ctx))
	assert.NilError(t, client.Shutdown(ctx))
}

func TestServerListAndStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, srv.SocketPath)
	defer srv.Shutdown(ctx)

	client := NewClient(srv.SocketPath)

	views, err := client.ListApplications(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(views), 1)
	assert.Equal(t, views[0].ID, "com.example.hello")

	assert.NilError(t, client.StartApplication(ctx, "com.example.hello", "", ""))

	deadline := time.Now().Add(2 * time.Second)
	var view ApplicationView
	for time.Now().Before(deadline) {
		view, err = client.ShowApplication(ctx, "com.example.hello")
		assert.NilError(t, err)
		if view.IsRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Assert(t, view.IsRunning)

	assert.NilError(t, client.StopApplication(ctx, "com.example.hello", false))
}

func TestServerShowUnknownApplication(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, srv.SocketPath)
	defer srv.Shutdown(ctx)

	client := NewClient(srv.SocketPath)
	_, err := client.ShowApplication(ctx, "com.example.ghost")
	assert.ErrorContains(t, err, "unknown application")
}
