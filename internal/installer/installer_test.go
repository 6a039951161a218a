package installer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/appman/internal/archive"
	"github.com/banksean/appman/internal/packagedb"
	"github.com/banksean/appman/internal/report"
)

func buildArchive(t *testing.T, packageID string) []byte {
	t.Helper()
	src := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(src, "info.yaml"), []byte("id: "+packageID+"\n"), 0o644))

	rep := &report.Report{PackageID: packageID, Files: []string{"info.yaml"}}
	var buf bytes.Buffer
	creator := &archive.PackageCreator{SourceDir: src, Report: rep}
	_, err := creator.Create(context.Background(), &buf)
	assert.NilError(t, err)
	return buf.Bytes()
}

func waitForState(t *testing.T, task *Task, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task.State() == want {
			return
		}
		if task.State() == StateFailed {
			t.Fatalf("task failed: %v", task.Error())
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, task.State())
}

func TestInstallCommitsAndPublishes(t *testing.T) {
	installedDir := t.TempDir()
	db := packagedb.NewDatabase(nil, installedDir, "", t.TempDir(), nil)

	archiveBytes := buildArchive(t, "com.example.new")
	archivePath := filepath.Join(t.TempDir(), "pkg.ampkg")
	assert.NilError(t, os.WriteFile(archivePath, archiveBytes, 0o644))

	p := NewPipeline(installedDir, []byte("key"), db, 2)
	p.SetSignaturePolicy(SignaturePolicy{AllowUnsigned: true})
	task := p.StartInstall(context.Background(), FileSource{Path: archivePath})

	waitForState(t, task, StateDownloaded)
	task.Acknowledge()
	waitForState(t, task, StateFinished)

	_, ok := db.Get("com.example.new")
	assert.Assert(t, ok)

	_, err := os.Stat(filepath.Join(installedDir, "com.example.new", "info.yaml"))
	assert.NilError(t, err)
}

func TestRemoveDeletesAndUnpublishes(t *testing.T) {
	installedDir := t.TempDir()
	db := packagedb.NewDatabase(nil, installedDir, "", t.TempDir(), nil)

	archiveBytes := buildArchive(t, "com.example.gone")
	archivePath := filepath.Join(t.TempDir(), "pkg.ampkg")
	assert.NilError(t, os.WriteFile(archivePath, archiveBytes, 0o644))

	p := NewPipeline(installedDir, []byte("key"), db, 2)
	p.SetSignaturePolicy(SignaturePolicy{AllowUnsigned: true})
	install := p.StartInstall(context.Background(), FileSource{Path: archivePath})
	waitForState(t, install, StateDownloaded)
	install.Acknowledge()
	waitForState(t, install, StateFinished)

	remove := p.StartRemove(context.Background(), "com.example.gone")
	waitForState(t, remove, StateFinished)

	_, ok := db.Get("com.example.gone")
	assert.Assert(t, !ok)

	_, err := os.Stat(filepath.Join(installedDir, "com.example.gone"))
	assert.Assert(t, os.IsNotExist(err))
}
