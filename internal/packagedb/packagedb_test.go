package packagedb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/banksean/appman/internal/report"
)

func writeBuiltinPackage(t *testing.T, baseDir, id string) {
	t.Helper()
	dir := filepath.Join(baseDir, id)
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	manifest := "id: " + id + "\ncode: main.qml\nruntime: qml\nbuiltIn: true\n"
	assert.NilError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644))
}

func writeInstalledPackage(t *testing.T, baseDir, id string, key []byte) {
	t.Helper()
	dir := filepath.Join(baseDir, id)
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	manifest := "id: " + id + "\ncode: main.qml\nruntime: qml\n"
	assert.NilError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644))

	rep := &report.Report{PackageID: id, Files: []string{manifestFileName}, Digest: []byte{1, 2, 3}}
	var buf bytes.Buffer
	assert.NilError(t, report.Encode(&buf, rep, key))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, reportFileName), buf.Bytes(), 0o644))
}

func TestParseBuiltinDiscoversValidPackagesOnly(t *testing.T) {
	base := t.TempDir()
	writeBuiltinPackage(t, base, "com.example.one")
	writeBuiltinPackage(t, base, "com.example.two")
	// In-flight installer leftovers must be skipped.
	assert.NilError(t, os.MkdirAll(filepath.Join(base, "com.example.stale+"), 0o755))

	db := NewDatabase([]string{base}, "", "", t.TempDir(), nil)
	assert.NilError(t, db.Parse(context.Background(), LocationBuiltin))

	all := db.All()
	assert.Equal(t, len(all), 2)

	_, ok := db.Get("com.example.one")
	assert.Assert(t, ok)
}

func TestParseIsOnceOnlyPerLocation(t *testing.T) {
	base := t.TempDir()
	writeBuiltinPackage(t, base, "com.example.one")

	db := NewDatabase([]string{base}, "", "", t.TempDir(), nil)
	assert.NilError(t, db.Parse(context.Background(), LocationBuiltin))
	err := db.Parse(context.Background(), LocationBuiltin)
	assert.ErrorIs(t, err, ErrAlreadyParsed)
}

func TestInstalledOverlaysBuiltinByID(t *testing.T) {
	builtinBase := t.TempDir()
	installedBase := t.TempDir()
	key := []byte("test-hmac-key")

	writeBuiltinPackage(t, builtinBase, "com.example.one")
	writeInstalledPackage(t, installedBase, "com.example.one", key)

	db := NewDatabase([]string{builtinBase}, installedBase, "", t.TempDir(), key)
	assert.NilError(t, db.Parse(context.Background(), LocationBuiltin|LocationInstalled))

	pkg, ok := db.Get("com.example.one")
	assert.Assert(t, ok)
	assert.Assert(t, !pkg.Info.BuiltIn)

	builtinAgain, reactivated := db.RemoveInstalled("com.example.one")
	assert.Assert(t, reactivated)
	assert.Assert(t, builtinAgain.Info.BuiltIn)

	pkg, ok = db.Get("com.example.one")
	assert.Assert(t, ok)
	assert.Assert(t, pkg.Info.BuiltIn)
}

func TestInstalledPackageMissingReportIsSkipped(t *testing.T) {
	installedBase := t.TempDir()
	dir := filepath.Join(installedBase, "com.example.broken")
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte("id: com.example.broken\n"), 0o644))

	db := NewDatabase(nil, installedBase, "", t.TempDir(), []byte("key"))
	assert.NilError(t, db.Parse(context.Background(), LocationInstalled))

	_, ok := db.Get("com.example.broken")
	assert.Assert(t, !ok)
}

func TestDirectoryNameMismatchIsSkipped(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "com.example.wrapper")
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte("id: com.example.other\nbuiltIn: true\n"), 0o644))

	db := NewDatabase([]string{base}, "", "", t.TempDir(), nil)
	assert.NilError(t, db.Parse(context.Background(), LocationBuiltin))

	assert.Equal(t, len(db.All()), 0)
}
