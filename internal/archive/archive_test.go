package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"gotest.tools/v3/assert"

	"github.com/banksean/appman/internal/report"
)

func writeSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "info.yaml"), []byte("id: com.example.hello\n"), 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "main.qml"), []byte("import QtQuick\n"), 0o644))
	return dir
}

func TestRoundTripPreservesFilesAndContent(t *testing.T) {
	src := writeSourceTree(t)
	rep := &report.Report{
		PackageID: "com.example.hello",
		Files:     []string{"info.yaml", "main.qml"},
	}

	var buf bytes.Buffer
	creator := &PackageCreator{SourceDir: src, Report: rep}
	digest, err := creator.Create(context.Background(), &buf)
	assert.NilError(t, err)
	assert.Assert(t, digest.String() != "")

	dest := t.TempDir()
	extractor := &PackageExtractor{DestDir: dest}
	result, err := extractor.Extract(context.Background(), bytes.NewReader(buf.Bytes()))
	assert.NilError(t, err)
	assert.Equal(t, result.PackageID, "com.example.hello")
	assert.DeepEqual(t, result.Files, []string{"info.yaml", "main.qml"})
	assert.Equal(t, result.Digest, digest)

	gotInfo, err := os.ReadFile(filepath.Join(dest, "info.yaml"))
	assert.NilError(t, err)
	assert.Equal(t, string(gotInfo), "id: com.example.hello\n")
}

func TestDigestTamperFailsExtraction(t *testing.T) {
	src := writeSourceTree(t)
	rep := &report.Report{PackageID: "com.example.hello", Files: []string{"info.yaml", "main.qml"}}

	var buf bytes.Buffer
	creator := &PackageCreator{SourceDir: src, Report: rep}
	_, err := creator.Create(context.Background(), &buf)
	assert.NilError(t, err)

	// Decompress, flip one byte of the footer's digest value (a byte of its
	// algorithm prefix), then
	// recompress, mirroring spec.md §8 scenario 6 precisely.
	gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	assert.NilError(t, err)
	plain, err := io.ReadAll(gz)
	assert.NilError(t, err)

	idx := bytes.Index(plain, []byte("digest: "))
	assert.Assert(t, idx >= 0)
	digestByteIdx := idx + len("digest: ") + 1 // lands inside the digest value whether or not yaml quoted it
	plain[digestByteIdx] ^= 0x0F

	var recompressed bytes.Buffer
	w := gzip.NewWriter(&recompressed)
	_, err = w.Write(plain)
	assert.NilError(t, err)
	assert.NilError(t, w.Close())

	dest := t.TempDir()
	extractor := &PackageExtractor{DestDir: dest}
	_, err = extractor.Extract(context.Background(), bytes.NewReader(recompressed.Bytes()))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestRoundTripPreservesSignatures(t *testing.T) {
	src := writeSourceTree(t)
	rep := &report.Report{
		PackageID:    "com.example.hello",
		Files:        []string{"info.yaml", "main.qml"},
		DeveloperSig: []byte("dev-signature-bytes"),
		StoreSig:     []byte("store-signature-bytes"),
	}

	var buf bytes.Buffer
	creator := &PackageCreator{SourceDir: src, Report: rep}
	_, err := creator.Create(context.Background(), &buf)
	assert.NilError(t, err)

	dest := t.TempDir()
	extractor := &PackageExtractor{DestDir: dest}
	result, err := extractor.Extract(context.Background(), bytes.NewReader(buf.Bytes()))
	assert.NilError(t, err)
	assert.DeepEqual(t, result.DeveloperSignature, []byte("dev-signature-bytes"))
	assert.DeepEqual(t, result.StoreSignature, []byte("store-signature-bytes"))
}

func TestPathTraversalIsRejected(t *testing.T) {
	dest := t.TempDir()
	e := &PackageExtractor{DestDir: dest}

	assert.ErrorIs(t, e.validatePath("../outside"), ErrInvalidPath)
	assert.ErrorIs(t, e.validatePath("/etc/passwd"), ErrInvalidPath)
	assert.NilError(t, e.validatePath("nested/ok.txt"))
}
