package report

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func sampleReport() *Report {
	return &Report{
		PackageID:     "com.example.hello",
		Files:         []string{"info.yaml", "main.qml"},
		DiskSpaceUsed: 4096,
		Digest:        []byte{1, 2, 3, 4},
	}
}

func TestRoundTripSameKey(t *testing.T) {
	key := []byte("installation-secret")
	var buf bytes.Buffer
	assert.NilError(t, Encode(&buf, sampleReport(), key))

	got, err := Decode(bytes.NewReader(buf.Bytes()), key)
	assert.NilError(t, err)
	assert.Equal(t, got.PackageID, "com.example.hello")
	assert.Equal(t, got.DiskSpaceUsed, int64(4096))
	assert.DeepEqual(t, got.Files, []string{"info.yaml", "main.qml"})
}

func TestDecodeFailsWithDifferentKey(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, Encode(&buf, sampleReport(), []byte("key-a")))

	_, err := Decode(bytes.NewReader(buf.Bytes()), []byte("key-b"))
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestDecodeFailsOnTamperedBody(t *testing.T) {
	key := []byte("installation-secret")
	var buf bytes.Buffer
	assert.NilError(t, Encode(&buf, sampleReport(), key))

	tampered := bytes.Replace(buf.Bytes(), []byte("com.example.hello"), []byte("com.example.evil!"), 1)
	_, err := Decode(bytes.NewReader(tampered), key)
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestValidRequiresIDDigestAndFiles(t *testing.T) {
	r := &Report{}
	assert.Assert(t, !r.Valid())
	r.PackageID = "com.example.hello"
	assert.Assert(t, !r.Valid())
	r.Digest = []byte{1}
	assert.Assert(t, !r.Valid())
	r.Files = []string{"info.yaml"}
	assert.Assert(t, r.Valid())
}
