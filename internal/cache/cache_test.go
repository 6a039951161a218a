package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

type manifestStub struct {
	Name string
}

func jsonParser() Parser[manifestStub] {
	return Parser[manifestStub]{
		Parse: func(path string, content []byte) (manifestStub, error) {
			var m manifestStub
			if err := json.Unmarshal(content, &m); err != nil {
				return manifestStub{}, err
			}
			return m, nil
		},
		Merge: func(dst *manifestStub, src manifestStub) error {
			dst.Name = src.Name // later files shadow earlier ones
			return nil
		},
		Encode: func(w io.Writer, v manifestStub) error { return json.NewEncoder(w).Encode(v) },
		Decode: func(r io.Reader) (manifestStub, error) {
			var m manifestStub
			err := json.NewDecoder(r).Decode(&m)
			return m, err
		},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	assert.NilError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseIsIdempotentPerInstance(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()
	f1 := writeFile(t, dir, "a.json", `{"name":"a"}`)

	c, err := NewCache([]string{f1}, "test", "TEST", 1, NoCache, jsonParser(), cacheDir)
	assert.NilError(t, err)
	assert.NilError(t, c.Parse(context.Background()))
	assert.ErrorIs(t, c.Parse(context.Background()), ErrAlreadyParsed)
}

func TestParseRejectsDuplicateCanonicalPaths(t *testing.T) {
	dir := t.TempDir()
	f1 := writeFile(t, dir, "a.json", `{"name":"a"}`)

	c, err := NewCache([]string{f1, f1}, "test", "TEST", 1, NoCache, jsonParser(), t.TempDir())
	assert.NilError(t, err)
	err = c.Parse(context.Background())
	assert.ErrorContains(t, err, "duplicate files")
}

func TestResultsPreserveInputOrder(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()
	f1 := writeFile(t, dir, "a.json", `{"name":"a"}`)
	f2 := writeFile(t, dir, "b.json", `{"name":"b"}`)

	c, err := NewCache([]string{f1, f2}, "test", "TEST", 1, NoCache, jsonParser(), cacheDir)
	assert.NilError(t, err)
	assert.NilError(t, c.Parse(context.Background()))

	a, ok := c.TakeResult(0)
	assert.Assert(t, ok)
	assert.Equal(t, a.Name, "a")

	b, ok := c.TakeResult(1)
	assert.Assert(t, ok)
	assert.Equal(t, b.Name, "b")
}

func TestCacheDeterminismAcrossTwoRuns(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()
	f1 := writeFile(t, dir, "a.json", `{"name":"a"}`)

	c1, err := NewCache([]string{f1}, "roundtrip", "TEST", 1, 0, jsonParser(), cacheDir)
	assert.NilError(t, err)
	assert.NilError(t, c1.Parse(context.Background()))
	assert.Assert(t, c1.ParseWroteToCache())
	assert.Assert(t, !c1.ParseReadFromCache())

	c2, err := NewCache([]string{f1}, "roundtrip", "TEST", 1, 0, jsonParser(), cacheDir)
	assert.NilError(t, err)
	assert.NilError(t, c2.Parse(context.Background()))
	assert.Assert(t, c2.ParseReadFromCache())

	r1, _ := c1.TakeResult(0)
	assert.Equal(t, r1.Name, "a")
	r2, ok := c2.TakeResult(0)
	assert.Assert(t, ok)
	assert.Equal(t, r2.Name, "a")
}

func TestHeaderMismatchIsIgnoredNotFatal(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()
	f1 := writeFile(t, dir, "a.json", `{"name":"a"}`)

	c1, err := NewCache([]string{f1}, "mismatch", "TEST", 1, 0, jsonParser(), cacheDir)
	assert.NilError(t, err)
	assert.NilError(t, c1.Parse(context.Background()))

	// Mutate a single header byte (the first type id byte) and confirm the next
	// parse falls back to re-parsing from source instead of failing.
	cacheFile := c1.cacheFilePath()
	raw, err := os.ReadFile(cacheFile)
	assert.NilError(t, err)
	mutated := bytes.Clone(raw)
	mutated[8] ^= 0xFF
	assert.NilError(t, os.WriteFile(cacheFile, mutated, 0o644))

	c2, err := NewCache([]string{f1}, "mismatch", "TEST", 1, 0, jsonParser(), cacheDir)
	assert.NilError(t, err)
	assert.NilError(t, c2.Parse(context.Background()))
	assert.Assert(t, !c2.ParseReadFromCache())
	r, ok := c2.TakeResult(0)
	assert.Assert(t, ok)
	assert.Equal(t, r.Name, "a")
}

func TestFileTooBigFails(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxFileSize+1)
	p := filepath.Join(dir, "big.json")
	assert.NilError(t, os.WriteFile(p, big, 0o644))

	c, err := NewCache([]string{p}, "big", "TEST", 1, NoCache, jsonParser(), t.TempDir())
	assert.NilError(t, err)
	err = c.Parse(context.Background())
	assert.ErrorContains(t, err, "FileTooBig")
}

func TestIgnoreBrokenRecordsNilEntry(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "broken.json", `not json`)

	c, err := NewCache([]string{p}, "broken", "TEST", 1, NoCache|IgnoreBroken, jsonParser(), t.TempDir())
	assert.NilError(t, err)
	assert.NilError(t, c.Parse(context.Background()))
	_, ok := c.TakeResult(0)
	assert.Assert(t, !ok)
}

func TestMergedResultFoldsInOrder(t *testing.T) {
	dir := t.TempDir()
	f1 := writeFile(t, dir, "a.json", `{"name":"a"}`)
	f2 := writeFile(t, dir, "b.json", `{"name":"b"}`)

	c, err := NewCache([]string{f1, f2}, "merge", "TEST", 1, NoCache|MergedResult, jsonParser(), t.TempDir())
	assert.NilError(t, err)
	assert.NilError(t, c.Parse(context.Background()))

	merged, ok := c.TakeMergedResult()
	assert.Assert(t, ok)
	assert.Equal(t, merged.Name, "b") // b shadows a
}
