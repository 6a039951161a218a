// Package cache implements the Config Cache: a generic, checksum-verified,
// binary on-disk cache of parsed source files shared by package discovery
// and configuration loading.
//
// Grounded on src/common-lib/configcache.cpp from the original
// implementation (see _examples/original_source), reworked as a Go generic
// type. The worker-pool parallelism (step 5/6 of the parse algorithm) is
// grounded on pool/containerpool.go's channel-based resource bookkeeping,
// generalized to golang.org/x/sync/errgroup + semaphore.Weighted.
package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options is a bit-set of parse() behavior flags.
type Options uint8

const (
	NoCache Options = 1 << iota
	ClearCache
	IgnoreBroken
	MergedResult
)

// magic and format version from spec.md §6: the configuration cache file
// header. version encodes 3 in the low byte, with the format's major
// revision in the high byte; we are major revision 1.
const (
	magic           uint32 = 0x23d39366
	formatVersion   uint32 = 3 | (1 << 24)
	maxCacheEntries        = 1000
	maxFileSize            = 1 << 20 // 1 MiB - these files are metadata, not payload.

	parallelThreshold = 2
)

// CacheHeader is the fixed-layout prefix of a cache file.
type CacheHeader struct {
	Magic       uint32
	Version     uint32
	TypeID      [4]byte
	TypeVersion uint32
	BaseName    string
	Entries     uint32
}

func (h CacheHeader) isValid(baseName string, typeID [4]byte, typeVersion uint32) bool {
	return h.Magic == magic && h.Version == formatVersion && h.TypeID == typeID &&
		h.TypeVersion == typeVersion && h.BaseName == baseName && h.Entries < maxCacheEntries
}

// entry is internal bookkeeping for one input file.
type entry[T any] struct {
	filePath string
	checksum [sha1.Size]byte
	content  *T // nil until parsed or loaded from cache
	broken   bool
}

// Parser is supplied by the caller of NewCache. Parse turns the raw,
// pre-processed bytes of one source file into T. Merge folds src into dst in
// place (later files may shadow earlier ones); it is only required when
// MergedResult is set. PreProcess runs before hashing/parsing (e.g. variable
// expansion) and may return the input unchanged.
type Parser[T any] struct {
	Parse      func(path string, content []byte) (T, error)
	Merge      func(dst *T, src T) error
	PreProcess func(content []byte) ([]byte, error)
	Encode     func(w io.Writer, v T) error
	Decode     func(r io.Reader) (T, error)
}

// Cache is the generic Config Cache. It is used for exactly one parse()
// call; construct a new instance for a new set of inputs.
type Cache[T any] struct {
	inputs      []string
	baseName    string
	typeID      [4]byte
	typeVersion uint32
	options     Options
	parser      Parser[T]
	cacheDir    string

	parsed          bool
	entries         []entry[T]
	indexByPath     map[string]int
	merged          *T
	wroteToCache    bool
	readFromCache   bool
	cacheWasReadErr error
}

// NewCache constructs a cache instance for the given ordered input files.
// typeID must be exactly 4 bytes (the spec's "4-byte type id").
func NewCache[T any](inputs []string, cacheBaseName string, typeID string, typeVersion uint32, options Options, parser Parser[T], cacheDir string) (*Cache[T], error) {
	if len(typeID) != 4 {
		return nil, fmt.Errorf("cache: typeID must be exactly 4 bytes, got %q", typeID)
	}
	var tid [4]byte
	copy(tid[:], typeID)
	return &Cache[T]{
		inputs:      append([]string(nil), inputs...),
		baseName:    cacheBaseName,
		typeID:      tid,
		typeVersion: typeVersion,
		options:     options,
		parser:      parser,
		cacheDir:    cacheDir,
	}, nil
}

var ErrAlreadyParsed = errors.New("cache: parse() already called on this instance")

func (c *Cache[T]) cacheFilePath() string {
	return filepath.Join(c.cacheDir, fmt.Sprintf("appman-%s.cache", c.baseName))
}

// Parse runs the parse-or-load algorithm described in spec.md §4.A. It may
// only be called once per Cache instance.
func (c *Cache[T]) Parse(ctx context.Context) error {
	if c.parsed {
		return ErrAlreadyParsed
	}
	c.parsed = true

	if len(c.inputs) == 0 {
		return nil
	}

	// Step 1: canonicalize, reject duplicates.
	canon := make([]string, len(c.inputs))
	seen := make(map[string]bool, len(c.inputs))
	for i, raw := range c.inputs {
		p, err := filepath.Abs(raw)
		if err != nil {
			return fmt.Errorf("cache: cannot resolve %q: %w", raw, err)
		}
		p, err = filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("cache: file %q does not exist: %w", raw, err)
		}
		if seen[p] {
			return fmt.Errorf("cache: duplicate files are not allowed - found %s at least two times", p)
		}
		seen[p] = true
		canon[i] = p
	}

	cacheFile := c.cacheFilePath()

	// Step 2: ClearCache wipes any existing cache file outright.
	if c.options&ClearCache != 0 {
		os.Remove(cacheFile)
	}

	var loaded []entry[T]
	var loadedMerged *T
	cacheComplete := false

	// Step 3/4: attempt to read the existing cache, unless suppressed.
	if c.options&(ClearCache|NoCache) == 0 {
		loaded, loadedMerged, cacheComplete = c.tryReadCache(cacheFile, canon)
	}

	if cacheComplete {
		c.entries = loaded
		c.merged = loadedMerged
		c.readFromCache = true
		c.buildIndex()
		return nil
	}

	// Step 5/6: (re)compute per-entry content, in parallel above the threshold.
	entries := make([]entry[T], len(canon))
	for i, p := range canon {
		entries[i].filePath = p
		if i < len(loaded) && loaded[i].filePath == p {
			entries[i].content = loaded[i].content
			entries[i].checksum = loaded[i].checksum
		}
	}

	if err := c.populate(ctx, entries); err != nil {
		return err
	}
	c.entries = entries

	// Step 7: fold into a single merged object, strictly sequential and in
	// input order - later files may shadow earlier ones.
	if c.options&MergedResult != 0 {
		merged, err := c.fold()
		if err != nil {
			return err
		}
		c.merged = merged
	}

	c.buildIndex()

	// Step 8: write a fresh cache unless suppressed. Write failures are
	// warnings, never fatal - the next run simply rebuilds.
	if c.options&NoCache == 0 {
		if err := c.writeCache(cacheFile); err != nil {
			// demoted to a warning per spec.md §7
			c.cacheWasReadErr = err
		} else {
			c.wroteToCache = true
		}
	}

	return nil
}

func (c *Cache[T]) buildIndex() {
	c.indexByPath = make(map[string]int, len(c.entries))
	for i, e := range c.entries {
		c.indexByPath[e.filePath] = i
	}
}

// populate reads, pre-processes, hashes, and (if needed) parses every entry.
// Entries whose checksum still matches the cached one and which already
// carry a parsed object are left untouched.
func (c *Cache[T]) populate(ctx context.Context, entries []entry[T]) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(workerCount(len(entries))))

	for i := range entries {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			return c.populateOne(&entries[i])
		})
	}
	return g.Wait()
}

func workerCount(n int) int {
	if n <= parallelThreshold {
		return 1
	}
	return n
}

func (c *Cache[T]) populateOne(e *entry[T]) error {
	raw, err := os.ReadFile(e.filePath)
	if err != nil {
		return fmt.Errorf("cache: failed to read %s: %w", e.filePath, err)
	}
	if len(raw) > maxFileSize {
		return fmt.Errorf("cache: %s exceeds the %d byte limit (FileTooBig)", e.filePath, maxFileSize)
	}

	if c.parser.PreProcess != nil {
		raw, err = c.parser.PreProcess(raw)
		if err != nil {
			return fmt.Errorf("cache: pre-process hook failed for %s: %w", e.filePath, err)
		}
	}

	sum := sha1.Sum(raw)
	if e.content != nil && sum == e.checksum {
		return nil // cached object still valid
	}
	e.checksum = sum

	parsed, err := c.parser.Parse(e.filePath, raw)
	if err != nil {
		if c.options&IgnoreBroken != 0 {
			e.content = nil
			e.broken = true
			return nil
		}
		return fmt.Errorf("cache: failed to parse %s: %w", e.filePath, err)
	}
	e.content = &parsed
	e.broken = false
	return nil
}

func (c *Cache[T]) fold() (*T, error) {
	var dst *T
	for _, e := range c.entries {
		if e.content == nil {
			continue
		}
		if dst == nil {
			v := *e.content
			dst = &v
			continue
		}
		if err := c.parser.Merge(dst, *e.content); err != nil {
			return nil, fmt.Errorf("cache: merge of %s failed: %w", e.filePath, err)
		}
	}
	return dst, nil
}

// TakeResult transfers ownership of the i-th parsed object out of the cache.
// It returns false if the index is out of range or the entry was broken.
func (c *Cache[T]) TakeResult(i int) (T, bool) {
	var zero T
	if c.options&MergedResult != 0 {
		panic("cache: TakeResult is not valid when MergedResult is set")
	}
	if i < 0 || i >= len(c.entries) {
		return zero, false
	}
	e := &c.entries[i]
	if e.content == nil {
		return zero, false
	}
	v := *e.content
	e.content = nil
	return v, true
}

// TakeResultForPath is the path-keyed variant of TakeResult.
func (c *Cache[T]) TakeResultForPath(path string) (T, bool) {
	p, err := filepath.Abs(path)
	if err != nil {
		var zero T
		return zero, false
	}
	i, ok := c.indexByPath[p]
	if !ok {
		var zero T
		return zero, false
	}
	return c.TakeResult(i)
}

// TakeMergedResult transfers ownership of the merged object. Valid only when
// MergedResult was set.
func (c *Cache[T]) TakeMergedResult() (T, bool) {
	var zero T
	if c.options&MergedResult == 0 {
		panic("cache: TakeMergedResult requires MergedResult")
	}
	if c.merged == nil {
		return zero, false
	}
	v := *c.merged
	c.merged = nil
	return v, true
}

// ParseWroteToCache reports whether this Parse call wrote a fresh cache file.
func (c *Cache[T]) ParseWroteToCache() bool { return c.wroteToCache }

// ParseReadFromCache reports whether this Parse call was satisfied entirely
// from an on-disk cache without re-parsing anything.
//
// Note: the "still complete" check below is a linear, order-sensitive
// comparison of the stored file list against the input list. A cache whose
// files are unchanged but re-ordered is treated as incomplete. This is
// intentional (ordering is part of the cache key, since merged folding is
// order-dependent) and matches the original implementation's behavior.
func (c *Cache[T]) ParseReadFromCache() bool { return c.readFromCache }

func (c *Cache[T]) tryReadCache(path string, inputs []string) ([]entry[T], *T, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, false
	}
	defer f.Close()

	var hdr CacheHeader
	if err := readHeader(f, &hdr); err != nil {
		return nil, nil, false
	}
	if !hdr.isValid(c.baseName, c.typeID, c.typeVersion) {
		// mismatch -> cache ignored with a warning, never a hard error.
		return nil, nil, false
	}

	entries := make([]entry[T], hdr.Entries)
	for i := range entries {
		if err := readEntry(f, c.parser, &entries[i]); err != nil {
			return nil, nil, false
		}
	}

	var merged *T
	if c.options&MergedResult != 0 {
		var has byte
		if err := binary.Read(f, binary.BigEndian, &has); err != nil {
			return nil, nil, false
		}
		if has == 1 {
			v, err := c.parser.Decode(f)
			if err != nil {
				return nil, nil, false
			}
			merged = &v
		}
		if merged == nil {
			return nil, nil, false
		}
	}

	complete := len(inputs) == len(entries)
	if complete {
		for i, p := range inputs {
			if entries[i].filePath != p || entries[i].content == nil {
				complete = false
				break
			}
		}
	}
	return entries, merged, complete
}

func (c *Cache[T]) writeCache(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}

	ok := len(c.entries) < maxCacheEntries
	if !ok {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cache: too many entries (%d >= %d)", len(c.entries), maxCacheEntries)
	}

	hdr := CacheHeader{Magic: magic, Version: formatVersion, TypeID: c.typeID, TypeVersion: c.typeVersion, BaseName: c.baseName, Entries: uint32(len(c.entries))}
	if err := writeHeader(f, hdr); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for _, e := range c.entries {
		if err := writeEntry(f, c.parser, e); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if c.options&MergedResult != 0 {
		if c.merged == nil {
			binary.Write(f, binary.BigEndian, byte(0))
		} else {
			binary.Write(f, binary.BigEndian, byte(1))
			if err := c.parser.Encode(f, *c.merged); err != nil {
				f.Close()
				os.Remove(tmp)
				return err
			}
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	// write-then-rename: readers always see either the previous or the next
	// version, never a partial one.
	return os.Rename(tmp, path)
}

func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n > maxFileSize {
		return "", fmt.Errorf("cache: string field too large (%d)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeHeader(w io.Writer, h CacheHeader) error {
	if err := binary.Write(w, binary.BigEndian, h.Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.Version); err != nil {
		return err
	}
	if _, err := w.Write(h.TypeID[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.TypeVersion); err != nil {
		return err
	}
	if err := writeString(w, h.BaseName); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, h.Entries)
}

func readHeader(r io.Reader, h *CacheHeader) error {
	if err := binary.Read(r, binary.BigEndian, &h.Magic); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, h.TypeID[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &h.TypeVersion); err != nil {
		return err
	}
	var err error
	h.BaseName, err = readString(r)
	if err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &h.Entries)
}

func writeEntry[T any](w io.Writer, p Parser[T], e entry[T]) error {
	if err := writeString(w, e.filePath); err != nil {
		return err
	}
	if _, err := w.Write(e.checksum[:]); err != nil {
		return err
	}
	if e.content == nil {
		return binary.Write(w, binary.BigEndian, byte(0))
	}
	if err := binary.Write(w, binary.BigEndian, byte(1)); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := p.Encode(&buf, *e.content); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readEntry[T any](r io.Reader, p Parser[T], e *entry[T]) error {
	var err error
	e.filePath, err = readString(r)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(r, e.checksum[:]); err != nil {
		return err
	}
	var has byte
	if err := binary.Read(r, binary.BigEndian, &has); err != nil {
		return err
	}
	if has == 0 {
		return nil
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	v, err := p.Decode(bytes.NewReader(buf))
	if err != nil {
		return err
	}
	e.content = &v
	return nil
}

// SortedPaths is a small helper exposed for callers (e.g. Package Database
// discovery) that want deterministic input ordering before constructing a
// Cache - ordering is part of the cache key (see ParseReadFromCache).
func SortedPaths(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}
