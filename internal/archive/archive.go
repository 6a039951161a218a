// Package archive implements the Archive Codec (spec.md §4.B): deterministic
// packing/unpacking of a package into a single sequential USTAR+gzip byte
// stream with a YAML header, payload entries, and a YAML footer carrying a
// content digest and optional signatures.
//
// The streaming, progress-reporting, cooperatively-cancelable shape of
// PackageCreator/PackageExtractor is grounded on ImagesSvc.Build in the
// teacher's images.go (which streams a subprocess's stdout/stderr pipes
// while a caller drains them); here the "subprocess" is replaced by a tar
// writer/reader operating directly on the byte stream, and
// github.com/klauspost/compress/gzip stands in for compress/gzip as the
// framing codec, with github.com/opencontainers/go-digest supplying the
// canonical digest type used throughout the OCI ecosystem.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	digestpkg "github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/banksean/appman/internal/report"
)

const (
	headerEntryName = "--PACKAGE-HEADER--"
	footerEntryName = "--PACKAGE-FOOTER--"

	headerFormatType    = "am-package-header"
	headerFormatVersion = 2

	modeRegular    = 0o444
	modeExecutable = 0o544
	modeDirectory  = 0o555

	copyBlockSize = 32 * 1024
)

// ErrInvalidPath is returned (wrapped) when an archive entry would resolve
// outside the extraction directory, or is a disallowed entry type (symlink).
var ErrInvalidPath = errors.New("InvalidPath")

// ErrDigestMismatch is returned (wrapped) when the stored footer digest does
// not match the digest accumulated while reading the payload.
var ErrDigestMismatch = errors.New("package digest mismatch")

type headerDoc1 struct {
	FormatType    string `yaml:"formatType"`
	FormatVersion int    `yaml:"formatVersion"`
}

type headerDoc2 struct {
	PackageID     string            `yaml:"packageId"`
	DiskSpaceUsed int64             `yaml:"diskSpaceUsed"`
	Extra         map[string]string `yaml:"extra,omitempty"`
	ExtraSigned   map[string]string `yaml:"extraSigned,omitempty"`
}

type footerDoc1 struct {
	Digest string `yaml:"digest"`
}

type footerSigDoc struct {
	DeveloperSignature []byte `yaml:"developerSignature,omitempty"`
	StoreSignature      []byte `yaml:"storeSignature,omitempty"`
}

// ProgressFunc is invoked at each entry boundary (and at each in-file block
// during extraction) with bytes processed so far and the known total.
type ProgressFunc func(done, total int64)

// digestAccumulator implements the §4.B digest contract: SHA-256 over the
// canonical header fields, then "D/<size>/<path>" or "F/<size>/<path>" plus
// raw bytes for every payload entry, in archive order.
type digestAccumulator struct {
	digester digestpkg.Digester
}

func newDigestAccumulator() *digestAccumulator {
	return &digestAccumulator{digester: digestpkg.Canonical.Digester()}
}

func (d *digestAccumulator) addHeader(h headerDoc2) error {
	canon, err := canonicalHeaderBytes(h)
	if err != nil {
		return err
	}
	_, err = d.digester.Hash().Write(canon)
	return err
}

func (d *digestAccumulator) addDirEntry(path string) {
	fmt.Fprintf(d.digester.Hash(), "D/0/%s", path)
}

func (d *digestAccumulator) addFileHeader(path string, size int64) {
	fmt.Fprintf(d.digester.Hash(), "F/%d/%s", size, path)
}

func (d *digestAccumulator) write(p []byte) {
	d.digester.Hash().Write(p)
}

func (d *digestAccumulator) digest() digestpkg.Digest {
	return d.digester.Digest()
}

// canonicalHeaderBytes produces a deterministic serialization of the
// signed-over header fields (stable key order, no map iteration jitter).
func canonicalHeaderBytes(h headerDoc2) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "packageId=%s\ndiskSpaceUsed=%d\n", h.PackageID, h.DiskSpaceUsed)
	for _, k := range sortedKeys(h.Extra) {
		fmt.Fprintf(&buf, "extra.%s=%s\n", k, h.Extra[k])
	}
	for _, k := range sortedKeys(h.ExtraSigned) {
		fmt.Fprintf(&buf, "extraSigned.%s=%s\n", k, h.ExtraSigned[k])
	}
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PackageCreator streams a source directory plus an InstallationReport into
// an output sink as a single package archive.
type PackageCreator struct {
	SourceDir string
	Report    *report.Report
	Progress  ProgressFunc
}

// Create writes the archive to w. It honors ctx cancellation at every entry
// boundary.
func (c *PackageCreator) Create(ctx context.Context, w io.Writer) (digestpkg.Digest, error) {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return "", err
	}
	tw := tar.NewWriter(gz)

	acc := newDigestAccumulator()
	h := headerDoc2{
		PackageID:     c.Report.PackageID,
		DiskSpaceUsed: c.Report.DiskSpaceUsed,
		Extra:         c.Report.Extra,
		ExtraSigned:   c.Report.ExtraSigned,
	}
	if err := acc.addHeader(h); err != nil {
		return "", err
	}

	if err := c.writeHeaderEntry(tw, h); err != nil {
		return "", err
	}

	total := c.totalBytes()
	var done int64

	for _, rel := range c.Report.Files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		full := filepath.Join(c.SourceDir, rel)
		fi, err := os.Lstat(full)
		if err != nil {
			return "", fmt.Errorf("archive: stat %s: %w", rel, err)
		}
		if fi.IsDir() {
			acc.addDirEntry(rel)
			if err := tw.WriteHeader(&tar.Header{Name: rel + "/", Typeflag: tar.TypeDir, Mode: modeDirectory}); err != nil {
				return "", err
			}
			continue
		}

		mode := int64(modeRegular)
		if fi.Mode()&0o111 != 0 || forceExecutableBit(full) {
			mode = modeExecutable
		}
		acc.addFileHeader(rel, fi.Size())
		if err := tw.WriteHeader(&tar.Header{Name: rel, Typeflag: tar.TypeReg, Mode: mode, Size: fi.Size()}); err != nil {
			return "", err
		}

		f, err := os.Open(full)
		if err != nil {
			return "", fmt.Errorf("archive: open %s: %w", rel, err)
		}
		n, err := copyWithDigestAndCancel(ctx, tw, f, acc)
		f.Close()
		if err != nil {
			return "", err
		}
		done += n
		if c.Progress != nil {
			c.Progress(done, total)
		}
	}

	footer := footerDoc1{Digest: acc.digest().String()}
	if err := c.writeFooterEntry(tw, footer, c.Report.DeveloperSig, c.Report.StoreSig); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return acc.digest(), nil
}

// forceExecutableBit implements the §4.B policy: on a host lacking POSIX
// permission bits (a stat returning mode 0), platform ELF executables may
// have their executable bit forced on during packing. We approximate "lacks
// POSIX permissions" as mode==0, which is what Go reports on some non-POSIX
// filesystems.
func forceExecutableBit(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().Perm() == 0 && isELF(path)
}

func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic == [4]byte{0x7f, 'E', 'L', 'F'}
}

func (c *PackageCreator) totalBytes() int64 {
	var total int64
	for _, rel := range c.Report.Files {
		if fi, err := os.Stat(filepath.Join(c.SourceDir, rel)); err == nil && !fi.IsDir() {
			total += fi.Size()
		}
	}
	return total
}

func (c *PackageCreator) writeHeaderEntry(tw *tar.Writer, h headerDoc2) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(headerDoc1{FormatType: headerFormatType, FormatVersion: headerFormatVersion}); err != nil {
		return err
	}
	if err := enc.Encode(h); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: headerEntryName, Typeflag: tar.TypeReg, Mode: modeRegular, Size: int64(buf.Len())}); err != nil {
		return err
	}
	_, err := tw.Write(buf.Bytes())
	return err
}

func (c *PackageCreator) writeFooterEntry(tw *tar.Writer, f footerDoc1, devSig, storeSig []byte) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(f); err != nil {
		return err
	}
	if len(devSig) > 0 {
		if err := enc.Encode(footerSigDoc{DeveloperSignature: devSig}); err != nil {
			return err
		}
	}
	if len(storeSig) > 0 {
		if err := enc.Encode(footerSigDoc{StoreSignature: storeSig}); err != nil {
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: footerEntryName, Typeflag: tar.TypeReg, Mode: modeRegular, Size: int64(buf.Len())}); err != nil {
		return err
	}
	_, err := tw.Write(buf.Bytes())
	return err
}

func copyWithDigestAndCancel(ctx context.Context, dst io.Writer, src io.Reader, acc *digestAccumulator) (int64, error) {
	buf := make([]byte, copyBlockSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			acc.write(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// ExtractResult summarizes a completed extraction.
type ExtractResult struct {
	PackageID          string
	Files              []string
	DiskSpaceUsed      int64
	Digest             digestpkg.Digest
	DeveloperSignature []byte
	StoreSignature     []byte
}

// PackageExtractor streams a package archive from a reader into an
// extraction directory.
type PackageExtractor struct {
	DestDir  string
	Progress ProgressFunc
}

// Extract reads, verifies, and unpacks the archive from r. Every archive
// entry path is validated to resolve inside DestDir before that entry's
// bytes are written; a violation is a fatal ErrInvalidPath. Files written
// for earlier, valid entries stay in DestDir (they are not rolled back
// here - callers extract into a staging directory per spec.md §4.F and
// discard the whole staging tree on failure).
func (e *PackageExtractor) Extract(ctx context.Context, r io.Reader) (*ExtractResult, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("archive: opening gzip stream: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("archive: reading header entry: %w", err)
	}
	if hdr.Name != headerEntryName {
		return nil, fmt.Errorf("archive: expected %s first, got %s", headerEntryName, hdr.Name)
	}
	var h1 headerDoc1
	var h2 headerDoc2
	dec := yaml.NewDecoder(tr)
	if err := dec.Decode(&h1); err != nil {
		return nil, fmt.Errorf("archive: decoding header doc 1: %w", err)
	}
	if h1.FormatType != headerFormatType {
		return nil, fmt.Errorf("archive: unexpected formatType %q", h1.FormatType)
	}
	if err := dec.Decode(&h2); err != nil {
		return nil, fmt.Errorf("archive: decoding header doc 2: %w", err)
	}

	acc := newDigestAccumulator()
	if err := acc.addHeader(h2); err != nil {
		return nil, err
	}

	var files []string
	var done, total int64 = 0, h2.DiskSpaceUsed

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err = tr.Next()
		if err != nil {
			return nil, fmt.Errorf("archive: reading entry after header: %w", err)
		}
		if hdr.Name == footerEntryName {
			break
		}

		if err := e.validatePath(hdr.Name); err != nil {
			return nil, err
		}

		dest := filepath.Join(e.DestDir, filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/")))

		switch hdr.Typeflag {
		case tar.TypeDir:
			acc.addDirEntry(strings.TrimSuffix(hdr.Name, "/"))
			if err := os.MkdirAll(dest, os.FileMode(modeDirectory)|0o200); err != nil {
				return nil, fmt.Errorf("archive: creating directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			acc.addFileHeader(hdr.Name, hdr.Size)
			if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
				return nil, fmt.Errorf("archive: creating parent dir for %s: %w", hdr.Name, err)
			}
			f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)|0o200)
			if err != nil {
				return nil, fmt.Errorf("archive: creating %s: %w", hdr.Name, err)
			}
			n, err := copyWithDigestAndCancelProgress(ctx, f, tr, acc, &done, total, e.Progress)
			f.Close()
			if err != nil {
				return nil, err
			}
			_ = n
			files = append(files, hdr.Name)
		default:
			return nil, fmt.Errorf("archive: %w: entry %q has disallowed type %v", ErrInvalidPath, hdr.Name, hdr.Typeflag)
		}

		if e.Progress != nil {
			e.Progress(done, total)
		}
	}

	var f1 footerDoc1
	footerDec := yaml.NewDecoder(tr)
	if err := footerDec.Decode(&f1); err != nil {
		return nil, fmt.Errorf("archive: decoding footer: %w", err)
	}

	var devSig, storeSig []byte
	for {
		var sigDoc footerSigDoc
		if err := footerDec.Decode(&sigDoc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("archive: decoding footer signature document: %w", err)
		}
		if len(sigDoc.DeveloperSignature) > 0 {
			devSig = sigDoc.DeveloperSignature
		}
		if len(sigDoc.StoreSignature) > 0 {
			storeSig = sigDoc.StoreSignature
		}
	}

	computed := acc.digest()
	if f1.Digest != computed.String() {
		return nil, fmt.Errorf("archive: %w", ErrDigestMismatch)
	}

	return &ExtractResult{
		PackageID:          h2.PackageID,
		Files:              files,
		DiskSpaceUsed:      h2.DiskSpaceUsed,
		Digest:             computed,
		DeveloperSignature: devSig,
		StoreSignature:     storeSig,
	}, nil
}

// validatePath enforces the no-traversal, no-absolute-path rule from
// spec.md §4.B. Symlinks are rejected at the Typeflag switch in Extract.
func (e *PackageExtractor) validatePath(name string) error {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSuffix(name, "/")))
	if filepath.IsAbs(clean) {
		return fmt.Errorf("archive: %w: absolute path %q", ErrInvalidPath, name)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("archive: %w: path %q escapes destination", ErrInvalidPath, name)
	}
	resolved := filepath.Join(e.DestDir, clean)
	destAbs, err := filepath.Abs(e.DestDir)
	if err != nil {
		return fmt.Errorf("archive: resolving destination dir: %w", err)
	}
	resolvedAbs, err := filepath.Abs(resolved)
	if err != nil {
		return fmt.Errorf("archive: resolving entry path: %w", err)
	}
	if resolvedAbs != destAbs && !strings.HasPrefix(resolvedAbs, destAbs+string(filepath.Separator)) {
		return fmt.Errorf("archive: %w: path %q escapes destination", ErrInvalidPath, name)
	}
	return nil
}

func copyWithDigestAndCancelProgress(ctx context.Context, dst io.Writer, src io.Reader, acc *digestAccumulator, done *int64, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, copyBlockSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		r, err := src.Read(buf)
		if r > 0 {
			acc.write(buf[:r])
			if _, werr := dst.Write(buf[:r]); werr != nil {
				return n, werr
			}
			n += int64(r)
			*done += int64(r)
			if progress != nil {
				progress(*done, total)
			}
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}
