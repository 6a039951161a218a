// Package report implements the InstallationReport: the canonical,
// HMAC-protected manifest of an installed package (spec.md §3, §4.C, §6).
//
// Serialization format grounded on gopkg.in/yaml.v3 (already part of the
// teacher's module graph) and the HMAC-then-append pattern the teacher uses
// for its ssh host key material in boxer.go (createKeyPairIfMissing),
// generalized here to a keyed digest over the document stream instead of a
// key pair.
package report

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	formatType    = "am-installation-report"
	formatVersion = 1
)

type formatHeader struct {
	FormatType    string `yaml:"formatType"`
	FormatVersion int    `yaml:"formatVersion"`
}

// Report is the persisted record of one installed package (spec.md §3).
type Report struct {
	PackageID         string            `yaml:"packageId"`
	Files             []string          `yaml:"files"`
	DiskSpaceUsed     int64             `yaml:"diskSpaceUsed"`
	Digest            []byte            `yaml:"digest"`
	DeveloperSig      []byte            `yaml:"developerSignature,omitempty"`
	StoreSig          []byte            `yaml:"storeSignature,omitempty"`
	Extra             map[string]string `yaml:"extra,omitempty"`
	ExtraSigned       map[string]string `yaml:"extraSigned,omitempty"`
}

// Valid reports the invariant from spec.md §3: a report is valid only when
// identifier, digest, and at least one file are present.
func (r *Report) Valid() bool {
	return r.PackageID != "" && len(r.Digest) > 0 && len(r.Files) > 0
}

// ErrTamperDetected is returned by Decode when the trailing HMAC does not
// verify against the supplied key.
var ErrTamperDetected = errors.New("report: HMAC verification failed (TamperDetected)")

// Encode writes the two-document YAML stream plus its trailing "hmac:" line,
// keyed by key.
func Encode(w io.Writer, r *Report, key []byte) error {
	var body bytes.Buffer
	enc := yaml.NewEncoder(&body)
	defer enc.Close()

	if err := enc.Encode(formatHeader{FormatType: formatType, FormatVersion: formatVersion}); err != nil {
		return fmt.Errorf("report: encoding header: %w", err)
	}
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encoding payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("report: flushing encoder: %w", err)
	}

	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body.Bytes())
	sum := mac.Sum(nil)

	_, err := fmt.Fprintf(w, "hmac: %s\n", hex.EncodeToString(sum))
	return err
}

// Decode parses a report stream and verifies its trailing HMAC against key.
// A mismatch (tampering, or the wrong key) returns ErrTamperDetected rather
// than a partially-trusted Report.
func Decode(r io.Reader, key []byte) (*Report, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("report: reading stream: %w", err)
	}

	idx := bytes.LastIndex(raw, []byte("\nhmac: "))
	if idx < 0 {
		return nil, fmt.Errorf("report: missing trailing hmac line")
	}
	body := raw[:idx+1]
	hmacLine := bytes.TrimSpace(raw[idx+1:])

	scanner := bufio.NewScanner(bytes.NewReader(hmacLine))
	scanner.Scan()
	fields := bytes.SplitN(scanner.Bytes(), []byte(":"), 2)
	if len(fields) != 2 {
		return nil, fmt.Errorf("report: malformed hmac line")
	}
	wantHex := bytes.TrimSpace(fields[1])
	want, err := hex.DecodeString(string(wantHex))
	if err != nil {
		return nil, fmt.Errorf("report: malformed hmac hex: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	got := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return nil, ErrTamperDetected
	}

	dec := yaml.NewDecoder(bytes.NewReader(body))
	var hdr formatHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("report: decoding header: %w", err)
	}
	if hdr.FormatType != formatType {
		return nil, fmt.Errorf("report: unexpected formatType %q", hdr.FormatType)
	}

	var rep Report
	if err := dec.Decode(&rep); err != nil {
		return nil, fmt.Errorf("report: decoding payload: %w", err)
	}
	return &rep, nil
}
