// Package packagedb implements the Package Database (spec.md §4.E): it
// discovers, validates, caches, and hot-reloads built-in and installed
// package manifests.
//
// Grounded on src/application-lib/packagedatabase.cpp (original_source) for
// the discovery rules and built-in/installed overlay relationship, and on
// the teacher's Boxer.List/Boxer.Get in boxer.go for the "scan then
// overlay with live state" shape - here the live state is Package, not a
// sqlite row.
package packagedb

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/banksean/appman/internal/am"
	"github.com/banksean/appman/internal/cache"
	"github.com/banksean/appman/internal/mount"
	"github.com/banksean/appman/internal/report"
)

const (
	manifestFileName    = "info.yaml"
	reportFileName       = ".installation-report.yaml"
	cacheFormatVersion    = 1
	builtinCacheBaseName  = "appdb-builtin"
	installedCacheBaseName = "appdb-installed"
	builtinTypeID    = "PKGB"
	installedTypeID  = "PKGI"
)

// Locations is a bit-set of {Built-in, Installed} passed to Parse.
type Locations uint8

const (
	LocationBuiltin Locations = 1 << iota
	LocationInstalled
)

// Package is the live aggregate owned by the Database (spec.md §3).
type Package struct {
	Info            PackageInfo
	BlockCount      int
	InstallProgress float64
	Activated       bool
}

var ErrAlreadyParsed = errors.New("packagedb: location already parsed")

// Database discovers and caches package manifests from built-in and
// installed directories.
type Database struct {
	builtinDirs      []string
	installedDir     string
	mountPoint       string
	cacheDir         string
	reportHMACKey    []byte
	watcher          *mount.Watcher

	mu              sync.RWMutex
	builtinByID     map[string]*Package
	installedByID   map[string]*Package
	builtinParsed   bool
	installedParsed bool

	// onAdd/onRemove mirror the registerApplication/unregisterApplication
	// signals the Application Manager observes.
	onAdd    func(*Package)
	onRemove func(id string)

	hotAttachDone chan struct{}
}

// NewDatabase constructs a Database. mountPoint may be empty, meaning the
// installed directory is always considered available.
func NewDatabase(builtinDirs []string, installedDir, mountPoint, cacheDir string, reportHMACKey []byte) *Database {
	return &Database{
		builtinDirs:   builtinDirs,
		installedDir:  installedDir,
		mountPoint:    mountPoint,
		cacheDir:      cacheDir,
		reportHMACKey: reportHMACKey,
		builtinByID:   make(map[string]*Package),
		installedByID: make(map[string]*Package),
	}
}

// OnApplicationRegistered/OnApplicationUnregistered wire the Application
// Manager's observation of add/remove (spec.md §2 "Data flow").
func (d *Database) OnApplicationRegistered(f func(*Package))   { d.onAdd = f }
func (d *Database) OnApplicationUnregistered(f func(id string)) { d.onRemove = f }

// Parse runs discovery for the requested locations. It may only run once
// per location across the Database's lifetime.
func (d *Database) Parse(ctx context.Context, locations Locations) error {
	if locations&LocationBuiltin != 0 {
		d.mu.Lock()
		already := d.builtinParsed
		d.builtinParsed = true
		d.mu.Unlock()
		if already {
			return ErrAlreadyParsed
		}
		if err := d.parseBuiltin(ctx); err != nil {
			return err
		}
	}

	if locations&LocationInstalled != 0 {
		d.mu.Lock()
		already := d.installedParsed
		d.installedParsed = true
		d.mu.Unlock()
		if already {
			return ErrAlreadyParsed
		}
		if d.installedDir == "" {
			return nil
		}
		if d.mountPoint != "" && !d.isMounted() {
			d.deferInstalledParseUntilMounted(ctx)
			return nil
		}
		if err := d.parseInstalled(ctx); err != nil {
			return err
		}
	}
	return nil
}

// isMounted is a coarse pre-check before the first mount.Watcher poll lands;
// the watcher itself is the source of truth once deferInstalledParseUntilMounted
// is running.
func (d *Database) isMounted() bool {
	fi, err := os.Stat(d.mountPoint)
	return err == nil && fi.IsDir()
}

func (d *Database) deferInstalledParseUntilMounted(ctx context.Context) {
	d.watcher = mount.New(0, nil)
	events := d.watcher.Subscribe(d.mountPoint)
	go d.watcher.Run(ctx)

	d.hotAttachDone = make(chan struct{})
	go func() {
		defer close(d.hotAttachDone)
		for ev := range events {
			if ev.MountPoint != d.mountPoint || !ev.Mounted {
				continue
			}
			if err := d.parseInstalled(ctx); err != nil {
				// spec.md §4.E: if parsing fails during hot-attach the
				// process aborts - the installed set would otherwise be
				// silently inconsistent with what the compositor/user sees.
				am.Abort("hot-attach installed package parse failed: %v", err)
			}
			return
		}
	}()
}

// HotAttachDone returns a channel that is closed once the deferred
// installed-parse triggered by a mount event has completed (test hook).
func (d *Database) HotAttachDone() <-chan struct{} { return d.hotAttachDone }

func (d *Database) parseBuiltin(ctx context.Context) error {
	pkgs, err := d.discoverAndLoad(ctx, d.builtinDirs, true, builtinCacheBaseName, builtinTypeID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, p := range pkgs {
		d.builtinByID[p.Info.ID] = p
	}
	d.mu.Unlock()
	for _, p := range pkgs {
		d.notifyAdd(p)
	}
	return nil
}

func (d *Database) parseInstalled(ctx context.Context) error {
	pkgs, err := d.discoverAndLoad(ctx, []string{d.installedDir}, false, installedCacheBaseName, installedTypeID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, p := range pkgs {
		d.installedByID[p.Info.ID] = p
	}
	d.mu.Unlock()
	for _, p := range pkgs {
		d.notifyAdd(p)
	}
	return nil
}

func (d *Database) notifyAdd(p *Package) {
	if d.onAdd != nil {
		d.onAdd(p)
	}
}

// discoverAndLoad implements the per-base-directory discovery rules
// (spec.md §4.E) and binds results through the Config Cache.
func (d *Database) discoverAndLoad(ctx context.Context, baseDirs []string, builtin bool, cacheBaseName, typeID string) ([]*Package, error) {
	var manifestPaths []string
	manifestDirFor := make(map[string]string) // manifest path -> base dir

	for _, base := range baseDirs {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("packagedb: reading %s: %w", base, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			// Rule 1: skip atomic-rename leftovers from an in-flight
			// installer task (spec.md §4.F suffix convention).
			if strings.HasSuffix(name, "+") || strings.HasSuffix(name, "-") {
				continue
			}
			dir := filepath.Join(base, name)
			manifestPath := filepath.Join(dir, manifestFileName)
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
			if !builtin {
				if _, err := os.Stat(filepath.Join(dir, reportFileName)); err != nil {
					slog.Warn("packagedb: installed package missing installation report, skipping", "dir", dir)
					continue
				}
			}
			// Rule 2: directory name must equal the declared identifier -
			// verified after parsing below since the grammar check needs
			// the manifest content; we still require name == id now using
			// a directory-name precheck against the grammar to avoid
			// wasting a cache slot on obviously bogus directories.
			if !ValidIdentifier(name) {
				slog.Warn("packagedb: skipping directory with invalid identifier grammar", "dir", dir)
				continue
			}
			manifestPaths = append(manifestPaths, manifestPath)
			manifestDirFor[manifestPath] = dir
		}
	}

	sort.Strings(manifestPaths)
	if len(manifestPaths) == 0 {
		return nil, nil
	}

	parser := cache.Parser[PackageInfo]{
		Parse: func(path string, content []byte) (PackageInfo, error) {
			return parseManifestFile(path, content)
		},
		Encode: func(w io.Writer, v PackageInfo) error { return gob.NewEncoder(w).Encode(v) },
		Decode: func(r io.Reader) (PackageInfo, error) {
			var v PackageInfo
			err := gob.NewDecoder(r).Decode(&v)
			return v, err
		},
	}

	c, err := cache.NewCache(manifestPaths, cacheBaseName, typeID, cacheFormatVersion, 0, parser, d.cacheDir)
	if err != nil {
		return nil, err
	}
	if err := c.Parse(ctx); err != nil {
		return nil, fmt.Errorf("packagedb: cache parse: %w", err)
	}

	pkgs := make([]*Package, 0, len(manifestPaths))
	seenIDs := make(map[string]bool, len(manifestPaths))
	for i, mp := range manifestPaths {
		info, ok := c.TakeResult(i)
		if !ok {
			continue
		}
		dir := manifestDirFor[mp]
		dirName := filepath.Base(dir)
		if info.ID != dirName {
			slog.Warn("packagedb: package id does not match directory name, skipping", "id", info.ID, "dir", dirName)
			continue
		}
		if seenIDs[info.ID] {
			slog.Warn("packagedb: duplicate package id within database, skipping", "id", info.ID)
			continue
		}
		seenIDs[info.ID] = true

		info.BaseDir = dir
		// Invariant (spec.md §3): a manifest without a sibling installation
		// report must be marked built-in.
		info.BuiltIn = builtin
		if !builtin {
			if err := d.validateReport(dir, info.ID); err != nil {
				slog.Warn("packagedb: installation report invalid, skipping package", "id", info.ID, "error", err)
				continue
			}
		}
		pkgs = append(pkgs, &Package{Info: info})
	}
	return pkgs, nil
}

func (d *Database) validateReport(dir, packageID string) error {
	f, err := os.Open(filepath.Join(dir, reportFileName))
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	rep, err := report.Decode(bytes.NewReader(raw), d.reportHMACKey)
	if err != nil {
		return err
	}
	if !rep.Valid() {
		return fmt.Errorf("installation report for %s is incomplete", packageID)
	}
	if rep.PackageID != packageID {
		return fmt.Errorf("installation report package id %q does not match directory %q", rep.PackageID, packageID)
	}
	return nil
}

// Get resolves a package by id. Per spec.md §4.E, an installed package
// shadows a built-in package of the same identifier.
func (d *Database) Get(id string) (*Package, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.installedByID[id]; ok {
		return p, true
	}
	p, ok := d.builtinByID[id]
	return p, ok
}

// RemoveInstalled deletes the installed overlay for id, reactivating any
// built-in package sharing that identifier (spec.md §9 open question:
// matched by package id only, preserving the built-in's own application
// set).
func (d *Database) RemoveInstalled(id string) (reactivatedBuiltin *Package, ok bool) {
	d.mu.Lock()
	_, existed := d.installedByID[id]
	delete(d.installedByID, id)
	builtin, hasBuiltin := d.builtinByID[id]
	d.mu.Unlock()

	if !existed {
		return nil, false
	}
	if d.onRemove != nil {
		d.onRemove(id)
	}
	if hasBuiltin {
		d.notifyAdd(builtin)
		return builtin, true
	}
	return nil, false
}

// AddInstalled registers a freshly committed installed package (called by
// the Installation Pipeline's Publish step, spec.md §4.F).
func (d *Database) AddInstalled(p *Package) {
	d.mu.Lock()
	d.installedByID[p.Info.ID] = p
	d.mu.Unlock()
	d.notifyAdd(p)
}

// All returns every currently-registered package, installed overlaying
// built-in.
func (d *Database) All() []*Package {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool, len(d.builtinByID)+len(d.installedByID))
	out := make([]*Package, 0, len(d.builtinByID)+len(d.installedByID))
	for id, p := range d.installedByID {
		seen[id] = true
		out = append(out, p)
	}
	for id, p := range d.builtinByID {
		if !seen[id] {
			out = append(out, p)
		}
	}
	return out
}
