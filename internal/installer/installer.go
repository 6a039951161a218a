// Package installer implements the Installation Pipeline (spec.md §4.F): a
// task-oriented state machine that downloads, verifies, stages, and
// atomically commits or removes packages without ever leaving the package
// store in an inconsistent state.
//
// The task bookkeeping (UUID-keyed handles, a single mutex-guarded map, a
// background goroutine per task) is grounded on the teacher's
// sandbox.Sandbox/Boxer lifecycle in boxer.go and cmd/sand/exec_cmd.go
// (uuid.NewString ids, Get-or-create lookup). The atomic rename/backup
// convention is grounded on original_source's installationtask.cpp staging
// directory suffixes ("+" in progress, "-" superseded backup).
package installer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/banksean/appman/internal/am"
	"github.com/banksean/appman/internal/archive"
	"github.com/banksean/appman/internal/packagedb"
	"github.com/banksean/appman/internal/report"
)

// SignaturePolicy governs install step 2, "verify digest and signatures per
// configured policy" (spec.md §4.F): whether an unsigned package may be
// installed at all, and the public keys developer/store signatures are
// checked against. Signatures are ed25519 over the archive's canonical
// digest bytes - the pack carries no higher-level package-signing library,
// and ed25519 is the standard library's own answer to "verify a detached
// signature", so no third-party dependency is introduced for it.
type SignaturePolicy struct {
	AllowUnsigned bool
	DeveloperKey  ed25519.PublicKey
	StoreKey      ed25519.PublicKey
}

// State is a task's position in the install/remove state machine
// (spec.md §4.F).
type State int

const (
	StateStarted State = iota
	StateDownloading
	StateDownloaded
	StateInstalling
	StateInstalled
	StateRemoving
	StateFinished
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "Started"
	case StateDownloading:
		return "Downloading"
	case StateDownloaded:
		return "Downloaded"
	case StateInstalling:
		return "Installing"
	case StateInstalled:
		return "Installed"
	case StateRemoving:
		return "Removing"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	case StateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Task tracks one install or remove operation.
type Task struct {
	ID        string
	PackageID string
	Removal   bool

	mu    sync.Mutex
	state State
	err   error

	acknowledge chan struct{} // closed by Acknowledge()
	canceled    chan struct{}
}

func newTask(packageID string, removal bool) *Task {
	return &Task{
		ID:          uuid.NewString(),
		PackageID:   packageID,
		Removal:     removal,
		state:       StateStarted,
		acknowledge: make(chan struct{}),
		canceled:    make(chan struct{}),
	}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Error returns the terminal failure, if any.
func (t *Task) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()
}

// Acknowledge unblocks a task waiting in StateDownloaded to proceed to
// installation (spec.md §4.F's two-phase install acknowledgement).
func (t *Task) Acknowledge() {
	select {
	case <-t.acknowledge:
	default:
		close(t.acknowledge)
	}
}

// Cancel requests cooperative cancellation. It has no effect once the task
// has passed the point of no return (StateInstalling committed a rename).
func (t *Task) Cancel() {
	select {
	case <-t.canceled:
	default:
		close(t.canceled)
	}
}

// Source supplies archive bytes for an install task, e.g. an HTTP
// downloader or a local file reader.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FileSource reads a package archive from a local path.
type FileSource struct{ Path string }

func (f FileSource) Open(ctx context.Context) (io.ReadCloser, error) { return os.Open(f.Path) }

// Pipeline runs install/remove tasks against a package store directory.
type Pipeline struct {
	installedDir  string
	stagingRoot   string
	reportHMACKey []byte
	db            *packagedb.Database
	sigPolicy     SignaturePolicy

	sem *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewPipeline constructs a Pipeline. maxConcurrent bounds the number of
// install/remove tasks that may be actively extracting/committing at once
// (spec.md §5: bounded worker concurrency).
func NewPipeline(installedDir string, reportHMACKey []byte, db *packagedb.Database, maxConcurrent int64) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Pipeline{
		installedDir:  installedDir,
		stagingRoot:   installedDir,
		reportHMACKey: reportHMACKey,
		db:            db,
		sem:           semaphore.NewWeighted(maxConcurrent),
		tasks:         make(map[string]*Task),
	}
}

// SetSignaturePolicy installs the policy applied to every subsequent
// install task's verify step.
func (p *Pipeline) SetSignaturePolicy(policy SignaturePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigPolicy = policy
}

// Task looks up a previously started task by id.
func (p *Pipeline) Task(id string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	return t, ok
}

// verifySignatures implements install step 2 exactly as spec.md §4.F states
// it: unsigned packages are only allowed under policy.AllowUnsigned; a
// developer signature is always verified when present; a store signature is
// required and verified when installing as a trusted source.
func verifySignatures(result *archive.ExtractResult, policy SignaturePolicy, trusted bool) error {
	digestBytes := []byte(result.Digest.String())

	if len(result.DeveloperSignature) == 0 {
		if !policy.AllowUnsigned {
			return fmt.Errorf("package %s: unsigned packages are not permitted by policy", result.PackageID)
		}
	} else {
		if len(policy.DeveloperKey) == 0 {
			return fmt.Errorf("package %s: developer signature present but no developer key is configured", result.PackageID)
		}
		if !ed25519.Verify(policy.DeveloperKey, digestBytes, result.DeveloperSignature) {
			return fmt.Errorf("package %s: developer signature does not verify", result.PackageID)
		}
	}

	if trusted {
		if len(result.StoreSignature) == 0 {
			return fmt.Errorf("package %s: trusted-source install requires a store signature", result.PackageID)
		}
		if len(policy.StoreKey) == 0 {
			return fmt.Errorf("package %s: store signature present but no store key is configured", result.PackageID)
		}
		if !ed25519.Verify(policy.StoreKey, digestBytes, result.StoreSignature) {
			return fmt.Errorf("package %s: store signature does not verify", result.PackageID)
		}
	}
	return nil
}

// StartInstall begins an install task in the background and returns its
// handle immediately (spec.md §4.F install sequence: open, verify, request
// acknowledge, commit, publish). The package is installed as an ordinary,
// untrusted source; use StartTrustedInstall for built-in/trusted-source
// installs, which additionally require a valid store signature.
func (p *Pipeline) StartInstall(ctx context.Context, src Source) *Task {
	return p.startInstall(ctx, src, false)
}

// StartTrustedInstall is StartInstall for a package that is to become a
// built-in or otherwise trusted source (spec.md §4.F step 2: "the store
// signature is verified when the package is to become a built-in or
// trusted source").
func (p *Pipeline) StartTrustedInstall(ctx context.Context, src Source) *Task {
	return p.startInstall(ctx, src, true)
}

func (p *Pipeline) startInstall(ctx context.Context, src Source, trusted bool) *Task {
	t := newTask("", false)
	p.mu.Lock()
	p.tasks[t.ID] = t
	p.mu.Unlock()

	go p.runInstall(ctx, t, src, trusted)
	return t
}

func (p *Pipeline) runInstall(ctx context.Context, t *Task, src Source, trusted bool) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		t.fail(am.Wrap(am.KindCanceled, err, "install task %s: could not acquire worker slot", t.ID))
		return
	}
	defer p.sem.Release(1)

	t.setState(StateDownloading)
	r, err := src.Open(ctx)
	if err != nil {
		t.fail(am.Wrap(am.KindNetwork, err, "install task %s: opening archive source", t.ID))
		return
	}
	defer r.Close()

	stageDir, err := os.MkdirTemp(p.stagingRoot, "am-install-*")
	if err != nil {
		t.fail(am.Wrap(am.KindIO, err, "install task %s: creating staging directory", t.ID))
		return
	}
	defer os.RemoveAll(stageDir)

	extractor := &archive.PackageExtractor{DestDir: stageDir}
	result, err := extractor.Extract(ctx, r)
	if err != nil {
		t.fail(am.Wrap(am.KindArchive, err, "install task %s: extracting archive", t.ID))
		return
	}
	t.PackageID = result.PackageID

	p.mu.Lock()
	policy := p.sigPolicy
	p.mu.Unlock()
	if err := verifySignatures(result, policy, trusted); err != nil {
		t.fail(am.Wrap(am.KindCryptography, err, "install task %s: verifying package signatures", t.ID))
		return
	}

	t.setState(StateDownloaded)

	select {
	case <-t.acknowledge:
	case <-t.canceled:
		t.setState(StateCanceled)
		return
	case <-ctx.Done():
		t.fail(am.Wrap(am.KindCanceled, ctx.Err(), "install task %s: canceled before acknowledge", t.ID))
		return
	}

	t.setState(StateInstalling)
	if err := p.commitInstall(ctx, t, stageDir, result); err != nil {
		t.fail(err)
		return
	}
	t.setState(StateInstalled)
	t.setState(StateFinished)
}

// commitInstall performs the atomic rename into place (spec.md §4.F commit
// step): an existing package of the same id is backed up with a "-"
// suffix, the staged directory is renamed to its final name, and the
// backup is removed only once the rename has succeeded. On any failure
// after the backup rename, the backup is restored so the store is never
// left without the previously-working package.
func (p *Pipeline) commitInstall(ctx context.Context, t *Task, stageDir string, result *archive.ExtractResult) error {
	finalDir := filepath.Join(p.installedDir, t.PackageID)
	backupDir := finalDir + "-"

	hadPrevious := false
	if _, err := os.Stat(finalDir); err == nil {
		hadPrevious = true
		if err := os.Rename(finalDir, backupDir); err != nil {
			return am.Wrap(am.KindIO, err, "install task %s: backing up previous package", t.ID)
		}
	}

	rollback := func(cause error) error {
		if hadPrevious {
			if rerr := os.Rename(backupDir, finalDir); rerr != nil {
				return &multierror.Error{Errors: []error{cause, rerr}}
			}
		}
		return cause
	}

	rep := &report.Report{
		PackageID:     t.PackageID,
		Files:         result.Files,
		DiskSpaceUsed: result.DiskSpaceUsed,
		Digest:        []byte(result.Digest.String()),
	}
	reportPath := filepath.Join(stageDir, ".installation-report.yaml")
	f, err := os.Create(reportPath)
	if err != nil {
		return rollback(am.Wrap(am.KindIO, err, "install task %s: creating report", t.ID))
	}
	werr := report.Encode(f, rep, p.reportHMACKey)
	cerr := f.Close()
	if werr != nil {
		return rollback(am.Wrap(am.KindCryptography, werr, "install task %s: signing report", t.ID))
	}
	if cerr != nil {
		return rollback(am.Wrap(am.KindIO, cerr, "install task %s: closing report", t.ID))
	}

	if err := os.Rename(stageDir, finalDir); err != nil {
		return rollback(am.Wrap(am.KindIO, err, "install task %s: committing package directory", t.ID))
	}

	if hadPrevious {
		if err := os.RemoveAll(backupDir); err != nil {
			slog.Warn("installer: failed to clean up install backup directory", "task", t.ID, "dir", backupDir, "error", err)
		}
	}

	p.db.AddInstalled(&packagedb.Package{Info: packagedbInfoFromReport(rep, finalDir)})
	return nil
}

func packagedbInfoFromReport(rep *report.Report, baseDir string) packagedb.PackageInfo {
	return packagedb.PackageInfo{ID: rep.PackageID, BaseDir: baseDir, BuiltIn: false}
}

// StartRemove begins a remove task in the background (spec.md §4.F remove
// sequence).
func (p *Pipeline) StartRemove(ctx context.Context, packageID string) *Task {
	t := newTask(packageID, true)
	p.mu.Lock()
	p.tasks[t.ID] = t
	p.mu.Unlock()

	go p.runRemove(ctx, t)
	return t
}

func (p *Pipeline) runRemove(ctx context.Context, t *Task) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		t.fail(am.Wrap(am.KindCanceled, err, "remove task %s: could not acquire worker slot", t.ID))
		return
	}
	defer p.sem.Release(1)

	t.setState(StateRemoving)

	pkg, ok := p.db.Get(t.PackageID)
	if !ok || pkg.Info.BaseDir == "" {
		t.fail(am.Wrap(am.KindNotInstalled, nil, "remove task %s: package %s is not installed", t.ID, t.PackageID))
		return
	}

	removeDir := pkg.Info.BaseDir + "-"
	if err := os.Rename(pkg.Info.BaseDir, removeDir); err != nil {
		t.fail(am.Wrap(am.KindIO, err, "remove task %s: staging for removal", t.ID))
		return
	}

	if _, reactivated := p.db.RemoveInstalled(t.PackageID); reactivated {
		slog.Info("installer: removal reactivated built-in package", "package", t.PackageID)
	}

	if err := os.RemoveAll(removeDir); err != nil {
		slog.Warn("installer: failed to delete staged removal directory", "task", t.ID, "dir", removeDir, "error", err)
	}

	t.setState(StateFinished)
}
