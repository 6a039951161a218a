// Package appmanager implements the Application Manager (spec.md §4.I):
// the authoritative, process-wide registry of live Application state,
// start/stop/open-URL dispatch, and the model view exposed to observers.
//
// Grounded on the teacher's Boxer (boxer.go): a single mutex-guarded map
// of live objects keyed by string id, one dedicated goroutine's worth of
// lifecycle orchestration per object, and a get-or-create resolution
// path mirroring Boxer.Get/Boxer.NewSandbox.
package appmanager

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/banksean/appman/internal/am"
	"github.com/banksean/appman/internal/container"
	"github.com/banksean/appman/internal/debugspec"
	"github.com/banksean/appman/internal/packagedb"
	"github.com/banksean/appman/internal/quicklaunch"
	"github.com/banksean/appman/internal/runtime"
)

// State is an Application's position in its lifecycle (spec.md §3).
type State int

const (
	NotRunning State = iota
	StartingUp
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "NotRunning"
	case StartingUp:
		return "StartingUp"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// ExitStatus mirrors spec.md §3's lastExitStatus tagged union.
type ExitStatus int

const (
	ExitStatusNone ExitStatus = iota
	NormalExit
	CrashExit
)

// Application is the live view of one declared application entry
// (spec.md §3).
type Application struct {
	ID                string
	PackageID         string
	Name              string
	Icon              string
	CodeFilePath      string
	RuntimeName       string
	RuntimeParameters runtime.Parameters
	Capabilities      []string
	Categories        []string
	Version           string
	IsBlocked         bool
	IsRemovable       bool
	IsUpdating        bool
	UpdateProgress    float64

	mu              sync.Mutex
	state           State
	lastExitCode    int
	lastExitStatus  ExitStatus
	proc            runtime.Process
	currentRuntime  string
	currentContainer *container.Container
	fromPool        *quicklaunch.Instance
}

func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Application) CurrentRuntime() runtime.Process {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proc
}

// Role identifies one model field for change notification (spec.md
// §4.I "stable set of roles").
type Role string

const (
	RoleName              Role = "name"
	RoleIcon              Role = "icon"
	RoleIsRunning         Role = "isRunning"
	RoleIsStartingUp      Role = "isStartingUp"
	RoleIsShuttingDown    Role = "isShuttingDown"
	RoleIsBlocked         Role = "isBlocked"
	RoleIsUpdating        Role = "isUpdating"
	RoleIsRemovable       Role = "isRemovable"
	RoleUpdateProgress    Role = "updateProgress"
	RoleCodeFilePath      Role = "codeFilePath"
	RoleRuntimeName       Role = "runtimeName"
	RoleRuntimeParameters Role = "runtimeParameters"
	RoleCapabilities      Role = "capabilities"
	RoleCategories        Role = "categories"
	RoleVersion           Role = "version"
	RoleLastExitCode      Role = "lastExitCode"
	RoleLastExitStatus    Role = "lastExitStatus"
)

// ChangeFunc is invoked once per mutation with the affected application id
// and roles (spec.md's coarse applicationChanged(id, roles)).
type ChangeFunc func(id string, roles []Role)

// ContainerSelectionRule picks a container id for a starting application.
// Rules are evaluated in order; the first whose Pattern matches wins
// (spec.md §4.I step 7). Pattern may be "*", an exact application id, or
// a glob understood by path.Match semantics.
type ContainerSelectionRule struct {
	Pattern         string
	ContainerID     string
	ContainerBackend string
}

// OpenURLRequest is delivered to a registered coordinator when candidate
// applications are found for an open-URL dispatch (spec.md §4.I "Open
// URL").
type OpenURLRequest struct {
	ID         string
	URL        string
	Candidates []string
}

// Manager is the process-wide Application Manager.
type Manager struct {
	db         *packagedb.Database
	containers *container.Factory
	runtimes   *runtime.Factory
	pool       *quicklaunch.Pool

	selectionRules       []ContainerSelectionRule
	selectionOverride     func(appID, tentativeContainerID string) string
	singleProcessMode     bool

	mu           sync.RWMutex
	apps         map[string]*Application
	shuttingDown bool
	onChange     ChangeFunc

	openURLMu       sync.Mutex
	openURLPending  bool
	openURLCoord    func(OpenURLRequest)
	nextRequestID   int
}

// NewManager constructs a Manager bound to the given Package Database,
// Container Factory, Runtime Factory, and Quick-Launch Pool.
func NewManager(db *packagedb.Database, containers *container.Factory, runtimes *runtime.Factory, pool *quicklaunch.Pool) *Manager {
	m := &Manager{
		db:         db,
		containers: containers,
		runtimes:   runtimes,
		pool:       pool,
		apps:       make(map[string]*Application),
	}
	db.OnApplicationRegistered(m.registerFromPackage)
	db.OnApplicationUnregistered(m.unregisterPackage)
	return m
}

// OnChange registers the sole observer of role-level model mutations.
func (m *Manager) OnChange(f ChangeFunc) { m.onChange = f }

// SetSelectionRules replaces the ordered container-selection rule list
// (spec.md §4.I step 7).
func (m *Manager) SetSelectionRules(rules []ContainerSelectionRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectionRules = rules
}

// SetSelectionOverride registers the callback consulted last when
// resolving a container id.
func (m *Manager) SetSelectionOverride(f func(appID, tentativeContainerID string) string) {
	m.selectionOverride = f
}

func (m *Manager) notify(id string, roles ...Role) {
	if m.onChange != nil {
		m.onChange(id, roles)
	}
}

func (m *Manager) registerFromPackage(pkg *packagedb.Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range pkg.Info.Applications {
		app := &Application{
			ID:                a.ID,
			PackageID:         pkg.Info.ID,
			Name:              firstDisplayName(pkg.Info.DisplayNames),
			Icon:              pkg.Info.Icon,
			CodeFilePath:      a.CodeFilePath,
			RuntimeName:       a.RuntimeName,
			RuntimeParameters: runtime.Parameters(a.RuntimeParameters),
			Capabilities:      pkg.Info.Capabilities,
			Categories:        []string{},
			Version:           pkg.Info.Version,
			IsRemovable:       !pkg.Info.BuiltIn,
			state:             NotRunning,
		}
		m.apps[a.ID] = app
	}
}

func (m *Manager) unregisterPackage(packageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, app := range m.apps {
		if app.PackageID == packageID {
			delete(m.apps, id)
		}
	}
}

func firstDisplayName(names map[string]string) string {
	if n, ok := names["en"]; ok {
		return n
	}
	for _, n := range names {
		return n
	}
	return ""
}

// Get resolves an Application by id.
func (m *Manager) Get(id string) (*Application, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[id]
	return a, ok
}

// List returns every Application, sorted by id for a stable model order.
func (m *Manager) List() []*Application {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Application, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartRequest bundles the parameters of Start (spec.md §4.I
// startApplicationInternal).
type StartRequest struct {
	ApplicationID string
	DocumentURL   string
	DebugSpec     string
	StdioFDs      []int // at most 3: stdin, stdout, stderr
}

// Start implements spec.md §4.I's nine-step start algorithm.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	m.mu.RLock()
	shuttingDown := m.shuttingDown
	m.mu.RUnlock()
	if shuttingDown {
		return am.Wrap(am.KindLocked, nil, "start %s: shutdown in progress", req.ApplicationID)
	}

	app, ok := m.Get(req.ApplicationID)
	if !ok {
		return am.Wrap(am.KindNotInstalled, nil, "start %s: unknown application", req.ApplicationID)
	}
	if app.IsBlocked {
		return am.Wrap(am.KindLocked, nil, "start %s: application is blocked", req.ApplicationID)
	}

	if len(req.StdioFDs) > 3 {
		return am.Wrap(am.KindIO, nil, "start %s: at most 3 stdio fds allowed, got %d", req.ApplicationID, len(req.StdioFDs))
	}

	backend, err := m.runtimes.Create(app.RuntimeName)
	if err != nil {
		return am.Wrap(am.KindNotInstalled, err, "start %s: resolving runtime %q", req.ApplicationID, app.RuntimeName)
	}

	var spec *debugspec.Spec
	if req.DebugSpec != "" {
		if m.singleProcessMode || backend.InProcess() {
			return am.Wrap(am.KindIntents, nil, "start %s: debug spec rejected in single-process/in-process mode", req.ApplicationID)
		}
		spec, err = debugspec.Parse(req.DebugSpec)
		if err != nil {
			return am.Wrap(am.KindParse, err, "start %s: parsing debug spec", req.ApplicationID)
		}
	}

	app.mu.Lock()
	switch app.state {
	case StartingUp, Running:
		app.mu.Unlock()
		if req.DocumentURL != "" {
			slog.Info("appmanager: delivering document to running application", "app", req.ApplicationID, "url", req.DocumentURL)
		}
		return nil
	case ShuttingDown:
		app.mu.Unlock()
		return am.Wrap(am.KindLocked, nil, "start %s: application is shutting down", req.ApplicationID)
	case NotRunning:
		if app.proc != nil {
			app.mu.Unlock()
			am.Abort("application %s is NotRunning but a runtime object still exists", req.ApplicationID)
			return nil
		}
	}
	app.state = StartingUp
	app.mu.Unlock()
	m.notify(req.ApplicationID, RoleIsStartingUp)

	var c *container.Container
	if !backend.InProcess() {
		containerBackend, containerID := m.resolveContainer(req.ApplicationID)

		if inst, ok := m.pool.Take(containerBackend, app.RuntimeName); ok && spec == nil && len(req.StdioFDs) == 0 {
			c = inst.Container
			app.mu.Lock()
			app.fromPool = inst
			app.mu.Unlock()
		} else {
			var err error
			c, err = m.containers.Create(ctx, containerBackend, containerID, nil)
			if err != nil {
				app.mu.Lock()
				app.state = NotRunning
				app.mu.Unlock()
				return am.Wrap(am.KindIO, err, "start %s: creating container", req.ApplicationID)
			}
		}
	}

	proc, err := backend.Start(ctx, runtime.StartRequest{
		ApplicationID: app.ID,
		CodeFilePath:  app.CodeFilePath,
		BaseDir:       baseDirFor(c),
		Parameters:    app.RuntimeParameters,
		Document:      req.DocumentURL,
	})
	if err != nil {
		app.mu.Lock()
		app.state = NotRunning
		app.mu.Unlock()
		m.notify(req.ApplicationID, RoleIsRunning, RoleIsStartingUp)
		return am.Wrap(am.KindIO, err, "start %s: launching runtime", req.ApplicationID)
	}

	app.mu.Lock()
	app.proc = proc
	app.currentRuntime = app.RuntimeName
	app.currentContainer = c
	app.state = Running
	app.mu.Unlock()
	m.notify(req.ApplicationID, RoleIsRunning, RoleIsStartingUp)

	go m.watchExit(req.ApplicationID, app, proc)
	return nil
}

func baseDirFor(c *container.Container) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func (m *Manager) resolveContainer(appID string) (backend, id string) {
	m.mu.RLock()
	rules := m.selectionRules
	m.mu.RUnlock()

	backend, id = "process", appID
	for _, r := range rules {
		if ok, _ := path.Match(r.Pattern, appID); r.Pattern == "*" || r.Pattern == appID || ok {
			backend, id = r.ContainerBackend, r.ContainerID
			break
		}
	}
	if m.selectionOverride != nil {
		id = m.selectionOverride(appID, id)
	}
	return backend, id
}

func (m *Manager) watchExit(appID string, app *Application, proc runtime.Process) {
	code, crashed, err := proc.Wait(context.Background())
	app.mu.Lock()
	app.state = NotRunning
	app.proc = nil
	app.lastExitCode = code
	if err != nil {
		app.lastExitStatus = CrashExit
	} else if crashed {
		app.lastExitStatus = CrashExit
	} else {
		app.lastExitStatus = NormalExit
	}
	fromPool := app.fromPool
	app.fromPool = nil
	c := app.currentContainer
	app.currentContainer = nil
	app.mu.Unlock()

	if fromPool != nil {
		m.pool.Return(context.Background(), fromPool)
	} else if c != nil {
		if err := m.containers.Destroy(context.Background(), c); err != nil {
			slog.Warn("appmanager: failed to destroy container after exit", "app", appID, "error", err)
		}
	}

	m.notify(appID, RoleIsRunning, RoleLastExitCode, RoleLastExitStatus)
}

// Stop forwards to the attached runtime; with forceKill set and a runtime
// that exposes a pid, the process is sent SIGKILL instead. It is a no-op if
// none is attached, and idempotent during ShuttingDown (spec.md §4.I Stop).
func (m *Manager) Stop(ctx context.Context, appID string, forceKill bool) error {
	app, ok := m.Get(appID)
	if !ok {
		return am.Wrap(am.KindNotInstalled, nil, "stop %s: unknown application", appID)
	}

	app.mu.Lock()
	proc := app.proc
	if proc == nil {
		app.mu.Unlock()
		return nil
	}
	if app.state == ShuttingDown {
		app.mu.Unlock()
		return nil
	}
	app.state = ShuttingDown
	app.mu.Unlock()
	m.notify(appID, RoleIsShuttingDown)

	if forceKill {
		if pid := proc.Pid(); pid > 0 {
			return syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	return proc.Stop(ctx)
}

// OpenURL implements spec.md §4.I's open-URL resolution/dispatch.
// A call arriving while another dispatch is still pending is not queued:
// it fails at once with a KindLocked error.
func (m *Manager) OpenURL(ctx context.Context, url, mimeHint string) error {
	m.openURLMu.Lock()
	if m.openURLPending {
		m.openURLMu.Unlock()
		return am.Wrap(am.KindLocked, nil, "openUrl %q: a dispatch is already pending", url)
	}
	m.openURLPending = true
	m.nextRequestID++
	reqID := fmt.Sprintf("openurl-%d", m.nextRequestID)
	m.openURLMu.Unlock()
	defer func() {
		m.openURLMu.Lock()
		m.openURLPending = false
		m.openURLMu.Unlock()
	}()

	candidates := m.candidatesForURL(url, mimeHint)
	if len(candidates) == 0 {
		return am.Wrap(am.KindIntents, nil, "openUrl %q: no candidate application", url)
	}

	m.openURLMu.Lock()
	coord := m.openURLCoord
	m.openURLMu.Unlock()
	if coord != nil {
		coord(OpenURLRequest{ID: reqID, URL: url, Candidates: candidates})
		return nil
	}

	return m.Start(ctx, StartRequest{ApplicationID: candidates[0], DocumentURL: url})
}

// SetOpenURLCoordinator registers a listener for open-URL dispatches. While
// one is set, OpenURL hands it the request and its candidates and starts
// nothing itself; the manager has no call for acknowledging or rejecting
// such a request.
func (m *Manager) SetOpenURLCoordinator(f func(OpenURLRequest)) {
	m.openURLMu.Lock()
	defer m.openURLMu.Unlock()
	m.openURLCoord = f
}

func (m *Manager) candidatesForURL(url, mimeHint string) []string {
	scheme, _, found := strings.Cut(url, "://")
	var candidates []string
	for _, app := range m.List() {
		for _, cap := range app.Capabilities {
			if found && cap == "x-scheme-handler/"+scheme {
				candidates = append(candidates, app.ID)
			}
		}
	}
	if len(candidates) == 0 && mimeHint != "" {
		for _, app := range m.List() {
			for _, cap := range app.Capabilities {
				if cap == mimeHint {
					candidates = append(candidates, app.ID)
				}
			}
		}
	}
	return candidates
}

// Shutdown stops every attached runtime and returns once the last one has
// exited (spec.md §4.I Shutdown).
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	apps := make([]*Application, 0, len(m.apps))
	for _, a := range m.apps {
		apps = append(apps, a)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, app := range apps {
		app.mu.Lock()
		proc := app.proc
		app.mu.Unlock()
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func(id string, p runtime.Process) {
			defer wg.Done()
			p.Stop(ctx)
			p.Wait(ctx)
		}(app.ID, proc)
	}
	wg.Wait()
	slog.Info("appmanager: shutdown finished")
}
