// Package control implements the daemon's control-plane mux: a unix
// domain socket HTTP+JSON server exposing install/start/stop/list/show
// operations to the CLI.
//
// Directly grounded on the teacher's Mux/MuxClient (mux_server.go,
// mux_client.go): same unix-socket-over-HTTP transport, same lock-file +
// signal-driven shutdown sequence, same writeJSON/writeJSONError request
// helpers. The start, stop and install handlers are additionally wrapped
// in an OTel span (spec.md
// DOMAIN STACK addition - the teacher has no tracing, but the rest of the
// pack's go.mod already carries the OTel stack for it).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banksean/appman/internal/am"
	"github.com/banksean/appman/internal/appmanager"
	"github.com/banksean/appman/internal/installer"
	"github.com/banksean/appman/internal/telemetry"
)

const (
	defaultSocketFile = "appmand.sock"
	defaultLockFile   = "appmand.lock"
)

// Server is the daemon's control-plane mux.
type Server struct {
	AppBaseDir string
	SocketPath string

	apps    *appmanager.Manager
	install *installer.Pipeline

	listener net.Listener
	lockFile *os.File
	shutdown chan struct{}
}

// NewServer constructs a Server bound to appBaseDir's runtime directory.
func NewServer(appBaseDir string, apps *appmanager.Manager, install *installer.Pipeline) *Server {
	return &Server{
		AppBaseDir: appBaseDir,
		SocketPath: filepath.Join(appBaseDir, defaultSocketFile),
		apps:       apps,
		install:    install,
	}
}

// Serve acquires the daemon lock, starts the HTTP server on the unix
// socket, and blocks until shutdown (spec.md §5 "control plane is a
// single-threaded, event-driven core").
func (s *Server) Serve(ctx context.Context) error {
	lockFilePath := filepath.Join(s.AppBaseDir, defaultLockFile)
	lockFile, err := acquireLock(lockFilePath)
	if err != nil {
		return err
	}
	s.lockFile = lockFile

	os.Remove(s.SocketPath)
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}
	s.listener = listener
	s.shutdown = make(chan struct{})

	go s.waitForShutdown(ctx)
	go s.serveHTTP()

	<-s.shutdown
	return nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("control: another daemon instance holds the lock: %w", err)
	}
	return f, nil
}

func (s *Server) waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		s.Shutdown(ctx)
	case <-sigChan:
		s.Shutdown(ctx)
	case <-s.shutdown:
	}
}

// Shutdown stops accepting connections, releases the lock, and signals
// Serve to return. Idempotent.
func (s *Server) Shutdown(ctx context.Context) {
	select {
	case <-s.shutdown:
		return
	default:
	}

	s.apps.Shutdown(ctx)
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.SocketPath)
	if s.lockFile != nil {
		syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		s.lockFile.Close()
		os.Remove(filepath.Join(s.AppBaseDir, defaultLockFile))
	}
	close(s.shutdown)
}

func (s *Server) serveHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/show", s.handleShow)
	mux.HandleFunc("/start", s.traced("start-application", s.handleStart))
	mux.HandleFunc("/stop", s.traced("stop-application", s.handleStop))
	mux.HandleFunc("/install", s.traced("install-package", s.handleInstall))

	(&http.Server{Handler: mux}).Serve(s.listener)
}

func (s *Server) traced(spanName string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer("appman/control").Start(r.Context(), spanName)
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func httpStatusForKind(k am.Kind) int {
	switch k {
	case am.KindNotInstalled:
		return http.StatusNotFound
	case am.KindLocked, am.KindAlreadyInstalled:
		return http.StatusConflict
	case am.KindIO, am.KindParse:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "pong"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Shutdown(r.Context())
	}()
}

// ApplicationView mirrors the model roles listed in spec.md §4.I.
type ApplicationView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	IsRunning      bool   `json:"isRunning"`
	IsStartingUp   bool   `json:"isStartingUp"`
	IsShuttingDown bool   `json:"isShuttingDown"`
	IsBlocked      bool   `json:"isBlocked"`
	Version        string `json:"version"`
	LastExitCode   int    `json:"lastExitCode"`
}

func toView(a *appmanager.Application) ApplicationView {
	state := a.State()
	return ApplicationView{
		ID:             a.ID,
		Name:           a.Name,
		IsRunning:      state == appmanager.Running,
		IsStartingUp:   state == appmanager.StartingUp,
		IsShuttingDown: state == appmanager.ShuttingDown,
		IsBlocked:      a.IsBlocked,
		Version:        a.Version,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	apps := s.apps.List()
	views := make([]ApplicationView, 0, len(apps))
	for _, a := range apps {
		views = append(views, toView(a))
	}
	writeJSON(w, views)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	app, ok := s.apps.Get(id)
	if !ok {
		writeJSONError(w, fmt.Errorf("unknown application %q", id), http.StatusNotFound)
		return
	}
	writeJSON(w, toView(app))
}

type startArgs struct {
	ApplicationID string `json:"id"`
	DocumentURL   string `json:"documentUrl"`
	DebugSpec     string `json:"debugSpec"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var args startArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	err := s.apps.Start(r.Context(), appmanager.StartRequest{
		ApplicationID: args.ApplicationID,
		DocumentURL:   args.DocumentURL,
		DebugSpec:     args.DebugSpec,
	})
	if err != nil {
		writeJSONError(w, err, httpStatusForKind(am.KindOf(err)))
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

type stopArgs struct {
	ApplicationID string `json:"id"`
	ForceKill     bool   `json:"forceKill"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var args stopArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}
	if err := s.apps.Stop(r.Context(), args.ApplicationID, args.ForceKill); err != nil {
		writeJSONError(w, err, httpStatusForKind(am.KindOf(err)))
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

type installArgs struct {
	ArchivePath string `json:"archivePath"`
	Trusted     bool   `json:"trusted"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var args installArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJSONError(w, err, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("appman.archive_path", args.ArchivePath))

	var task *installer.Task
	if args.Trusted {
		task = s.install.StartTrustedInstall(r.Context(), installer.FileSource{Path: args.ArchivePath})
	} else {
		task = s.install.StartInstall(r.Context(), installer.FileSource{Path: args.ArchivePath})
	}
	task.Acknowledge()
	for task.State() != installer.StateFinished && task.State() != installer.StateFailed {
		time.Sleep(10 * time.Millisecond)
	}
	if task.State() == installer.StateFailed {
		span.SetStatus(codes.Error, "install failed")
		writeJSONError(w, task.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "installed", "taskId": task.ID, "packageId": task.PackageID})
}
