// Command amd is the application-manager daemon: it owns the package
// database, the installation pipeline, the application manager, and the
// control-plane socket that amctl talks to.
//
// Grounded on the teacher's cmd/sand/main.go kong bootstrap - flag shape,
// initSlog, and appHomeDir all follow that file's pattern, generalized
// from a single-purpose sandbox CLI into a long-running daemon process.
//
// Flags can also be supplied via a YAML config file (alecthomas/kong-yaml)
// so amd can be deployed with a static config instead of a long argv.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	homedir "github.com/mitchellh/go-homedir"
	"golang.org/x/term"

	"github.com/banksean/appman/internal/appmanager"
	"github.com/banksean/appman/internal/container"
	"github.com/banksean/appman/internal/control"
	"github.com/banksean/appman/internal/installer"
	"github.com/banksean/appman/internal/logging"
	"github.com/banksean/appman/internal/packagedb"
	"github.com/banksean/appman/internal/quicklaunch"
	"github.com/banksean/appman/internal/runtime"
	"github.com/banksean/appman/internal/store"
	"github.com/banksean/appman/internal/sysmon"
	"github.com/banksean/appman/internal/telemetry"
	"github.com/banksean/appman/version"
)

type CLI struct {
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"location of log file (empty logs to stderr)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`

	AppBaseDir     string `placeholder:"<dir>" help:"daemon runtime directory (sockets, lock file, sqlite store). Defaults to ~/.local/share/appman"`
	BuiltinAppsDir string `placeholder:"<dir>" help:"root directory scanned for built-in application packages"`
	InstalledDir   string `placeholder:"<dir>" help:"directory holding installed package updates"`
	CacheDir       string `placeholder:"<dir>" help:"directory for the package-database parse cache"`
	CollectorAddr  string `placeholder:"<host:port>" help:"OTLP gRPC collector address, empty disables tracing"`

	CPUIdleThreshold float64 `default:"0.8" help:"defer quick-launch pool rebuilds while sampled system CPU load exceeds this fraction of total CPU time"`

	AllowUnsignedPackages bool   `help:"accept packages carrying no developer signature (untrusted installs only)"`
	DeveloperPublicKey    string `placeholder:"<base64>" help:"base64 ed25519 public key checked against a package's developer signature"`
	StorePublicKey        string `placeholder:"<base64>" help:"base64 ed25519 public key checked against a package's store signature, required for trusted installs"`

	Config kong.ConfigFlag `placeholder:"<path>" help:"path to a YAML config file providing defaults for the flags above"`

	Version kong.VersionFlag `help:"print version and exit"`
}

func decodePublicKey(b64 string) (ed25519.PublicKey, error) {
	if b64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func appBaseDir(override string) (string, error) {
	if override != "" {
		return override, os.MkdirAll(override, 0o755)
	}
	homeDir, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".local", "share", "appman")
	return dir, os.MkdirAll(dir, 0o755)
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Description("Run the application-manager daemon."),
		kong.Configuration(kongyaml.Loader, "/etc/appman/amd.yaml", "~/.config/appman/amd.yaml"),
		kong.Vars{"version": version.Get().String()},
	)

	logging.New(logging.Options{FilePath: cli.LogFile, Level: logging.ParseLevel(cli.LogLevel)})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	baseDir, err := appBaseDir(cli.AppBaseDir)
	if err != nil {
		slog.Error("resolving app base dir", "error", err)
		os.Exit(1)
	}
	if cli.BuiltinAppsDir == "" {
		cli.BuiltinAppsDir = filepath.Join(baseDir, "apps")
	}
	if cli.InstalledDir == "" {
		cli.InstalledDir = filepath.Join(baseDir, "installed")
	}
	if cli.CacheDir == "" {
		cli.CacheDir = filepath.Join(baseDir, "cache")
	}
	os.MkdirAll(cli.BuiltinAppsDir, 0o755)
	os.MkdirAll(cli.InstalledDir, 0o755)
	os.MkdirAll(cli.CacheDir, 0o755)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:   "appman-daemon",
		CollectorAddr: cli.CollectorAddr,
	})
	if err != nil {
		slog.Error("telemetry setup", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	db := packagedb.NewDatabase([]string{cli.BuiltinAppsDir}, cli.InstalledDir, "", cli.CacheDir, nil)
	if err := db.Parse(ctx, packagedb.LocationBuiltin|packagedb.LocationInstalled); err != nil {
		slog.Error("parsing package database", "error", err)
		os.Exit(1)
	}

	cf := container.NewFactory()
	if err := cf.Register("process", &container.ProcessBackend{BaseDir: filepath.Join(baseDir, "containers")}); err != nil {
		slog.Error("registering container backend", "error", err)
		os.Exit(1)
	}
	rf := runtime.NewFactory()
	// Mirrors the teacher's checkTerminal/term.IsTerminal gate in
	// containers.go's Exec path: a pty is only worth allocating for debug
	// wrapper output when amd itself has a controlling terminal to begin
	// with (interactive development), not when it's run as a detached
	// daemon under a service manager.
	if err := rf.Register("native", &runtime.ProcessBackend{UsePTY: term.IsTerminal(int(os.Stdin.Fd()))}); err != nil {
		slog.Error("registering runtime backend", "error", err)
		os.Exit(1)
	}
	pool := quicklaunch.NewPool(cf, rf, 2)

	sysMon := sysmon.NewMonitor(nil, nil, 4)
	var cpuLoad atomic.Value
	cpuLoad.Store(float64(0))
	sysMon.OnSample(func(s sysmon.Sample) { cpuLoad.Store(s.CPULoad) })
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				sysMon.Close()
				return
			case <-ticker.C:
				sysMon.Update()
			}
		}
	}()
	pool.SetCPUIdleGate(quicklaunch.CPUIdleGate{
		Threshold: cli.CPUIdleThreshold,
		Load:      func() float64 { v, _ := cpuLoad.Load().(float64); return v },
	})

	apps := appmanager.NewManager(db, cf, rf, pool)
	pipeline := installer.NewPipeline(cli.InstalledDir, nil, db, 2)

	devKey, err := decodePublicKey(cli.DeveloperPublicKey)
	if err != nil {
		slog.Error("parsing developer public key", "error", err)
		os.Exit(1)
	}
	storeKey, err := decodePublicKey(cli.StorePublicKey)
	if err != nil {
		slog.Error("parsing store public key", "error", err)
		os.Exit(1)
	}
	pipeline.SetSignaturePolicy(installer.SignaturePolicy{
		AllowUnsigned: cli.AllowUnsignedPackages,
		DeveloperKey:  devKey,
		StoreKey:      storeKey,
	})

	st, err := store.Open(filepath.Join(baseDir, "appman.db"))
	if err != nil {
		slog.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := control.NewServer(baseDir, apps, pipeline)
	slog.Info("amd starting", "socket", srv.SocketPath)
	if err := srv.Serve(ctx); err != nil {
		slog.Error("control server exited with error", "error", err)
		os.Exit(1)
	}
}
