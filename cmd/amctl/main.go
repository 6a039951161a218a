// Command amctl is the installer-controller CLI for the application-
// manager daemon (spec.md §6 CLI surface). It talks to amd over its
// control-plane unix socket via internal/control.Client.
//
// Flag/subcommand shape grounded on the teacher's cmd/sand/*.go files
// (one struct-per-subcommand with a Run(*Context) method, kong.Parse at
// main). Exit codes follow spec.md §6 exactly: 0 success, 1 usage error,
// 2 remote failure, 3 internal exception.
//
// Registers a hidden "completion" command via jotaen/kong-completion so
// shells can generate bash/zsh/fish completion scripts for this CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/mattn/go-isatty"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/banksean/appman/internal/control"
	"github.com/banksean/appman/version"
)

const (
	exitSuccess = 0
	exitUsage   = 1
	exitRemote  = 2
	exitInternal = 3
)

type Context struct {
	Client *control.Client
}

type CLI struct {
	AppBaseDir string `placeholder:"<dir>" help:"daemon runtime directory, must match amd's. Defaults to ~/.local/share/appman"`

	InstallPackage  InstallPackageCmd  `cmd:"" name:"install-package" help:"install a package archive"`
	StartApp        StartAppCmd        `cmd:"" name:"start-application" help:"start an application"`
	DebugApp        DebugAppCmd        `cmd:"" name:"debug-application" help:"start an application under a debug wrapper"`
	StopApp         StopAppCmd         `cmd:"" name:"stop-application" help:"stop an application"`
	ListApps        ListAppsCmd        `cmd:"" name:"list-applications" help:"list all applications"`
	ShowApp         ShowAppCmd         `cmd:"" name:"show-application" help:"show one application's state"`

	Version kong.VersionFlag `help:"print version and exit"`
}

type InstallPackageCmd struct {
	File    string `arg:"" help:"path to the package archive, or - for stdin"`
	Trusted bool   `help:"require a valid store signature instead of the daemon's ordinary signature policy"`
}

func (c *InstallPackageCmd) Run(cctx *Context) error {
	if c.File == "-" {
		tmp, err := os.CreateTemp("", "amctl-install-*.appkg")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.ReadFrom(os.Stdin); err != nil {
			tmp.Close()
			return err
		}
		tmp.Close()
		c.File = tmp.Name()
	}

	if fi, err := os.Stat(c.File); err == nil {
		fmt.Printf("installing %s (%s)...\n", c.File, humanize.Bytes(uint64(fi.Size())))
	}

	taskID, packageID, err := cctx.Client.InstallPackage(context.Background(), c.File, c.Trusted)
	if err != nil {
		return err
	}
	fmt.Printf("installed %s (task %s)\n", packageID, taskID)
	return nil
}

type StartAppCmd struct {
	ID  string `arg:"" help:"application id"`
	URL string `arg:"" optional:"" help:"document url to open"`
}

func (c *StartAppCmd) Run(cctx *Context) error {
	return cctx.Client.StartApplication(context.Background(), c.ID, c.URL, "")
}

type DebugAppCmd struct {
	Wrapper string `arg:"" help:"debug wrapper grammar, e.g. 'gdb --args %program% %arguments%'"`
	ID      string `arg:"" help:"application id"`
	URL     string `arg:"" optional:"" help:"document url to open"`

	InheritStdin  bool `short:"i" help:"inherit stdin from the controlling terminal (not forwarded to the daemon)"`
	InheritStdout bool `short:"o" help:"inherit stdout from the controlling terminal (not forwarded to the daemon)"`
	InheritStderr bool `short:"e" help:"inherit stderr from the controlling terminal (not forwarded to the daemon)"`
}

func (c *DebugAppCmd) Run(cctx *Context) error {
	// When the caller didn't explicitly request any stdio inheritance,
	// default each -i/-o/-e flag (spec.md §6) to whether that stream is a
	// terminal. The flags are not sent to the daemon: StartApplication
	// carries no stdio settings, so the application's stdio is the same
	// with or without them.
	if !c.InheritStdin && !c.InheritStdout && !c.InheritStderr {
		c.InheritStdin = isatty.IsTerminal(os.Stdin.Fd())
		c.InheritStdout = isatty.IsTerminal(os.Stdout.Fd())
		c.InheritStderr = isatty.IsTerminal(os.Stderr.Fd())
	}
	return cctx.Client.StartApplication(context.Background(), c.ID, c.URL, c.Wrapper)
}

type StopAppCmd struct {
	ID        string `arg:"" help:"application id"`
	ForceKill bool   `help:"send SIGKILL instead of requesting a graceful stop"`
}

func (c *StopAppCmd) Run(cctx *Context) error {
	return cctx.Client.StopApplication(context.Background(), c.ID, c.ForceKill)
}

type ListAppsCmd struct{}

func (c *ListAppsCmd) Run(cctx *Context) error {
	views, err := cctx.Client.ListApplications(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tVERSION\t")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", v.ID, stateOf(v), v.Version)
	}
	return w.Flush()
}

type ShowAppCmd struct {
	ID string `arg:"" help:"application id"`
}

func (c *ShowAppCmd) Run(cctx *Context) error {
	v, err := cctx.Client.ShowApplication(context.Background(), c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("id: %s\n", v.ID)
	fmt.Printf("name: %s\n", v.Name)
	fmt.Printf("state: %s\n", stateOf(v))
	fmt.Printf("blocked: %v\n", v.IsBlocked)
	fmt.Printf("version: %s\n", v.Version)
	fmt.Printf("lastExitCode: %d\n", v.LastExitCode)
	return nil
}

func stateOf(v control.ApplicationView) string {
	switch {
	case v.IsStartingUp:
		return "StartingUp"
	case v.IsRunning:
		return "Running"
	case v.IsShuttingDown:
		return "ShuttingDown"
	default:
		return "NotRunning"
	}
}

func defaultAppBaseDir() string {
	homeDir, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share", "appman")
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Description("Control the application-manager daemon."),
		kong.Vars{"version": version.Get().String()},
	)
	kongcompletion.Register(parser)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	baseDir := cli.AppBaseDir
	if baseDir == "" {
		baseDir = defaultAppBaseDir()
	}
	client := control.NewClient(filepath.Join(baseDir, "appmand.sock"))

	if err := client.Ping(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "amctl: daemon not reachable: %v\n", err)
		os.Exit(exitRemote)
	}

	err = kctx.Run(&Context{Client: client})
	if err == nil {
		os.Exit(exitSuccess)
	}
	fmt.Fprintf(os.Stderr, "amctl: %v\n", err)

	// A RemoteError means the daemon itself rejected the request (e.g.
	// start-application refused because the app is already running); any
	// other error was raised locally in amctl (bad temp file, malformed
	// response) and is a genuine internal exception.
	var remoteErr *control.RemoteError
	if errors.As(err, &remoteErr) {
		os.Exit(exitRemote)
	}
	os.Exit(exitInternal)
}
