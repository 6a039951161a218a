package runtime

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ProcessBackend launches application code as a plain OS process, optionally
// backed by a pseudo-terminal so interactive applications get normal
// line-discipline behavior (spec.md §6 "debug wrapper" scenarios rely on
// this). Grounded on ContainerSvc.Exec's pty-vs-passthrough branch in the
// teacher's containers.go.
type ProcessBackend struct {
	// Interpreter, if set, is prepended to CodeFilePath as argv[0]
	// (e.g. "qmlscene" for the "qml" runtime, empty for "native").
	Interpreter string
	UsePTY      bool
	Stdout      io.Writer
	Stderr      io.Writer
}

func (b *ProcessBackend) InProcess() bool { return false }

func (b *ProcessBackend) Start(ctx context.Context, req StartRequest) (Process, error) {
	argv := []string{}
	if b.Interpreter != "" {
		argv = append(argv, req.CodeFilePath)
	}
	if req.Document != "" {
		argv = append(argv, req.Document)
	}

	var cmd *exec.Cmd
	if b.Interpreter != "" {
		cmd = exec.CommandContext(ctx, b.Interpreter, argv...)
	} else {
		cmd = exec.CommandContext(ctx, req.CodeFilePath, argv...)
	}
	cmd.Dir = req.BaseDir
	cmd.Env = envFromParameters(req.Parameters)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pp := &processHandle{done: make(chan struct{})}

	if b.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		pp.ptmx = ptmx
		out := b.Stdout
		if out == nil {
			out = io.Discard
		}
		go io.Copy(out, ptmx)
	} else {
		cmd.Stdout = orDiscard(b.Stdout)
		cmd.Stderr = orDiscard(b.Stderr)
		if err := cmd.Start(); err != nil {
			return nil, err
		}
	}

	pp.cmd = cmd
	go pp.wait()
	return pp, nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func envFromParameters(p Parameters) []string {
	env := os.Environ()
	for k, v := range p {
		env = append(env, k+"="+v)
	}
	return env
}

type processHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
	crashed  bool
	waitErr  error
}

func (p *processHandle) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		p.crashed = ws.Signaled()
	}
	p.mu.Unlock()
	if p.ptmx != nil {
		p.ptmx.Close()
	}
	close(p.done)
}

func (p *processHandle) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *processHandle) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *processHandle) Wait(ctx context.Context) (int, bool, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.crashed, nil
}
