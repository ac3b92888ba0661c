package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// Exit is the outcome of a pipeline instance that was started successfully.
type Exit struct {
	Code  int    // -1 when terminated by a signal or when no status is available
	State string // human readable process state, e.g. "exit status 1"
	Err   error  // wait error other than a non-zero status, if any
}

// Process is one live pipeline instance. It is owned by a single supervisor
// and never reused across restarts.
type Process interface {
	// ID is unique per launch.
	ID() string
	PID() int
	// Diagnostics streams the recorder's error channel. The reader reaches
	// EOF once the process and everything it spawned closed the channel.
	Diagnostics() io.ReadCloser
	// Wait blocks until the process exits.
	Wait() Exit
}

// Launcher starts pipeline instances.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs the recorder as an OS child process. When ctx is
// cancelled the child receives SIGINT so it can finalize its current
// segment, and is killed if still alive after StopGrace.
type ExecLauncher struct {
	StopGrace time.Duration
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if spec.Path == "" {
		return nil, errors.New("pipeline executable is empty")
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating diagnostics pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Stdout = nil
	cmd.Stderr = pw
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.StopGrace

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	// The child holds its own copy; the drain sees EOF once the child is gone.
	pw.Close()

	return &execProcess{
		id:   uuid.NewString(),
		cmd:  cmd,
		diag: pr,
	}, nil
}

type execProcess struct {
	id   string
	cmd  *exec.Cmd
	diag *os.File
}

func (p *execProcess) ID() string { return p.id }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Diagnostics() io.ReadCloser { return p.diag }

func (p *execProcess) Wait() Exit {
	err := p.cmd.Wait()
	exit := Exit{Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		exit.State = ps.String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	}
	return exit
}
