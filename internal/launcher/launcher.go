package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultGracefulTimeout = 5 * time.Second

// Launcher starts one assistant process per prompt.
type Launcher struct {
	spec    Spec
	grace   time.Duration
	clock   clock.Clock
	environ func() []string
}

// Option customises a Launcher.
type Option func(*Launcher)

// WithClock replaces the clock driving the kill grace timer.
func WithClock(c clock.Clock) Option {
	return func(l *Launcher) { l.clock = c }
}

// WithEnviron replaces the base environment source (os.Environ).
func WithEnviron(fn func() []string) Option {
	return func(l *Launcher) { l.environ = fn }
}

// New creates a launcher. A zero grace uses the default.
func New(spec Spec, grace time.Duration, opts ...Option) *Launcher {
	if grace <= 0 {
		grace = defaultGracefulTimeout
	}
	l := &Launcher{
		spec:    spec,
		grace:   grace,
		clock:   clock.New(),
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Process is a running assistant invocation. Callers must drain Stdout
// and Stderr to EOF before calling Wait.
type Process struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd   *exec.Cmd
	clock clock.Clock
	grace time.Duration

	mu         sync.Mutex
	exited     bool
	killTimer  *clock.Timer
	stopCtx    func() bool
	terminated bool
}

// Start spawns the executable for prompt. Cancelling ctx terminates the
// process the same way Terminate does.
func (l *Launcher) Start(ctx context.Context, prompt string) (*Process, error) {
	cmd := exec.Command(l.spec.Binary, l.spec.Args(prompt)...)
	cmd.Env = l.spec.Env(l.environ())
	cmd.Dir = l.spec.WorkDir
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		clock:  l.clock,
		grace:  l.grace,
	}
	p.stopCtx = context.AfterFunc(ctx, p.Terminate)
	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code. A
// process killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()
	p.stopCtx()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for copilot: %w", err)
}

// Terminate interrupts the process group and kills it if the leader is
// still running after the grace period. The kill also closes the read
// ends of the pipes, so readers return even if a process that left the
// group still holds the write ends. Repeated calls are no-ops.
func (p *Process) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.terminated {
		return
	}
	p.terminated = true

	if err := interruptGroup(p.cmd); err != nil {
		p.kill()
		return
	}

	p.killTimer = p.clock.AfterFunc(p.grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.exited {
			p.kill()
		}
	})
}

// kill must be called with p.mu held.
func (p *Process) kill() {
	if err := killGroup(p.cmd); err != nil {
		p.cmd.Process.Kill()
	}
	p.Stdout.Close()
	p.Stderr.Close()
}
