package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copilot-relay/internal/config"
	"copilot-relay/internal/launcher"
	"copilot-relay/internal/protocol"
)

const readChunkSize = 32 * 1024

// Sink receives the events of one invocation. Implementations must be
// safe for concurrent use; stdout and stderr are forwarded from
// separate goroutines.
type Sink interface {
	Send(ev protocol.Event)
}

// Starter spawns the assistant process for a prompt.
type Starter interface {
	Start(ctx context.Context, prompt string) (*launcher.Process, error)
}

// Options tune how invocations are reported.
type Options struct {
	// Classifier for stderr chunks. Nil uses DefaultRules.
	Classifier *Classifier
	// EmptySuccess is config.EmptySuccessSilent or config.EmptySuccessComplete.
	EmptySuccess string
}

// Relay runs invocations and forwards their output to a Sink.
type Relay struct {
	starter      Starter
	classifier   *Classifier
	emptySuccess string
	logger       *zap.Logger
}

// New creates a relay.
func New(starter Starter, logger *zap.Logger, opts Options) *Relay {
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if opts.EmptySuccess == "" {
		opts.EmptySuccess = config.EmptySuccessSilent
	}
	return &Relay{
		starter:      starter,
		classifier:   classifier,
		emptySuccess: opts.EmptySuccess,
		logger:       logger,
	}
}

// State is the lifecycle position of an invocation.
type State string

const (
	StateRunning      State = "running"
	StateTerminated   State = "terminated"
	StateLaunchFailed State = "launch_failed"
)

// Invocation is one execution of the assistant for one prompt.
type Invocation struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	StartedAt time.Time `json:"startedAt"`

	mu       sync.Mutex
	state    State
	exitCode int
	terminal bool

	stdout strings.Builder
	stderr strings.Builder
}

// NewInvocation creates an invocation in the running state.
func NewInvocation(prompt string) *Invocation {
	return &Invocation{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		StartedAt: time.Now().UTC(),
		state:     StateRunning,
	}
}

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// ExitCode returns the exit code once terminated.
func (inv *Invocation) ExitCode() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.exitCode
}

// Stdout returns accumulated stdout. Only stable after Run returns.
func (inv *Invocation) Stdout() string {
	return inv.stdout.String()
}

// Stderr returns accumulated stderr. Only stable after Run returns.
func (inv *Invocation) Stderr() string {
	return inv.stderr.String()
}

// finish emits ev as the terminal event unless one was already sent.
func (inv *Invocation) finish(sink Sink, state State, code int, ev *protocol.Event) bool {
	inv.mu.Lock()
	if inv.terminal {
		inv.mu.Unlock()
		return false
	}
	inv.terminal = true
	inv.state = state
	inv.exitCode = code
	inv.mu.Unlock()

	if ev != nil {
		sink.Send(*ev)
	}
	return true
}

// Run executes inv and blocks until it reaches a final state. Every
// stream event is sent before the terminal event; at most one terminal
// event is sent.
func (r *Relay) Run(ctx context.Context, inv *Invocation, sink Sink) {
	log := r.logger.With(zap.String("invocation", inv.ID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("invocation panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			ev := protocol.Error(fmt.Sprintf("Internal error: %v", rec))
			inv.finish(sink, StateTerminated, -1, &ev)
		}
	}()

	log.Info("executing copilot", zap.String("prompt", inv.Prompt))

	proc, err := r.starter.Start(ctx, inv.Prompt)
	if err != nil {
		log.Error("failed to start copilot", zap.Error(err))
		ev := protocol.LaunchError(err)
		inv.finish(sink, StateLaunchFailed, -1, &ev)
		return
	}
	log = log.With(zap.Int("pid", proc.Pid()))

	var (
		wg       sync.WaitGroup
		panicMu  sync.Mutex
		panicked any
	)
	forward := func(stream string, rd io.Reader, emit func(string)) {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("stream forwarding panicked",
					zap.String("stream", stream),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				panicMu.Lock()
				if panicked == nil {
					panicked = rec
				}
				panicMu.Unlock()
				// Keep the child from blocking on a full pipe.
				io.Copy(io.Discard, rd)
			}
		}()
		if err := pump(rd, emit); err != nil {
			log.Warn(stream+" read error", zap.Error(err))
		}
	}

	wg.Add(2)
	go forward("stdout", proc.Stdout, func(chunk string) {
		inv.stdout.WriteString(chunk)
		log.Debug("copilot stdout", zap.String("chunk", chunk))
		sink.Send(protocol.Output(chunk))
	})
	go forward("stderr", proc.Stderr, func(chunk string) {
		inv.stderr.WriteString(chunk)
		log.Warn("copilot stderr", zap.String("chunk", chunk))
		sink.Send(r.classifier.Event(chunk))
	})
	wg.Wait()

	code, err := proc.Wait()
	if err != nil {
		log.Error("wait failed", zap.Error(err))
	}

	log = log.With(
		zap.Int("exit_code", code),
		zap.Duration("duration", time.Since(inv.StartedAt)),
		zap.Int("stdout_bytes", inv.stdout.Len()),
		zap.Int("stderr_bytes", inv.stderr.Len()))

	if panicked != nil {
		ev := protocol.Error(fmt.Sprintf("Internal error: %v", panicked))
		inv.finish(sink, StateTerminated, code, &ev)
		return
	}
	r.terminate(log, inv, sink, code)
}

func (r *Relay) terminate(log *zap.Logger, inv *Invocation, sink Sink, code int) {
	switch {
	case code != 0:
		log.Info("copilot exited with error")
		ev := protocol.ExitError(code)
		inv.finish(sink, StateTerminated, code, &ev)

	case strings.TrimSpace(inv.Stdout()) != "":
		log.Info("copilot completed")
		ev := protocol.Complete()
		inv.finish(sink, StateTerminated, code, &ev)

	case r.emptySuccess == config.EmptySuccessComplete:
		log.Warn("copilot completed without output")
		ev := protocol.EmptyComplete()
		inv.finish(sink, StateTerminated, code, &ev)

	default:
		log.Warn("copilot completed without output; no terminal event sent")
		inv.finish(sink, StateTerminated, code, nil)
	}
}

// pump reads r until EOF and hands each chunk to emit in read order.
// A rune split across reads is held back until it is complete.
func pump(r io.Reader, emit func(string)) error {
	buf := make([]byte, readChunkSize)
	var carry []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completeUTF8(data)
			if cut > 0 {
				emit(string(data[:cut]))
			}
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				emit(string(carry))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// completeUTF8 returns the length of the prefix of b that does not end
// in a truncated multi-byte sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
