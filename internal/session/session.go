package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"copilot-relay/internal/protocol"
	"copilot-relay/internal/relay"
)

const defaultOutboxCap = 256

var (
	ErrSessionBusy     = errors.New("session already has a running invocation")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrMaxSessions     = errors.New("maximum session limit reached")
	ErrIdle            = errors.New("no running invocation")
)

// State represents the lifecycle state of a session.
type State string

const (
	StateIdle   State = "idle"
	StateBusy   State = "busy"
	StateClosed State = "closed"
)

// HistoryEntry is one event delivered to the client.
type HistoryEntry struct {
	InvocationID string         `json:"invocationId,omitempty"`
	Event        protocol.Event `json:"event"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string          `json:"id"`
	RemoteAddr  string          `json:"remoteAddr"`
	ConnectedAt time.Time       `json:"connectedAt"`
	State       State           `json:"state"`
	Invocation  *InvocationInfo `json:"invocation,omitempty"`
}

// InvocationInfo describes the running invocation of a session.
type InvocationInfo struct {
	ID        string      `json:"id"`
	Prompt    string      `json:"prompt"`
	StartedAt time.Time   `json:"startedAt"`
	State     relay.State `json:"state"`
}

// Session is one connected client. It owns at most one running
// invocation and the outbound queue drained by the connection's writer.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	out     chan []byte
	done    chan struct{}
	history *RingBuffer

	// sendMu orders outbox writes with history writes.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
	active *relay.Invocation
	cancel context.CancelFunc
}

func newSession(remoteAddr string, historySize int) *Session {
	return &Session{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().UTC(),
		out:         make(chan []byte, defaultOutboxCap),
		done:        make(chan struct{}),
		history:     NewRingBuffer(historySize),
	}
}

// Outbox yields encoded frames in send order.
func (s *Session) Outbox() <-chan []byte {
	return s.out
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues an event that belongs to no invocation. It blocks while
// the outbox is full and gives up silently once the session is closed.
func (s *Session) Send(ev protocol.Event) {
	s.deliver("", ev)
}

// For returns a sink that tags every event with inv's ID.
func (s *Session) For(inv *relay.Invocation) relay.Sink {
	return invocationSink{sess: s, invID: inv.ID}
}

type invocationSink struct {
	sess  *Session
	invID string
}

func (k invocationSink) Send(ev protocol.Event) {
	k.sess.deliver(k.invID, ev)
}

// deliver enqueues ev and records it in the history under one lock, so
// history order matches the order frames reach the writer.
func (s *Session) deliver(invID string, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- data:
	case <-s.done:
		return
	}

	s.history.Write(HistoryEntry{
		InvocationID: invID,
		Event:        ev,
		Timestamp:    time.Now().UTC(),
	})
}

// Begin claims the session's single invocation slot for inv. The
// returned context is cancelled when the session closes or the
// invocation is cancelled.
func (s *Session) Begin(inv *relay.Invocation) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.active != nil {
		return nil, ErrSessionBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.active = inv
	s.cancel = cancel
	return ctx, nil
}

// End releases the slot held by inv.
func (s *Session) End(inv *relay.Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != inv {
		return
	}
	s.cancel()
	s.active = nil
	s.cancel = nil
}

// CancelInvocation terminates the running invocation, if any. The slot
// is released once the invocation finishes.
func (s *Session) CancelInvocation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return ErrIdle
	}
	s.cancel()
	return nil
}

// Close terminates any running invocation and stops delivery.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

// History returns the most recent delivered events.
func (s *Session) History() []HistoryEntry {
	return s.history.ReadAll()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:          s.ID,
		RemoteAddr:  s.RemoteAddr,
		ConnectedAt: s.ConnectedAt,
		State:       StateIdle,
	}
	switch {
	case s.closed:
		info.State = StateClosed
	case s.active != nil:
		info.State = StateBusy
	}
	if s.active != nil {
		info.Invocation = &InvocationInfo{
			ID:        s.active.ID,
			Prompt:    s.active.Prompt,
			StartedAt: s.active.StartedAt,
			State:     s.active.State(),
		}
	}
	return info
}
