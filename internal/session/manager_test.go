package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot-relay/internal/protocol"
	"copilot-relay/internal/relay"
)

func TestManager_OpenAndGet(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, err := mgr.Open("127.0.0.1:5000")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	got, err := mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	list := mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, StateIdle, list[0].State)
	assert.Equal(t, "127.0.0.1:5000", list[0].RemoteAddr)
}

func TestManager_MaxSessionsLimit(t *testing.T) {
	mgr := NewManager(1, 10)
	_, err := mgr.Open("a")
	require.NoError(t, err)

	_, err = mgr.Open("b")
	assert.ErrorIs(t, err, ErrMaxSessions)
}

func TestManager_GetNotFound(t *testing.T) {
	mgr := NewManager(0, 10)
	_, err := mgr.Get("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_CloseRemoves(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")

	require.NoError(t, mgr.Close(sess.ID))
	assert.Empty(t, mgr.List())
	assert.ErrorIs(t, mgr.Close(sess.ID), ErrSessionNotFound)

	select {
	case <-sess.Done():
	default:
		t.Fatal("session not closed")
	}
}

func TestManager_ShutdownClosesAll(t *testing.T) {
	mgr := NewManager(0, 10)
	a, _ := mgr.Open("a")
	b, _ := mgr.Open("b")

	mgr.Shutdown()

	assert.Empty(t, mgr.List())
	assert.Equal(t, StateClosed, a.Info().State)
	assert.Equal(t, StateClosed, b.Info().State)
}

func TestSession_SingleSlot(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")

	first := relay.NewInvocation("one")
	ctx, err := sess.Begin(first)
	require.NoError(t, err)

	_, err = sess.Begin(relay.NewInvocation("two"))
	assert.ErrorIs(t, err, ErrSessionBusy)

	info := sess.Info()
	assert.Equal(t, StateBusy, info.State)
	require.NotNil(t, info.Invocation)
	assert.Equal(t, "one", info.Invocation.Prompt)

	// Ending someone else's invocation is a no-op.
	sess.End(relay.NewInvocation("other"))
	assert.Equal(t, StateBusy, sess.Info().State)

	sess.End(first)
	assert.Error(t, ctx.Err())
	assert.Equal(t, StateIdle, sess.Info().State)

	_, err = sess.Begin(relay.NewInvocation("three"))
	assert.NoError(t, err)
}

func TestSession_CloseCancelsInvocation(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")

	ctx, err := sess.Begin(relay.NewInvocation("one"))
	require.NoError(t, err)

	sess.Close()
	sess.Close()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("invocation context not cancelled")
	}

	_, err = sess.Begin(relay.NewInvocation("two"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_CancelInvocation(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")

	assert.ErrorIs(t, sess.CancelInvocation(), ErrIdle)

	ctx, _ := sess.Begin(relay.NewInvocation("one"))
	require.NoError(t, sess.CancelInvocation())
	assert.Error(t, ctx.Err())
}

func TestSession_SendQueuesAndRecords(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")

	inv := relay.NewInvocation("one")
	_, err := sess.Begin(inv)
	require.NoError(t, err)

	sess.For(inv).Send(protocol.Output("Hi there"))

	select {
	case frame := <-sess.Outbox():
		assert.JSONEq(t, `{"type":"output","data":"Hi there"}`, string(frame))
	default:
		t.Fatal("expected queued frame")
	}

	history := sess.History()
	require.Len(t, history, 1)
	assert.Equal(t, inv.ID, history[0].InvocationID)
	assert.Equal(t, protocol.Output("Hi there"), history[0].Event)
}

func TestSession_SendAfterCloseDoesNotBlock(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")
	sess.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultOutboxCap+10; i++ {
			sess.Send(protocol.Output("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a closed session")
	}
}

func TestSession_SendIsUntagged(t *testing.T) {
	mgr := NewManager(0, 10)
	sess, _ := mgr.Open("a")

	inv := relay.NewInvocation("one")
	_, err := sess.Begin(inv)
	require.NoError(t, err)

	sess.For(inv).Send(protocol.Output("working"))
	sess.Send(protocol.Error(protocol.BusyMessage))

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, inv.ID, history[0].InvocationID)
	assert.Empty(t, history[1].InvocationID)
	assert.Equal(t, protocol.Error(protocol.BusyMessage), history[1].Event)
}

func TestSession_HistoryMatchesOutboxOrder(t *testing.T) {
	const perWriter = 50
	mgr := NewManager(0, 2*perWriter)
	sess, _ := mgr.Open("a")
	inv := relay.NewInvocation("one")

	var wg sync.WaitGroup
	for _, stream := range []string{"out", "err"} {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			sink := sess.For(inv)
			for i := 0; i < perWriter; i++ {
				sink.Send(protocol.Output(fmt.Sprintf("%s-%d", stream, i)))
			}
		}(stream)
	}
	wg.Wait()

	history := sess.History()
	require.Len(t, history, 2*perWriter)
	for i, entry := range history {
		frame := <-sess.Outbox()
		want, err := entry.Event.Encode()
		require.NoError(t, err)
		assert.Equal(t, string(want), string(frame), "position %d", i)
	}
}
