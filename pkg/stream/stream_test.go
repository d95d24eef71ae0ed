package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/null-create/mdt-mcp/pkg/logger"
	"github.com/null-create/mdt-mcp/pkg/session"
)

func newController(buffer int) (*Controller, *session.Store) {
	store := session.NewStore(session.Options{
		MaxEvents: 4096,
		Clock:     clockwork.NewFakeClock(),
		Logger:    logger.Discard(),
	})
	return NewController(store, buffer, logger.Discard()), store
}

func activeSession(t require.TestingT, store *session.Store) string {
	info := store.Create("2025-06-18")
	require.NoError(t, store.Activate(info.ID))
	return info.ID
}

func next(t require.TestingT, h *Handle) session.Event {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := h.Next(ctx)
	require.NoError(t, err)
	return ev
}

func assertIdle(t *testing.T, h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushBeforeResume(t *testing.T) {
	ctrl, store := newController(0)
	sid := activeSession(t, store)

	id, err := ctrl.Push(sid, json.RawMessage(`{"msg":"progress"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	h, err := ctrl.Resume(sid, 0)
	require.NoError(t, err)
	ev := next(t, h)
	assert.Equal(t, uint64(1), ev.ID)
	assert.JSONEq(t, `{"msg":"progress"}`, string(ev.Payload))
}

func TestOpenThenLive(t *testing.T) {
	ctrl, store := newController(0)
	sid := activeSession(t, store)

	h, err := ctrl.Open(sid)
	require.NoError(t, err)
	assertIdle(t, h)

	_, err = ctrl.Push(sid, json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next(t, h).ID)
}

func TestOpenRequiresActiveSession(t *testing.T) {
	ctrl, store := newController(0)
	info := store.Create("2025-06-18")

	_, err := ctrl.Open(info.ID)
	assert.ErrorIs(t, err, session.ErrNotActive)

	_, err = ctrl.Open("missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCloseKeepsSession(t *testing.T) {
	ctrl, store := newController(0)
	sid := activeSession(t, store)

	h, err := ctrl.Open(sid)
	require.NoError(t, err)
	ctrl.Close(h)
	assert.ErrorIs(t, h.Err(), ErrClosed)

	_, err = ctrl.Push(sid, json.RawMessage(`"queued"`))
	require.NoError(t, err)

	info, err := store.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, info.State)
	assert.Equal(t, 1, info.Pending)

	h2, err := ctrl.Resume(sid, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next(t, h2).ID)
}

func TestNewStreamReplacesOld(t *testing.T) {
	ctrl, store := newController(0)
	sid := activeSession(t, store)

	old, err := ctrl.Open(sid)
	require.NoError(t, err)
	cur, err := ctrl.Open(sid)
	require.NoError(t, err)

	select {
	case <-old.Done():
	default:
		t.Fatal("old handle still open")
	}
	assert.ErrorIs(t, old.Err(), session.ErrReplaced)

	_, err = ctrl.Push(sid, json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next(t, cur).ID)
}

func TestOverflowClosesHandle(t *testing.T) {
	ctrl, store := newController(2)
	sid := activeSession(t, store)

	h, err := ctrl.Open(sid)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := ctrl.Push(sid, json.RawMessage(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(1), next(t, h).ID)
	assert.Equal(t, uint64(2), next(t, h).ID)
	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)

	h2, err := ctrl.Resume(sid, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next(t, h2).ID)
}

func TestTerminateEndsStream(t *testing.T) {
	ctrl, store := newController(0)
	sid := activeSession(t, store)

	h, err := ctrl.Open(sid)
	require.NoError(t, err)
	require.NoError(t, store.Terminate(sid))

	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, session.ErrTerminated)

	_, err = ctrl.Push(sid, json.RawMessage(`1`))
	assert.ErrorIs(t, err, session.ErrTerminated)
}

// Resuming with the id of the last event seen before a disconnect yields
// exactly the remaining events, in order.
func TestResumptionCompleteness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctrl, store := newController(512)
		sid := activeSession(t, store)

		n := rapid.IntRange(1, 200).Draw(t, "events")
		k := rapid.IntRange(0, n).Draw(t, "disconnectAfter")
		live := rapid.IntRange(0, n-k).Draw(t, "pushedAfterResume")

		h, err := ctrl.Open(sid)
		require.NoError(t, err)
		for i := 1; i <= k; i++ {
			_, err := ctrl.Push(sid, json.RawMessage(fmt.Sprint(i)))
			require.NoError(t, err)
			require.Equal(t, uint64(i), next(t, h).ID)
		}
		ctrl.Close(h)

		for i := k + 1; i <= n-live; i++ {
			_, err := ctrl.Push(sid, json.RawMessage(fmt.Sprint(i)))
			require.NoError(t, err)
		}
		h, err = ctrl.Resume(sid, uint64(k))
		require.NoError(t, err)
		for i := n - live + 1; i <= n; i++ {
			_, err := ctrl.Push(sid, json.RawMessage(fmt.Sprint(i)))
			require.NoError(t, err)
		}

		for i := k + 1; i <= n; i++ {
			ev := next(t, h)
			require.Equal(t, uint64(i), ev.ID)
			require.Equal(t, fmt.Sprint(i), string(ev.Payload))
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = h.Next(ctx)
		require.ErrorIs(t, err, context.Canceled, "no duplicates after the last event")
	})
}
