package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/null-create/mdt-mcp/pkg/logger"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := NewStore(Options{
		IdleTimeout: time.Hour,
		ResumeGrace: 2 * time.Minute,
		MaxEvents:   8,
		Clock:       clock,
		Logger:      logger.Discard(),
	})
	return st, clock
}

func newActive(t *testing.T, st *Store) string {
	t.Helper()
	info := st.Create("2025-06-18")
	require.NoError(t, st.Activate(info.ID))
	return info.ID
}

type recordingSink struct {
	events []Event
	full   bool
	closed error
}

func (r *recordingSink) Deliver(ev Event) bool {
	if r.full {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recordingSink) Evict(err error) { r.closed = err }

func payload(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
}

func TestCreateAndActivate(t *testing.T) {
	st, _ := newTestStore(t)

	a := st.Create("2025-06-18")
	b := st.Create("2025-06-18")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
	assert.Equal(t, StateInitializing, a.State)

	require.NoError(t, st.Activate(a.ID))
	info, err := st.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, "2025-06-18", info.ProtocolVersion)
}

func TestActivateErrors(t *testing.T) {
	st, _ := newTestStore(t)

	err := st.Activate("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	id := newActive(t, st)
	require.NoError(t, st.Terminate(id))
	err = st.Activate(id)
	assert.ErrorIs(t, err, ErrTerminated)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, id, serr.ID)
}

func TestTouchUpdatesLastAccess(t *testing.T) {
	st, clock := newTestStore(t)
	id := newActive(t, st)

	clock.Advance(time.Minute)
	require.NoError(t, st.Touch(id))
	info, _ := st.Get(id)
	assert.Equal(t, clock.Now(), info.LastAccessedAt)
}

func TestEnqueueEventIDsMonotonic(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	for i := 1; i <= 5; i++ {
		ev, ok := st.EnqueueEvent(id, payload(i))
		require.True(t, ok)
		assert.Equal(t, uint64(i), ev.ID)
	}

	events, err := st.DrainSince(id, 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].ID)
	assert.Equal(t, uint64(5), events[2].ID)
}

func TestEnqueueEventTerminatedIsSilent(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)
	require.NoError(t, st.Terminate(id))

	_, ok := st.EnqueueEvent(id, payload(1))
	assert.False(t, ok)
	_, ok = st.EnqueueEvent("missing", payload(1))
	assert.False(t, ok)
}

func TestEnqueueEventConcurrent(t *testing.T) {
	st, _ := newTestStore(t)
	st.maxEvents = 1000
	id := newActive(t, st)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.EnqueueEvent(id, payload(i))
		}(i)
	}
	wg.Wait()

	events, err := st.DrainSince(id, 0)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.ID)
	}
}

func TestRetentionWindow(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	for i := 1; i <= 10; i++ {
		st.EnqueueEvent(id, payload(i))
	}
	_, err := st.DrainSince(id, 0)
	assert.ErrorIs(t, err, ErrResumeExpired)

	events, err := st.DrainSince(id, 2)
	require.NoError(t, err)
	assert.Len(t, events, 8)

	_, err = st.DrainSince(id, 11)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestTerminateClearsQueue(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)
	st.EnqueueEvent(id, payload(1))

	sink := &recordingSink{}
	_, err := st.Attach(id, sink, FromDelivered, 0)
	require.NoError(t, err)

	ctx, err := st.Context(id)
	require.NoError(t, err)

	require.NoError(t, st.Terminate(id))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.ErrorIs(t, sink.closed, ErrTerminated)

	_, err = st.DrainSince(id, 0)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, st.Terminate(id), ErrTerminated)
	assert.Equal(t, 0, st.Live())
}

func TestAttachReplaysAndDelivers(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)
	st.EnqueueEvent(id, payload(1))

	sink := &recordingSink{}
	backlog, err := st.Attach(id, sink, FromDelivered, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, uint64(1), backlog[0].ID)

	st.EnqueueEvent(id, payload(2))
	require.Len(t, sink.events, 1)
	assert.Equal(t, uint64(2), sink.events[0].ID)

	// reopen without a cursor only sees events never delivered
	st.Detach(id, sink)
	st.EnqueueEvent(id, payload(3))
	backlog, err = st.Attach(id, &recordingSink{}, FromDelivered, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, uint64(3), backlog[0].ID)
}

func TestAttachReplacesSink(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	first := &recordingSink{}
	_, err := st.Attach(id, first, FromDelivered, 0)
	require.NoError(t, err)

	second := &recordingSink{}
	_, err = st.Attach(id, second, FromCursor, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, first.closed, ErrReplaced)

	st.EnqueueEvent(id, payload(1))
	assert.Empty(t, first.events)
	assert.Len(t, second.events, 1)

	// a stale detach does not remove the newer sink
	st.Detach(id, first)
	st.EnqueueEvent(id, payload(2))
	assert.Len(t, second.events, 2)
}

func TestAttachRequiresActive(t *testing.T) {
	st, _ := newTestStore(t)
	info := st.Create("2025-06-18")

	_, err := st.Attach(info.ID, &recordingSink{}, FromDelivered, 0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSlowSinkDetached(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	sink := &recordingSink{full: true}
	_, err := st.Attach(id, sink, FromDelivered, 0)
	require.NoError(t, err)

	st.EnqueueEvent(id, payload(1))
	events, err := st.DrainSince(id, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// the event is still handed out to the next consumer
	backlog, err := st.Attach(id, &recordingSink{}, FromDelivered, 0)
	require.NoError(t, err)
	assert.Len(t, backlog, 1)
}

func TestResumeGraceWindow(t *testing.T) {
	st, clock := newTestStore(t)
	id := newActive(t, st)

	sink := &recordingSink{}
	_, err := st.Attach(id, sink, FromDelivered, 0)
	require.NoError(t, err)
	st.Detach(id, sink)

	clock.Advance(time.Minute)
	_, err = st.Attach(id, &recordingSink{}, FromCursor, 0)
	require.NoError(t, err, "resume inside the grace window")

	st.Detach(id, nil) // not the live sink, ignored
	info, _ := st.Get(id)
	assert.Equal(t, StateActive, info.State)
}

func TestResumeAfterGraceFails(t *testing.T) {
	st, clock := newTestStore(t)
	id := newActive(t, st)

	sink := &recordingSink{}
	_, err := st.Attach(id, sink, FromDelivered, 0)
	require.NoError(t, err)
	st.Detach(id, sink)

	clock.Advance(3 * time.Minute)
	_, err = st.Attach(id, &recordingSink{}, FromCursor, 0)
	assert.ErrorIs(t, err, ErrResumeExpired)

	info, _ := st.Get(id)
	assert.Equal(t, StateTerminated, info.State)
}

func TestReap(t *testing.T) {
	st, clock := newTestStore(t)

	idle := newActive(t, st)
	dropped := newActive(t, st)
	busy := newActive(t, st)

	sink := &recordingSink{}
	_, err := st.Attach(dropped, sink, FromDelivered, 0)
	require.NoError(t, err)
	st.Detach(dropped, sink)

	clock.Advance(30 * time.Minute)
	require.NoError(t, st.Touch(busy))
	assert.Equal(t, 1, st.Reap(), "dropped stream past grace")

	clock.Advance(31 * time.Minute)
	require.NoError(t, st.Touch(busy))
	assert.Equal(t, 1, st.Reap(), "idle session past timeout")

	info, err := st.Get(idle)
	require.NoError(t, err, "tombstone kept until the next pass")
	assert.Equal(t, StateTerminated, info.State)

	st.Reap()
	_, err = st.Get(idle)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, st.Live())
}

func TestRunReapsOnTick(t *testing.T) {
	st, clock := newTestStore(t)
	newActive(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.Run(ctx, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(2 * time.Hour)
		return st.Live() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestBeginRequestDuplicate(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	_, err := st.BeginRequest(context.Background(), id, "1")
	require.NoError(t, err)
	_, err = st.BeginRequest(context.Background(), id, "1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	assert.True(t, st.EndRequest(id, "1"))
	_, err = st.BeginRequest(context.Background(), id, "1")
	assert.NoError(t, err, "id is reusable once the response is sent")
}

func TestBeginRequestNotActive(t *testing.T) {
	st, _ := newTestStore(t)
	info := st.Create("2025-06-18")

	_, err := st.BeginRequest(context.Background(), info.ID, "1")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCancelRequest(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	ctx, err := st.BeginRequest(context.Background(), id, "7")
	require.NoError(t, err)
	assert.True(t, st.CancelRequest(id, "7"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, st.CancelRequest(id, "8"))
}

func TestTerminateAbandonsInFlight(t *testing.T) {
	st, _ := newTestStore(t)
	id := newActive(t, st)

	ctx, err := st.BeginRequest(context.Background(), id, "1")
	require.NoError(t, err)
	require.NoError(t, st.Terminate(id))

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, st.EndRequest(id, "1"), "result must be discarded")
}

func TestTerminateAll(t *testing.T) {
	st, _ := newTestStore(t)
	newActive(t, st)
	newActive(t, st)
	st.Create("2025-06-18")

	assert.Equal(t, 3, st.Live())
	assert.Equal(t, 3, st.TerminateAll())
	assert.Equal(t, 0, st.Live())
}
