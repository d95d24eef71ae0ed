// Package stream delivers queued session events to a live consumer and lets
// a reconnecting consumer pick up where it left off.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/null-create/mdt-mcp/pkg/session"
)

var (
	// ErrOverflow closes a handle whose consumer fell too far behind. The
	// events stay queued for a later Resume.
	ErrOverflow = errors.New("stream consumer too slow")
	// ErrClosed is reported by a handle after Controller.Close.
	ErrClosed = errors.New("stream closed")
)

// DefaultBuffer is the number of live events a handle holds before the
// consumer is considered too slow.
const DefaultBuffer = 256

// Controller opens, resumes and feeds per-session event streams on top of
// the session store.
type Controller struct {
	store  *session.Store
	buffer int
	log    *slog.Logger
}

func NewController(store *session.Store, buffer int, log *slog.Logger) *Controller {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store:  store,
		buffer: buffer,
		log:    log.With("component", "stream"),
	}
}

// Open starts a live stream for an active session. Events queued before the
// call that no stream has seen yet are emitted first.
func (c *Controller) Open(sessionID string) (*Handle, error) {
	return c.attach(sessionID, session.FromDelivered, 0)
}

// Resume reattaches after a disconnect. Every event with id > lastSeen is
// replayed in order before live delivery starts; events up to lastSeen are
// discarded from the queue.
func (c *Controller) Resume(sessionID string, lastSeen uint64) (*Handle, error) {
	return c.attach(sessionID, session.FromCursor, lastSeen)
}

func (c *Controller) attach(sessionID string, mode session.AttachMode, last uint64) (*Handle, error) {
	h := &Handle{
		sessionID: sessionID,
		ch:        make(chan session.Event, c.buffer),
		done:      make(chan struct{}),
	}
	backlog, err := c.store.Attach(sessionID, h, mode, last)
	if err != nil {
		return nil, err
	}
	h.backlog = backlog
	c.log.Debug("stream attached", "session", sessionID, "replay", len(backlog))
	return h, nil
}

// Push queues payload for the session and hands it to the live stream when
// one is attached. Without a stream the event waits for the next Resume.
func (c *Controller) Push(sessionID string, payload json.RawMessage) (uint64, error) {
	ev, ok := c.store.EnqueueEvent(sessionID, payload)
	if !ok {
		return 0, session.ErrTerminated
	}
	return ev.ID, nil
}

// Close detaches h without ending the session, so a later Resume is valid.
func (c *Controller) Close(h *Handle) {
	if h == nil {
		return
	}
	c.store.Detach(h.sessionID, h)
	h.finish(ErrClosed)
}

// Handle is one live consumer of a session's events.
type Handle struct {
	sessionID string

	mu      sync.Mutex
	backlog []session.Event
	err     error

	ch   chan session.Event
	done chan struct{}
	once sync.Once
}

func (h *Handle) SessionID() string { return h.sessionID }

// Done is closed when the handle stops receiving events.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the handle stopped, or nil while it is live.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Deliver implements session.Sink.
func (h *Handle) Deliver(ev session.Event) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ch <- ev:
		return true
	default:
		h.finish(ErrOverflow)
		return false
	}
}

// Evict implements session.Sink.
func (h *Handle) Evict(err error) { h.finish(err) }

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Next returns the next event in id order. Replayed events come before live
// ones. It returns the handle's error once it is closed and drained, or
// ctx.Err() if ctx ends first.
func (h *Handle) Next(ctx context.Context) (session.Event, error) {
	h.mu.Lock()
	if len(h.backlog) > 0 {
		ev := h.backlog[0]
		h.backlog = h.backlog[1:]
		h.mu.Unlock()
		return ev, nil
	}
	h.mu.Unlock()

	select {
	case ev := <-h.ch:
		return ev, nil
	default:
	}

	select {
	case ev := <-h.ch:
		return ev, nil
	case <-h.done:
		select {
		case ev := <-h.ch:
			return ev, nil
		default:
		}
		return session.Event{}, h.Err()
	case <-ctx.Done():
		return session.Event{}, ctx.Err()
	}
}
