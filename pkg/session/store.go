package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Options configures a Store. Zero values fall back to the defaults below.
type Options struct {
	IdleTimeout time.Duration
	ResumeGrace time.Duration
	MaxEvents   int
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

const (
	DefaultIdleTimeout = time.Hour
	DefaultResumeGrace = 2 * time.Minute
	DefaultMaxEvents   = 1024
)

// Store owns every session. The store lock only guards the map; each
// session carries its own mutex so different sessions never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	idle      time.Duration
	grace     time.Duration
	maxEvents int
	clock     clockwork.Clock
	log       *slog.Logger
}

func NewStore(opts Options) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ResumeGrace <= 0 {
		opts.ResumeGrace = DefaultResumeGrace
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		sessions:  make(map[string]*session),
		idle:      opts.IdleTimeout,
		grace:     opts.ResumeGrace,
		maxEvents: opts.MaxEvents,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "session"),
	}
}

func (st *Store) lookup(id string) (*session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Create starts a new session in the Initializing state. The id is a random
// (version 4) UUID.
func (st *Store) Create(protocolVersion string) Info {
	now := st.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:              uuid.NewString(),
		protocolVersion: protocolVersion,
		state:           StateInitializing,
		createdAt:       now,
		lastAccessedAt:  now,
		ctx:             ctx,
		cancel:          cancel,
		inflight:        make(map[string]context.CancelFunc),
	}

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()

	st.log.Debug("session created", "session", s.id, "version", protocolVersion)
	return s.info()
}

// Activate completes the handshake for a session.
func (st *Store) Activate(id string) error {
	s, ok := st.lookup(id)
	if !ok {
		return newError("activate", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return newError("activate", id, ErrTerminated)
	case StateInitializing:
		s.state = StateActive
	}
	s.lastAccessedAt = st.clock.Now()
	return nil
}

// Touch refreshes the last access time of a live session.
func (st *Store) Touch(id string) error {
	s, ok := st.lookup(id)
	if !ok {
		return newError("touch", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return newError("touch", id, ErrTerminated)
	}
	s.lastAccessedAt = st.clock.Now()
	return nil
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (Info, error) {
	s, ok := st.lookup(id)
	if !ok {
		return Info{}, newError("get", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// Context is cancelled when the session terminates.
func (st *Store) Context(id string) (context.Context, error) {
	s, ok := st.lookup(id)
	if !ok {
		return nil, newError("context", id, ErrNotFound)
	}
	return s.ctx, nil
}

// EnqueueEvent appends payload to the session queue under the next event id
// and hands it to the attached sink, if any. It never fails the caller: an
// unknown or terminated session is logged and reported with ok=false.
func (st *Store) EnqueueEvent(id string, payload json.RawMessage) (ev Event, ok bool) {
	s, found := st.lookup(id)
	if !found {
		st.log.Warn("dropping event for unknown session", "session", id)
		return Event{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		st.log.Warn("dropping event for terminated session", "session", id)
		return Event{}, false
	}

	s.nextEventID++
	ev = Event{ID: s.nextEventID, Payload: payload}
	s.events = append(s.events, ev)
	if over := len(s.events) - st.maxEvents; over > 0 {
		s.floor = s.events[over-1].ID
		s.events = append(s.events[:0], s.events[over:]...)
		st.log.Warn("event queue full, dropped oldest events", "session", id, "dropped", over)
	}

	if s.sink != nil {
		if s.sink.Deliver(ev) {
			s.delivered = ev.ID
		} else {
			st.log.Warn("stream consumer too slow, detaching", "session", id, "event", ev.ID)
			s.sink = nil
			s.detachedAt = st.clock.Now()
		}
	}
	return ev, true
}

// DrainSince returns every retained event with id > last, in order.
func (st *Store) DrainSince(id string, last uint64) ([]Event, error) {
	s, ok := st.lookup(id)
	if !ok {
		return nil, newError("drain", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return nil, newError("drain", id, ErrTerminated)
	}
	if err := s.checkCursor(last); err != nil {
		return nil, newError("drain", id, err)
	}
	return s.since(last), nil
}

func (s *session) checkCursor(last uint64) error {
	if last > s.nextEventID {
		return ErrInvalidCursor
	}
	if last < s.floor {
		return ErrResumeExpired
	}
	return nil
}

// AttachMode selects where a newly attached sink starts reading.
type AttachMode int

const (
	// FromDelivered replays only events never handed to a live sink.
	FromDelivered AttachMode = iota
	// FromCursor replays events after the client's last seen id and
	// discards everything up to it.
	FromCursor
)

// Attach makes sink the live consumer of the session and returns the backlog
// it must emit before any event passed to Deliver. A previously attached sink
// is closed with ErrReplaced.
func (st *Store) Attach(id string, sink Sink, mode AttachMode, last uint64) ([]Event, error) {
	s, ok := st.lookup(id)
	if !ok {
		return nil, newError("attach", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := st.clock.Now()
	switch {
	case s.state == StateTerminated:
		return nil, newError("attach", id, ErrTerminated)
	case s.state != StateActive:
		return nil, newError("attach", id, ErrNotActive)
	case s.graceExpired(now, st.grace):
		s.terminate(now)
		st.log.Info("session terminated, resume grace expired", "session", id)
		return nil, newError("attach", id, ErrResumeExpired)
	}

	if mode == FromDelivered {
		last = s.delivered
	}
	if err := s.checkCursor(last); err != nil {
		return nil, newError("attach", id, err)
	}
	if mode == FromCursor {
		s.prune(last)
	}
	backlog := s.since(last)

	if s.sink != nil {
		s.sink.Evict(ErrReplaced)
	}
	s.sink = sink
	s.detachedAt = time.Time{}
	s.lastAccessedAt = now
	if n := len(backlog); n > 0 {
		s.delivered = backlog[n-1].ID
	}
	return backlog, nil
}

// Detach removes sink if it is still the session's live consumer and starts
// the resume grace window. The session stays active.
func (st *Store) Detach(id string, sink Sink) {
	s, ok := st.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink == sink {
		s.sink = nil
		s.detachedAt = st.clock.Now()
	}
}

// BeginRequest registers an in-flight request and returns a context that is
// cancelled by CancelRequest, by EndRequest, or when the session terminates.
// A request id that is already in flight is rejected with ErrDuplicateRequest.
func (st *Store) BeginRequest(parent context.Context, id, requestID string) (context.Context, error) {
	s, ok := st.lookup(id)
	if !ok {
		return nil, newError("request", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return nil, newError("request", id, ErrTerminated)
	case StateInitializing:
		return nil, newError("request", id, ErrNotActive)
	}
	if _, dup := s.inflight[requestID]; dup {
		return nil, newError("request", id, ErrDuplicateRequest)
	}

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	s.inflight[requestID] = func() {
		stop()
		cancel()
	}
	s.lastAccessedAt = st.clock.Now()
	return ctx, nil
}

// EndRequest releases an in-flight request. It reports whether the session is
// still active; when it is not the caller must discard the result.
func (st *Store) EndRequest(id, requestID string) bool {
	s, ok := st.lookup(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.inflight[requestID]; ok {
		cancel()
		delete(s.inflight, requestID)
	}
	return s.state == StateActive
}

// CancelRequest cancels the context of an in-flight request. The request id
// stays reserved until EndRequest.
func (st *Store) CancelRequest(id, requestID string) bool {
	s, ok := st.lookup(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cancel, ok := s.inflight[requestID]
	if ok {
		cancel()
	}
	return ok
}

// Terminate ends the session, clears its queue and abandons in-flight
// requests. The record is kept as a tombstone until the next reap so late
// callers get ErrTerminated rather than ErrNotFound.
func (st *Store) Terminate(id string) error {
	s, ok := st.lookup(id)
	if !ok {
		return newError("terminate", id, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.terminate(st.clock.Now()) {
		return newError("terminate", id, ErrTerminated)
	}
	st.log.Debug("session terminated", "session", id)
	return nil
}

// TerminateAll ends every live session. Used at shutdown.
func (st *Store) TerminateAll() int {
	n := 0
	now := st.clock.Now()
	for _, s := range st.snapshot() {
		s.mu.Lock()
		if s.terminate(now) {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Live counts sessions that are not terminated.
func (st *Store) Live() int {
	n := 0
	for _, s := range st.snapshot() {
		s.mu.Lock()
		if s.state != StateTerminated {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (st *Store) snapshot() []*session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Reap terminates sessions that have been idle past the timeout or whose
// stream was dropped and not resumed within the grace window, and removes
// tombstones left by earlier terminations. It returns the number of
// sessions it terminated.
func (st *Store) Reap() int {
	now := st.clock.Now()
	var (
		reaped int
		remove []string
	)
	for _, s := range st.snapshot() {
		s.mu.Lock()
		switch {
		case s.state == StateTerminated:
			remove = append(remove, s.id)
		case now.Sub(s.lastAccessedAt) > st.idle:
			s.terminate(now)
			reaped++
			st.log.Info("session reaped", "session", s.id, "reason", "idle")
		case s.graceExpired(now, st.grace):
			s.terminate(now)
			reaped++
			st.log.Info("session reaped", "session", s.id, "reason", "resume grace expired")
		}
		s.mu.Unlock()
	}

	if len(remove) > 0 {
		st.mu.Lock()
		for _, id := range remove {
			delete(st.sessions, id)
		}
		st.mu.Unlock()
	}
	return reaped
}

// Run reaps on every tick until ctx is done.
func (st *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := st.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := st.Reap(); n > 0 {
				st.log.Debug("reaper pass complete", "terminated", n)
			}
		}
	}
}
