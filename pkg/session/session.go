package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// State is a session's position in its lifecycle. The only transitions are
// Initializing -> Active -> Terminated and Initializing -> Terminated.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Event is one queued server-to-client message. IDs start at 1 and are never
// reused within a session.
type Event struct {
	ID      uint64
	Payload json.RawMessage
}

// Sink receives live events for a session. Both methods are called with the
// session locked: they must not block or call back into the Store. Returning
// false from Deliver detaches the sink.
type Sink interface {
	Deliver(ev Event) bool
	Evict(err error)
}

// Info is a point-in-time copy of a session's public fields.
type Info struct {
	ID              string
	ProtocolVersion string
	State           State
	CreatedAt       time.Time
	LastAccessedAt  time.Time
	Pending         int
}

type session struct {
	mu sync.Mutex

	id              string
	protocolVersion string
	state           State
	createdAt       time.Time
	lastAccessedAt  time.Time
	terminatedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	nextEventID uint64
	events      []Event
	floor       uint64 // highest event id no longer retained
	delivered   uint64 // highest event id handed to a live sink

	sink       Sink
	detachedAt time.Time

	inflight map[string]context.CancelFunc
}

func (s *session) info() Info {
	return Info{
		ID:              s.id,
		ProtocolVersion: s.protocolVersion,
		State:           s.state,
		CreatedAt:       s.createdAt,
		LastAccessedAt:  s.lastAccessedAt,
		Pending:         len(s.events),
	}
}

// since returns a copy of the retained events with id > last.
func (s *session) since(last uint64) []Event {
	i := 0
	for i < len(s.events) && s.events[i].ID <= last {
		i++
	}
	out := make([]Event, len(s.events)-i)
	copy(out, s.events[i:])
	return out
}

// prune drops events the client has acknowledged.
func (s *session) prune(last uint64) {
	i := 0
	for i < len(s.events) && s.events[i].ID <= last {
		i++
	}
	if i == 0 {
		return
	}
	s.events = append(s.events[:0], s.events[i:]...)
	if last > s.floor {
		s.floor = last
	}
}

// lastActivity is the later of the last message and the last stream detach.
func (s *session) lastActivity() time.Time {
	if s.detachedAt.After(s.lastAccessedAt) {
		return s.detachedAt
	}
	return s.lastAccessedAt
}

// graceExpired reports whether a dropped stream was not resumed in time.
func (s *session) graceExpired(now time.Time, grace time.Duration) bool {
	if s.sink != nil || s.detachedAt.IsZero() {
		return false
	}
	return now.Sub(s.lastActivity()) > grace
}

// terminate must be called with s.mu held.
func (s *session) terminate(now time.Time) bool {
	if s.state == StateTerminated {
		return false
	}
	s.state = StateTerminated
	s.terminatedAt = now
	s.events = nil
	for _, cancel := range s.inflight {
		cancel()
	}
	s.inflight = nil
	if s.sink != nil {
		s.sink.Evict(ErrTerminated)
		s.sink = nil
	}
	s.cancel()
	return true
}
