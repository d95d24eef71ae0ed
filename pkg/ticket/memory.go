package ticket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tickets in process memory. It is the default store when
// no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	tickets  map[string]Ticket
	counters map[string]int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:  make(map[string]Ticket),
		counters: make(map[string]int),
		now:      time.Now,
	}
}

func (m *MemoryStore) ListProjects(context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.counters))
	for code := range m.counters {
		counts[code] = 0
	}
	for _, t := range m.tickets {
		counts[t.Project]++
	}
	out := make([]Project, 0, len(counts))
	for code, n := range counts {
		out = append(out, Project{Code: code, Tickets: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, project string, f Filter) ([]Ticket, error) {
	code, err := NormalizeCode(project)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Ticket
	for _, t := range m.tickets {
		if t.Project == code && f.Match(t) {
			out = append(out, t.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Ticket, error) {
	_, key, err := NormalizeKey(key)
	if err != nil {
		return Ticket{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[key]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return t, nil
}

func (m *MemoryStore) Create(_ context.Context, nt NewTicket) (Ticket, error) {
	code, err := NormalizeCode(nt.Project)
	if err != nil {
		return Ticket{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[code]++
	now := m.now().UTC()
	t := Ticket{
		Key:       FormatKey(code, m.counters[code]),
		Project:   code,
		Title:     nt.Title,
		Type:      nt.Type,
		Priority:  nt.Priority,
		Status:    StatusProposed,
		Content:   nt.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tickets[t.Key] = t
	return t, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, key, status string) (Ticket, error) {
	if !ValidStatus(status) {
		return Ticket{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	_, key, err := NormalizeKey(key)
	if err != nil {
		return Ticket{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[key]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t.Status = status
	t.UpdatedAt = m.now().UTC()
	m.tickets[key] = t
	return t, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	_, key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tickets[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.tickets, key)
	return nil
}
