package redirect

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// entry is what a scoped store holds.
type entry interface {
	sessionID() string
	activity() time.Time
}

// scoped indexes entries by ID and by owning session.
type scoped[T entry] struct {
	mu        sync.RWMutex
	items     map[string]T
	bySession map[string]map[string]struct{}
}

func newScoped[T entry]() *scoped[T] {
	return &scoped[T]{
		items:     make(map[string]T),
		bySession: make(map[string]map[string]struct{}),
	}
}

var (
	errTaken = errors.New("id in use")
	errFull  = errors.New("session at capacity")
)

// add inserts v unless id is already present (errTaken) or the owning
// session holds limit entries (errFull). limit <= 0 means no limit. The check
// and the insert happen under one lock.
func (s *scoped[T]) add(id string, v T, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		return errTaken
	}
	if limit > 0 && len(s.bySession[v.sessionID()]) >= limit {
		return errFull
	}
	s.items[id] = v
	ids := s.bySession[v.sessionID()]
	if ids == nil {
		ids = make(map[string]struct{})
		s.bySession[v.sessionID()] = ids
	}
	ids[id] = struct{}{}
	return nil
}

// get returns the entry only if it belongs to sessionID.
func (s *scoped[T]) get(sessionID, id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	if !ok || v.sessionID() != sessionID {
		var zero T
		return zero, false
	}
	return v, true
}

// update runs fn on the entry under the write lock.
func (s *scoped[T]) update(id string, fn func(T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	if !ok {
		return false
	}
	fn(v)
	return true
}

func (s *scoped[T]) remove(sessionID, id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	if !ok || v.sessionID() != sessionID {
		var zero T
		return zero, false
	}
	s.deleteLocked(id, v)
	return v, true
}

func (s *scoped[T]) deleteLocked(id string, v T) {
	delete(s.items, id)
	if ids := s.bySession[v.sessionID()]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.bySession, v.sessionID())
		}
	}
}

func (s *scoped[T]) count(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession[sessionID])
}

// list returns a session's entries, oldest activity first. view is
// applied under the read lock.
func list[T entry, V any](s *scoped[T], sessionID string, view func(T) V) []V {
	s.mu.RLock()
	ids := s.bySession[sessionID]
	items := make([]T, 0, len(ids))
	for id := range ids {
		items = append(items, s.items[id])
	}
	sort.Slice(items, func(i, j int) bool { return items[i].activity().Before(items[j].activity()) })
	out := make([]V, len(items))
	for i, v := range items {
		out[i] = view(v)
	}
	s.mu.RUnlock()
	return out
}

// removeSession drops every entry of a session.
func (s *scoped[T]) removeSession(sessionID string) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for id := range s.bySession[sessionID] {
		v := s.items[id]
		delete(s.items, id)
		out = append(out, v)
	}
	delete(s.bySession, sessionID)
	return out
}

// removeIdle drops entries whose activity is before cutoff.
func (s *scoped[T]) removeIdle(cutoff time.Time) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for id, v := range s.items {
		if v.activity().Before(cutoff) {
			s.deleteLocked(id, v)
			out = append(out, v)
		}
	}
	return out
}
