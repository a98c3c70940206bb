package memory

import (
	"context"
	"sync"
	"time"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

type entry struct {
	mu      sync.Mutex
	history []domain.Turn
	last    time.Time
	touched time.Time
	version uint64
}

// SessionStore is an in-memory domain.ConversationStore. It is NOT persistent.
//
// Each identity has its own entry lock. The store lock is held for reading
// during per-identity operations and for writing by ResetAll and Sweep, which
// makes it the barrier that keeps bulk operations from racing an append.
type SessionStore struct {
	mu      sync.RWMutex
	entries map[domain.Identity]*entry
	opts    domain.StoreOptions
	now     func() time.Time
}

func NewSessionStore(opts domain.StoreOptions) *SessionStore {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSessionTTL
	}
	return &SessionStore{
		entries: make(map[domain.Identity]*entry),
		opts:    opts,
		now:     time.Now,
	}
}

func (s *SessionStore) Get(_ context.Context, id domain.Identity) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return &domain.Session{Identity: id}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(id), nil
}

func (s *SessionStore) Append(
	_ context.Context,
	id domain.Identity,
	expectedVersion uint64,
	turns ...domain.Turn,
) (*domain.Session, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	if ok {
		defer s.mu.RUnlock()
		return s.appendLocked(e, id, expectedVersion, turns)
	}
	s.mu.RUnlock()

	if expectedVersion != 0 {
		return nil, domain.ErrVersionConflict
	}

	// First turn for this identity: create the entry under the write lock.
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return s.appendLocked(e, id, expectedVersion, turns)
}

func (s *SessionStore) appendLocked(e *entry, id domain.Identity, expectedVersion uint64, turns []domain.Turn) (*domain.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	if len(turns) == 0 {
		return e.snapshot(id), nil
	}

	e.history = append(e.history, turns...)
	if limit := s.opts.MaxHistory; limit > 0 && len(e.history) > limit {
		e.history = append([]domain.Turn(nil), e.history[len(e.history)-limit:]...)
	}

	now := s.now()
	e.last = turns[len(turns)-1].At
	e.touched = now
	e.version = domain.NextVersion(e.version, now)
	return e.snapshot(id), nil
}

func (s *SessionStore) Reset(_ context.Context, id domain.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Resetting a missing identity still records a version so an in-flight
	// request that read the empty session cannot write after the reset.
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.clearLocked(e), nil
}

func (s *SessionStore) ResetAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if s.clearLocked(e) {
			cleared++
		}
		e.mu.Unlock()
	}
	return cleared, nil
}

func (s *SessionStore) clearLocked(e *entry) bool {
	had := len(e.history) > 0
	now := s.now()
	e.history = nil
	e.last = time.Time{}
	e.touched = now
	e.version = domain.NextVersion(e.version, now)
	return had
}

func (s *SessionStore) TimeUntilExpiry(_ context.Context, id domain.Identity, now time.Time) (time.Duration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return 0, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return 0, false, nil
	}
	return domain.RemainingTTL(e.last, now, s.opts.TTL), true, nil
}

func (s *SessionStore) Stats(_ context.Context, now time.Time) (domain.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.StoreStats
	for _, e := range s.entries {
		e.mu.Lock()
		if len(e.history) > 0 {
			stats.Total++
			if !domain.IsExpired(e.last, now, s.opts.TTL) {
				stats.Active++
			}
		}
		e.mu.Unlock()
	}
	return stats, nil
}

// Sweep drops expired sessions and forgets emptied entries idle for longer than the TTL.
func (s *SessionStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		switch {
		case len(e.history) > 0 && domain.IsExpired(e.last, now, s.opts.TTL):
			delete(s.entries, id)
			removed++
		case len(e.history) == 0 && now.Sub(e.touched) > s.opts.TTL:
			delete(s.entries, id)
		}
		e.mu.Unlock()
	}
	return removed, nil
}

func (e *entry) snapshot(id domain.Identity) *domain.Session {
	return &domain.Session{
		Identity:       id,
		History:        append([]domain.Turn(nil), e.history...),
		LastActivityAt: e.last,
		Version:        e.version,
	}
}
