// Package session keeps authenticated portal sessions in memory.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jwxt-agent/internal/domain"
	"jwxt-agent/internal/observability"

	"github.com/google/uuid"
)

// DefaultTTL is how long a session survives without activity.
const DefaultTTL = 6 * time.Hour

// Store is a concurrency-safe map of sessions keyed by id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator injects the session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*domain.Session),
		ttl:      DefaultTTL,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the idle lifetime of a session.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create registers a new empty session for account.
func (s *Store) Create(account domain.Account) *domain.Session {
	sess := domain.NewSession(s.newID(), account, s.now())

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	observability.SessionsActive.Set(float64(n))
	return sess
}

// Get returns the session with id. A session idle for longer than the TTL
// yields ErrSessionExpired; it stays in the map until the janitor runs.
func (s *Store) Get(id string) (*domain.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.expired(sess, s.now()) {
		return nil, domain.ErrSessionExpired
	}
	return sess, nil
}

// Touch marks the session active now.
func (s *Store) Touch(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.Touch(s.now())
	return nil
}

// Delete removes the session. Deleting an unknown id is not an error.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()

	observability.SessionsActive.Set(float64(n))
}

// Len returns the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictExpired deletes every session idle for longer than the TTL and
// returns how many were removed.
func (s *Store) EvictExpired() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	observability.SessionsActive.Set(float64(n))
	return removed
}

// Run evicts expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	logger := observability.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictExpired(); n > 0 {
				logger.Info("evicted expired sessions", slog.Int("count", n))
			}
		}
	}
}

func (s *Store) expired(sess *domain.Session, now time.Time) bool {
	return !now.Before(sess.UpdatedAt().Add(s.ttl))
}
