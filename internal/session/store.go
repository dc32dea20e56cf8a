package session

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	mu   sync.Mutex
	refs int // guarded by Store.mu
	sess *Session
}

// Store owns every user's Session.
//
// Store.mu only guards the map and entry refcounts. Each entry has its own
// mutex, so two users never wait on each other.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	idleTTL time.Duration
	now     func() time.Time
}

// Options configures a Store.
type Options struct {
	// IdleTTL evicts Idle sessions untouched for this long; zero keeps them forever.
	IdleTTL time.Duration
	Now     func() time.Time
}

// Expired describes a pending action cancelled by Sweep.
type Expired struct {
	UserID  string
	Pending PendingAction
}

// NewStore creates an empty session store.
func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[string]*entry),
		idleTTL: opts.IdleTTL,
		now:     now,
	}
}

// WithSession runs fn with exclusive access to userID's session, creating an
// Idle session on first use. fn must not retain the pointer.
func (s *Store) WithSession(userID string, fn func(*Session) error) error {
	e := s.acquire(userID)
	defer s.release(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.sess.UpdatedAt = s.now() }()
	return fn(e.sess)
}

// CreateOrGet returns a copy of userID's session, creating it if needed.
func (s *Store) CreateOrGet(userID string) Session {
	var out Session
	_ = s.WithSession(userID, func(sess *Session) error {
		out = sess.clone()
		return nil
	})
	return out
}

func (s *Store) acquire(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{sess: newSession(userID, s.now())}
		s.entries[userID] = e
	}
	e.refs++
	return e
}

func (s *Store) release(e *entry) {
	s.mu.Lock()
	e.refs--
	s.mu.Unlock()
}

// Sweep cancels pending actions whose deadline passed and evicts idle
// sessions past the TTL. Sessions currently held or awaited are skipped; the
// next WithSession on them checks the deadline itself.
func (s *Store) Sweep(now time.Time) []Expired {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Expired
	for id, e := range s.entries {
		if e.refs > 0 || !e.mu.TryLock() {
			continue
		}
		if p, ok := e.sess.ExpirePending(now); ok {
			e.sess.UpdatedAt = now
			expired = append(expired, Expired{UserID: id, Pending: p})
		} else if s.idleTTL > 0 && e.sess.Phase == Idle && now.Sub(e.sess.UpdatedAt) >= s.idleTTL {
			delete(s.entries, id)
		}
		e.mu.Unlock()
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].UserID < expired[j].UserID })
	return expired
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
