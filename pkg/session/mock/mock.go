// Package mock provides an in-memory session.Store for tests.
//
// Store keeps records in a map, honours TTLs against an injectable clock and
// records lease activity so tests can assert on handler takeover behaviour.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callyx/pkg/session"
)

// record is one stored session with its expiry deadline.
type record struct {
	raw      *session.CoreMemory
	expireAt time.Time
}

// lease is one advisory lease with its expiry deadline.
type lease struct {
	holder   string
	expireAt time.Time
}

// Store is an in-memory mock of session.Store and session.PhraseCache.
// The zero value is not usable; create instances with New.
type Store struct {
	mu sync.Mutex

	records map[string]record
	leases  map[string]lease
	phrases map[string][]byte

	// Now is the clock used for TTL checks. Tests may replace it to simulate
	// expiry without sleeping.
	Now func() time.Time

	// LoadErr, SaveErr, LeaseErr and ArchiveErr force the matching method to
	// fail when non-nil.
	LoadErr    error
	SaveErr    error
	LeaseErr   error
	ArchiveErr error

	// Archived records every session passed to Archive, in order.
	Archived []*session.CoreMemory

	// AcquireCalls counts AcquireLease invocations.
	AcquireCalls int
}

var (
	_ session.Store       = (*Store)(nil)
	_ session.PhraseCache = (*Store)(nil)
)

// New returns an empty Store using the wall clock.
func New() *Store {
	return &Store{
		records: map[string]record{},
		leases:  map[string]lease{},
		phrases: map[string][]byte{},
		Now:     time.Now,
	}
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (*session.CoreMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	rec, ok := s.records[id]
	if !ok || s.Now().After(rec.expireAt) {
		delete(s.records, id)
		return nil, session.ErrNotFound
	}
	return rec.raw.Clone()
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, id string, mem *session.CoreMemory, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if ttl <= 0 {
		ttl = session.DefaultSessionTTL
	}
	mem.Version++
	mem.LastWrite = s.Now().UTC()
	cp, err := mem.Clone()
	if err != nil {
		return err
	}
	s.records[id] = record{raw: cp, expireAt: s.Now().Add(ttl)}
	return nil
}

// AcquireLease implements session.Store.
func (s *Store) AcquireLease(_ context.Context, id, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AcquireCalls++
	if s.LeaseErr != nil {
		return false, s.LeaseErr
	}
	if ttl <= 0 {
		ttl = session.DefaultLeaseTTL
	}
	l, ok := s.leases[id]
	if ok && s.Now().Before(l.expireAt) && l.holder != holder {
		return false, nil
	}
	s.leases[id] = lease{holder: holder, expireAt: s.Now().Add(ttl)}
	return true, nil
}

// TakeLease implements session.Store.
func (s *Store) TakeLease(_ context.Context, id, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LeaseErr != nil {
		return s.LeaseErr
	}
	if ttl <= 0 {
		ttl = session.DefaultLeaseTTL
	}
	s.leases[id] = lease{holder: holder, expireAt: s.Now().Add(ttl)}
	return nil
}

// ReleaseLease implements session.Store.
func (s *Store) ReleaseLease(_ context.Context, id, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LeaseErr != nil {
		return s.LeaseErr
	}
	if l, ok := s.leases[id]; ok && l.holder == holder {
		delete(s.leases, id)
	}
	return nil
}

// Archive implements session.Store.
func (s *Store) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ArchiveErr != nil {
		return s.ArchiveErr
	}
	rec, ok := s.records[id]
	if !ok {
		return session.ErrNotFound
	}
	s.Archived = append(s.Archived, rec.raw)
	delete(s.records, id)
	return nil
}

// GetPhrase implements session.PhraseCache.
func (s *Store) GetPhrase(_ context.Context, voice, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio, ok := s.phrases[voice+"\x00"+text]
	if !ok {
		return nil, session.ErrNotFound
	}
	return audio, nil
}

// PutPhrase implements session.PhraseCache.
func (s *Store) PutPhrase(_ context.Context, voice, text string, audio []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	s.phrases[voice+"\x00"+text] = cp
	return nil
}

// LeaseHolder returns the current holder of the session's lease, or "".
func (s *Store) LeaseHolder(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || s.Now().After(l.expireAt) {
		return ""
	}
	return l.holder
}
