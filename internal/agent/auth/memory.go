package auth

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory directory used when no database is
// configured. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	byLogin map[string]*Record
}

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byLogin: make(map[string]*Record)}
}

// NewDevStore returns a directory seeded with the development logins.
func NewDevStore() *MemoryStore {
	s := NewMemoryStore()
	for _, r := range devRecords() {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a record, assigning an id when missing.
func (s *MemoryStore) Put(r *Record) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byLogin[r.Login] = r
}

func (s *MemoryStore) Authenticate(ctx context.Context, login, password string) (*Record, error) {
	s.mu.RLock()
	r, ok := s.byLogin[login]
	s.mu.RUnlock()
	if !ok || !checkPassword(r.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) Get(ctx context.Context, login string) (*Record, error) {
	s.mu.RLock()
	r, ok := s.byLogin[login]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) Close() {}
