package user

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-binary dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewMemoryStore returns an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, exists := s.byEmail[email]; exists {
		return ErrDuplicateEmail
	}

	u.Email = email
	u.CreatedAt = time.Now()
	cp := *u
	s.byID[u.ID] = &cp
	s.byEmail[email] = u.ID
	return nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) RecordLoginFailure(_ context.Context, id string, maxFailures int, lockFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return nil
	}
	u.FailedLogins++
	if u.FailedLogins >= maxFailures {
		until := time.Now().Add(lockFor)
		u.LockedUntil = &until
	}
	return nil
}

func (s *MemoryStore) ResetLoginFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.byID[id]; ok {
		u.FailedLogins = 0
		u.LockedUntil = nil
	}
	return nil
}

// SetActive flips the account's active flag; used by tests and admin tooling.
func (s *MemoryStore) SetActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.byID[id]; ok {
		u.Active = active
	}
}

var _ Store = (*MemoryStore)(nil)
