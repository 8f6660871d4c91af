package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the dev/test user store.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]User
	byUsername map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]User),
		byUsername: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, u User) error {
	if u.ID == "" || u.Username == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUsername[u.Username]; ok {
		return ErrConflict
	}
	s.byID[u.ID] = u
	s.byUsername[u.Username] = u.ID
	return nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(u.LastActive) {
		u.LastActive = at
		s.byID[id] = u
	}
	return nil
}
