// Package memory provides in-process storage providers, used for local
// development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// UserStore keeps accounts in a map guarded by a RWMutex.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]scraper.User
}

// NewUserStore constructs an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]scraper.User)}
}

// CreateUser stores a new account. A taken username returns
// scraper.ErrAlreadyExists.
func (s *UserStore) CreateUser(_ context.Context, user scraper.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return scraper.ErrAlreadyExists
	}
	s.users[user.Username] = user
	return nil
}

// UserByUsername looks up an account by username.
func (s *UserStore) UserByUsername(_ context.Context, username string) (scraper.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return scraper.User{}, scraper.ErrNotFound
	}
	return user, nil
}
