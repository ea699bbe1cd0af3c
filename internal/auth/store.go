package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// UserStore resolves users by id.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// InMemoryUsers implements UserStore for tests and local runs.
type InMemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewInMemoryUsers(users ...User) *InMemoryUsers {
	s := &InMemoryUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put inserts or replaces a user.
func (s *InMemoryUsers) Put(u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryUsers) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
