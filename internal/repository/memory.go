package repository

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lef-zach/blog-sub000/internal/model"
	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

// MemoryUserStore and MemoryTokenStore mirror the Postgres repositories for
// unit tests and in-process wiring. Both are safe for concurrent use.

type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]model.User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: map[string]model.User{}}
}

func (s *MemoryUserStore) FindByID(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return model.User{}, apierror.New("NOT_FOUND", "user not found", id, http.StatusNotFound)
	}
	return u, nil
}

func (s *MemoryUserStore) FindByIdentifier(_ context.Context, identifier string) (model.User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if (u.Email != "" && strings.ToLower(u.Email) == identifier) ||
			(u.Username != "" && strings.ToLower(u.Username) == identifier) {
			return u, nil
		}
	}
	return model.User{}, apierror.New("NOT_FOUND", "user not found", "", http.StatusNotFound)
}

func (s *MemoryUserStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email != "" && strings.ToLower(u.Email) == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryUserStore) ExistsByUsername(_ context.Context, username string) (bool, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username != "" && strings.ToLower(u.Username) == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryUserStore) Create(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[u.ID] = u
	return nil
}

func (s *MemoryUserStore) UpdatePassword(_ context.Context, userID string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return apierror.New("NOT_FOUND", "user not found", userID, http.StatusNotFound)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryUserStore) UpdateRole(_ context.Context, userID string, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return apierror.New("NOT_FOUND", "user not found", userID, http.StatusNotFound)
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryUserStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users), nil
}

type MemoryTokenStore struct {
	mu      sync.Mutex
	records map[string]model.RefreshToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{records: map[string]model.RefreshToken{}}
}

func (s *MemoryTokenStore) Store(_ context.Context, rec model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryTokenStore) FindByID(_ context.Context, id string) (model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return model.RefreshToken{}, ErrTokenNotFound
	}
	return rec, nil
}

func (s *MemoryTokenStore) DeleteByID(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return 0, nil
	}
	delete(s.records, id)
	return 1, nil
}

func (s *MemoryTokenStore) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.records {
		if rec.UserID == userID {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryTokenStore) CleanExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var deleted int64
	for id, rec := range s.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountForUser reports outstanding sessions for a user. Test helper.
func (s *MemoryTokenStore) CountForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.UserID == userID {
			count++
		}
	}
	return count
}
