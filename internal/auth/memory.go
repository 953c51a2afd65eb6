package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"lorawatch.dev/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore implements Store in memory. It mirrors the conditional-update
// semantics of the Postgres store, including the at-most-once rotation, and
// backs local development and the service-level tests.
type MemStore struct {
	mu     sync.Mutex
	users  map[string]*User
	tokens map[string]*RefreshToken
	now    func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:  make(map[string]*User),
		tokens: make(map[string]*RefreshToken),
		now:    time.Now,
	}
}

// WithNow overrides the store clock. Only intended for tests.
func (s *MemStore) WithNow(fn func() time.Time) *MemStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *MemStore) Users() UserStore                 { return (*memUserStore)(s) }
func (s *MemStore) RefreshTokens() RefreshTokenStore { return (*memTokenStore)(s) }

type memUserStore MemStore

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	now := s.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) List(_ context.Context) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Username, out[j].Username) < 0
	})
	return out, nil
}

func (s *memUserStore) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range s.users {
		if id != u.ID && other.Username == u.Username {
			return ErrConflict
		}
	}
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = s.now().UTC()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

type memTokenStore MemStore

func (s *memTokenStore) Create(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.Token]; ok {
		return ErrConflict
	}
	cp := *tok
	s.tokens[tok.Token] = &cp
	return nil
}

func (s *memTokenStore) Find(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTokenStore) FindValid(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.RevokedAt != nil || !t.ExpiresAt.After(s.now()) {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTokenStore) Rotate(_ context.Context, oldToken string, successor *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldToken]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	if old.RevokedAt != nil {
		return ErrTokenReused
	}
	if !old.ExpiresAt.After(now) {
		return ErrNotFound
	}
	if _, exists := s.tokens[successor.Token]; exists {
		return ErrConflict
	}
	old.RevokedAt = &now
	replaced := successor.Token
	old.ReplacedBy = &replaced
	cp := *successor
	s.tokens[successor.Token] = &cp
	return nil
}

func (s *memTokenStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.RevokedAt != nil {
		return nil
	}
	now := s.now().UTC()
	t.RevokedAt = &now
	return nil
}

func (s *memTokenStore) RevokeAllForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var n int64
	for _, t := range s.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			revoked := now
			t.RevokedAt = &revoked
			n++
		}
	}
	return n, nil
}
