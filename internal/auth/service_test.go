package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemStore) {
	t.Helper()
	priv, pub := testKeyPair(t)
	signer, err := NewSigner(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	store := NewMemStore()
	svc, err := NewService(store, signer, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func seedUser(t *testing.T, store *MemStore, username, password, role string, devices []string) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &User{
		Username:        username,
		PasswordHash:    hash,
		Role:            role,
		AssignedDevices: devices,
	}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestLoginSuccessRoundTrips(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, []string{"dev-1"})

	pair, identity, err := svc.Login(context.Background(), "  Alice ", "secret1", RequestMeta{IPAddress: "10.0.0.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if identity.Username != "alice" || identity.Role != RoleClient {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if len(pair.RefreshToken) != 128 {
		t.Fatalf("expected 128 hex chars of refresh token, got %d", len(pair.RefreshToken))
	}

	verified, err := svc.Authenticate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if verified.UserID != identity.UserID || verified.Role != identity.Role {
		t.Fatalf("access token identity did not round-trip: %+v vs %+v", verified, identity)
	}

	record, err := store.RefreshTokens().FindValid(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("FindValid: %v", err)
	}
	if record.IPAddress != "10.0.0.1" || record.UserAgent != "test" {
		t.Fatalf("request provenance not recorded: %+v", record)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, nil)

	if _, _, err := svc.Login(context.Background(), "alice", "wrong", RequestMeta{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "nobody", "secret1", RequestMeta{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown user: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "", "", RequestMeta{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing fields: expected ErrInvalidInput, got %v", err)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, []string{"dev-1"})

	pair, _, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, _, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	if _, err := store.RefreshTokens().FindValid(context.Background(), pair.RefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old token should no longer be valid, got %v", err)
	}

	// Replaying the consumed token is a reuse incident.
	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{}); !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused on replay, got %v", err)
	}

	// The successor still works.
	if _, _, err := svc.Refresh(context.Background(), next.RefreshToken, RequestMeta{}); err != nil {
		t.Fatalf("successor refresh failed: %v", err)
	}
}

func TestConcurrentRefreshExactlyOneWins(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, nil)

	pair, _, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reuses    int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrTokenReused) || errors.Is(err, ErrUnauthorized):
				reuses++
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", successes)
	}
	if reuses != callers-1 {
		t.Fatalf("expected %d rejected replays, got %d", callers-1, reuses)
	}
}

func TestRotationChainIntegrity(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, nil)

	pair, _, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const generations = 5
	chain := []string{pair.RefreshToken}
	current := pair.RefreshToken
	for i := 0; i < generations; i++ {
		next, _, err := svc.Refresh(context.Background(), current, RequestMeta{})
		if err != nil {
			t.Fatalf("refresh generation %d: %v", i, err)
		}
		chain = append(chain, next.RefreshToken)
		current = next.RefreshToken
	}

	// Only the newest generation is valid; every ancestor is revoked and
	// links forward to its successor.
	tokens := store.RefreshTokens()
	for i, value := range chain[:len(chain)-1] {
		record, err := tokens.Find(context.Background(), value)
		if err != nil {
			t.Fatalf("find generation %d: %v", i, err)
		}
		if !record.Revoked() {
			t.Fatalf("generation %d not revoked", i)
		}
		if record.ReplacedBy == nil || *record.ReplacedBy != chain[i+1] {
			t.Fatalf("generation %d successor link broken", i)
		}
	}
	if _, err := tokens.FindValid(context.Background(), current); err != nil {
		t.Fatalf("head of chain should be valid: %v", err)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	svc, store := newTestService(t, WithClock(clock))
	store.WithNow(func() time.Time { return now })
	seedUser(t, store, "alice", "secret1", RoleClient, nil)

	pair, _, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Jump past the 7 day lifetime without ever revoking the token.
	now = now.Add(8 * 24 * time.Hour)
	if _, err := store.RefreshTokens().FindValid(context.Background(), pair.RefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired token should be excluded by FindValid, got %v", err)
	}
	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	svc, store := newTestService(t)
	user := seedUser(t, store, "alice", "secret1", RoleClient, []string{"dev-1"})

	pair, identity, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if identity.Role != RoleClient {
		t.Fatalf("unexpected login role: %s", identity.Role)
	}

	// Promote while the session is live. The login-time access token keeps
	// its snapshot, but the next refresh re-reads the store.
	user.Role = RoleAdmin
	user.AssignedDevices = nil
	if err := store.Users().Update(context.Background(), user); err != nil {
		t.Fatalf("update user: %v", err)
	}

	_, refreshed, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Role != RoleAdmin {
		t.Fatalf("refresh did not pick up role change: %+v", refreshed)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, nil)

	pair, _, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("first logout: %v", err)
	}
	if err := svc.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("second logout must not error: %v", err)
	}
	if err := svc.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("logout of unknown token must not error: %v", err)
	}
	if err := svc.Logout(context.Background(), ""); err != nil {
		t.Fatalf("logout without token must not error: %v", err)
	}

	if _, err := store.RefreshTokens().FindValid(context.Background(), pair.RefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("token should be revoked after logout, got %v", err)
	}
}

func TestLogoutAllRevokesEveryChain(t *testing.T) {
	svc, store := newTestService(t)
	user := seedUser(t, store, "alice", "secret1", RoleClient, nil)
	seedUser(t, store, "bob", "secret2", RoleClient, nil)

	var pairs []TokenPair
	for i := 0; i < 3; i++ {
		pair, _, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
		if err != nil {
			t.Fatalf("Login %d: %v", i, err)
		}
		pairs = append(pairs, pair)
	}
	other, _, err := svc.Login(context.Background(), "bob", "secret2", RequestMeta{})
	if err != nil {
		t.Fatalf("Login bob: %v", err)
	}

	count, err := svc.LogoutAll(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 revoked chains, got %d", count)
	}
	for i, pair := range pairs {
		if _, err := store.RefreshTokens().FindValid(context.Background(), pair.RefreshToken); !errors.Is(err, ErrNotFound) {
			t.Fatalf("chain %d should be revoked, got %v", i, err)
		}
	}
	// Other users are untouched.
	if _, err := store.RefreshTokens().FindValid(context.Background(), other.RefreshToken); err != nil {
		t.Fatalf("bob's session should survive: %v", err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(t, store, "alice", "secret1", RoleClient, []string{"dev-1"})

	pair, identity, err := svc.Login(context.Background(), "alice", "secret1", RequestMeta{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !CanAccessDevice(identity, "dev-1") {
		t.Fatalf("expected access to dev-1")
	}
	if CanAccessDevice(identity, "dev-2") {
		t.Fatalf("unexpected access to dev-2")
	}

	next, _, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken || next.AccessToken == "" {
		t.Fatalf("expected a fresh token pair")
	}
	if _, err := store.RefreshTokens().FindValid(context.Background(), pair.RefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old refresh token must fail FindValid, got %v", err)
	}
	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken, RequestMeta{}); err == nil {
		t.Fatalf("replay of the old refresh token must fail")
	}
}
