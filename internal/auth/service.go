package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"lorawatch.dev/internal/obs"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour

	// refreshTokenBytes yields a 128-character hex value. Anything shorter is
	// a configuration error, not a recoverable condition.
	refreshTokenBytes = 64
)

// dummyHash is compared against when the username does not resolve, so login
// latency does not reveal whether the account exists.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// Service orchestrates credential verification, token issuance and refresh
// token rotation. It holds no shared mutable state of its own; the user store
// and the refresh ledger are the only shared resources and every mutation is
// a single-record conditional update.
type Service struct {
	store      Store
	signer     *Signer
	now        func() time.Time
	refreshTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the session service.
func NewService(store Store, signer *Signer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if signer == nil {
		return nil, errors.New("auth: signer is required")
	}
	svc := &Service{
		store:      store,
		signer:     signer,
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Signer exposes the configured token signer.
func (s *Service) Signer() *Signer { return s.signer }

// Login authenticates a username/password pair and opens a fresh session: one
// access token plus the head of a new refresh token chain. Lookup and
// password failures are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string, meta RequestMeta) (TokenPair, Identity, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return TokenPair{}, Identity{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	user, err := s.store.Users().FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			VerifyPassword(dummyHash, password)
			obs.IncLoginFailure()
			return TokenPair{}, Identity{}, ErrUnauthorized
		}
		return TokenPair{}, Identity{}, err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		obs.IncLoginFailure()
		return TokenPair{}, Identity{}, ErrUnauthorized
	}

	identity := identityOf(user)
	pair, err := s.mintPair(ctx, identity, meta)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	return pair, identity, nil
}

// Refresh exchanges a valid refresh token for a new token pair, revoking the
// old token in the same storage transaction. Unlike login, the access token
// reflects the user's current role and device set, re-read from the store, so
// entitlement changes take effect without a full re-login.
//
// Presenting an already-rotated token is treated as a reuse incident: the
// caller sees a plain authorization failure but the event is counted
// separately for security monitoring.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (TokenPair, Identity, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, Identity{}, fmt.Errorf("%w: refresh token is required", ErrInvalidInput)
	}

	tokens := s.store.RefreshTokens()
	record, err := tokens.FindValid(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Identity{}, s.classifyRefreshMiss(ctx, refreshToken)
		}
		return TokenPair{}, Identity{}, err
	}

	user, err := s.store.Users().Find(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Identity{}, ErrUnauthorized
		}
		return TokenPair{}, Identity{}, err
	}

	successor, err := s.newRefreshRecord(user.ID, meta)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	if err := tokens.Rotate(ctx, refreshToken, successor); err != nil {
		switch {
		case errors.Is(err, ErrTokenReused):
			// Lost the race against a concurrent rotation of the same token.
			obs.IncTokenReuse()
			return TokenPair{}, Identity{}, ErrTokenReused
		case errors.Is(err, ErrNotFound):
			return TokenPair{}, Identity{}, ErrUnauthorized
		default:
			return TokenPair{}, Identity{}, err
		}
	}

	identity := identityOf(user)
	accessToken, accessExp, err := s.signer.Issue(identity)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     successor.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: successor.ExpiresAt,
	}, identity, nil
}

// classifyRefreshMiss decides what an invalid refresh token means. A revoked
// record with a successor is a replay of a consumed token.
func (s *Service) classifyRefreshMiss(ctx context.Context, refreshToken string) error {
	record, err := s.store.RefreshTokens().Find(ctx, refreshToken)
	if err != nil {
		return ErrUnauthorized
	}
	if record.Revoked() && record.ReplacedBy != nil {
		obs.IncTokenReuse()
		return ErrTokenReused
	}
	return ErrUnauthorized
}

// Logout revokes a single refresh token. It is idempotent: a missing or
// already-revoked token is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return s.store.RefreshTokens().Revoke(ctx, refreshToken)
}

// LogoutAll revokes every active refresh token chain owned by the user and
// returns how many were affected.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.RefreshTokens().RevokeAllForUser(ctx, userID)
}

// Authenticate verifies a bearer access token and returns the identity
// snapshot it carries. Validity is purely cryptographic plus the expiry
// check; the store is not consulted, so entitlement changes surface at the
// next refresh rather than mid-window.
func (s *Service) Authenticate(_ context.Context, accessToken string) (Identity, error) {
	id, err := s.signer.Verify(accessToken)
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

func (s *Service) mintPair(ctx context.Context, identity Identity, meta RequestMeta) (TokenPair, error) {
	accessToken, accessExp, err := s.signer.Issue(identity)
	if err != nil {
		return TokenPair{}, err
	}
	record, err := s.newRefreshRecord(identity.UserID, meta)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens().Create(ctx, record); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     record.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *Service) newRefreshRecord(userID string, meta RequestMeta) (*RefreshToken, error) {
	value, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &RefreshToken{
		Token:     value,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}, nil
}

// generateRefreshToken returns a high-entropy opaque value: 64 random bytes
// rendered as 128 lowercase hex characters.
func generateRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	value := hex.EncodeToString(buf)
	if len(value) != refreshTokenBytes*2 {
		return "", errors.New("auth: short refresh token")
	}
	return value, nil
}

// NormalizeUsername lower-cases and trims a submitted username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func identityOf(u *User) Identity {
	devices := u.AssignedDevices
	if u.Role == RoleAdmin {
		devices = nil
	}
	return Identity{
		UserID:          u.ID,
		Username:        u.Username,
		Role:            u.Role,
		AssignedDevices: devices,
	}
}
