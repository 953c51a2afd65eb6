package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "lorawatch-api"
	defaultAudience  = "lorawatch-dashboard"
	defaultAccessTTL = 15 * time.Minute
)

// Signer issues and verifies access tokens. RS256 with an asymmetric keypair
// is the primary algorithm; an HS256 shared secret can be kept configured so
// tokens issued before a key migration keep verifying. Verification walks an
// ordered chain of strategies and the first structural success wins.
type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	secret     []byte

	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

// SignerOption configures Signer behavior.
type SignerOption func(*Signer) error

// WithRS256Keys configures the RSA keypair used for signing and verifying.
func WithRS256Keys(privatePEM, publicPEM string) SignerOption {
	return func(s *Signer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = pub
		return nil
	}
}

// WithTokenSecret keeps HS256 verification enabled for legacy tokens. When no
// keypair is configured the secret is also used for signing.
func WithTokenSecret(secret string) SignerOption {
	return func(s *Signer) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(aud string) SignerOption {
	return func(s *Signer) error {
		if v := strings.TrimSpace(aud); v != "" {
			s.audience = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithSignerClock overrides the time source (useful for tests).
func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *Signer) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewSigner constructs a Signer with optional configuration.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		issuer:    defaultIssuer,
		audience:  defaultAudience,
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Configured reports whether at least one verification path is available.
func (s *Signer) Configured() bool {
	return s.publicKey != nil || len(s.secret) > 0
}

// AccessTTL returns the configured access token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.accessTTL }

// accessClaims is the JWT payload. Field names match the wire format the
// dashboard already consumes. LegacyUserID carries the subject of tokens
// minted before the key migration; Verify normalizes it into Subject.
type accessClaims struct {
	Username        string   `json:"username,omitempty"`
	Role            string   `json:"role,omitempty"`
	AssignedDevices []string `json:"assignedDevices,omitempty"`
	LegacyUserID    string   `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs an access token embedding the identity snapshot. The expiry is
// s.accessTTL from the current clock reading.
func (s *Signer) Issue(id Identity) (string, time.Time, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := accessClaims{
		Username:        id.Username,
		Role:            id.Role,
		AssignedDevices: id.AssignedDevices,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	switch {
	case s.privateKey != nil:
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		signed, err := token.SignedString(s.privateKey)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("sign token: %w", err)
		}
		return signed, exp, nil
	case len(s.secret) > 0:
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(s.secret)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("sign token: %w", err)
		}
		return signed, exp, nil
	default:
		return "", time.Time{}, ErrNotConfigured
	}
}

// verifyStrategy is one entry of the verification chain. It reports
// ErrNotConfigured when its key material is absent, so the chain can skip it
// without treating the miss as a structural failure.
type verifyStrategy struct {
	name   string
	verify func(raw string) (Identity, error)
}

func (s *Signer) strategies() []verifyStrategy {
	return []verifyStrategy{
		{name: "rs256", verify: s.verifyRS256},
		{name: "hs256", verify: s.verifyHS256},
	}
}

// Verify validates an access token against the strategy chain. Expiry under
// any strategy is reported as ErrTokenExpired so callers can distinguish
// "log in again" from "token invalid".
func (s *Signer) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrInvalidToken
	}

	configured := false
	expired := false
	for _, strat := range s.strategies() {
		id, err := strat.verify(raw)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		configured = true
		if errors.Is(err, ErrTokenExpired) {
			expired = true
		}
	}
	if !configured {
		return Identity{}, ErrNotConfigured
	}
	if expired {
		return Identity{}, ErrTokenExpired
	}
	return Identity{}, ErrInvalidToken
}

func (s *Signer) verifyRS256(raw string) (Identity, error) {
	if s.publicKey == nil {
		return Identity{}, ErrNotConfigured
	}
	return s.parse(raw, []string{jwt.SigningMethodRS256.Alg()}, func(*jwt.Token) (any, error) {
		return s.publicKey, nil
	})
}

func (s *Signer) verifyHS256(raw string) (Identity, error) {
	if len(s.secret) == 0 {
		return Identity{}, ErrNotConfigured
	}
	return s.parse(raw, []string{jwt.SigningMethodHS256.Alg()}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
}

func (s *Signer) parse(raw string, methods []string, keyFn jwt.Keyfunc) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(raw, &accessClaims{}, keyFn,
		jwt.WithValidMethods(methods),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	return claims.identity()
}

func (c *accessClaims) identity() (Identity, error) {
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		// Tokens minted before the key migration carried the user id in a
		// custom claim instead of sub.
		subject = strings.TrimSpace(c.LegacyUserID)
	}
	if subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:          subject,
		Username:        c.Username,
		Role:            c.Role,
		AssignedDevices: c.AssignedDevices,
	}, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
