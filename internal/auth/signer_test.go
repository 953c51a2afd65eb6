package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM)
}

func testIdentity() Identity {
	return Identity{
		UserID:          "user-1",
		Username:        "alice",
		Role:            RoleClient,
		AssignedDevices: []string{"dev-1"},
	}
}

func TestSignerRS256RoundTrip(t *testing.T) {
	priv, pub := testKeyPair(t)
	signer, err := NewSigner(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token, exp, err := signer.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	id, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || id.Username != "alice" || id.Role != RoleClient {
		t.Fatalf("identity did not round-trip: %+v", id)
	}
	if len(id.AssignedDevices) != 1 || id.AssignedDevices[0] != "dev-1" {
		t.Fatalf("devices did not round-trip: %v", id.AssignedDevices)
	}
}

func TestSignerHS256Fallback(t *testing.T) {
	// Token minted before the key migration, HS256 only.
	legacy, err := NewSigner(WithTokenSecret("legacy-shared-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, err := legacy.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Verifier with the new keypair plus the legacy secret still accepts it.
	priv, pub := testKeyPair(t)
	migrated, err := NewSigner(WithRS256Keys(priv, pub), WithTokenSecret("legacy-shared-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	id, err := migrated.Verify(token)
	if err != nil {
		t.Fatalf("Verify via fallback: %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("unexpected subject: %s", id.UserID)
	}

	// Without the secret the fallback path is gone.
	strict, err := NewSigner(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if _, err := strict.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSignerNormalizesLegacySubjectClaim(t *testing.T) {
	secret := "shared-secret"
	now := time.Now().UTC()
	legacyToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":   "user-9",
		"username": "bob",
		"role":     RoleClient,
		"iss":      defaultIssuer,
		"aud":      defaultAudience,
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
	})
	raw, err := legacyToken.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign legacy token: %v", err)
	}

	signer, err := NewSigner(WithTokenSecret(secret))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	id, err := signer.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-9" {
		t.Fatalf("legacy userId claim was not normalized, got %q", id.UserID)
	}
}

func TestSignerExpiredVsInvalid(t *testing.T) {
	priv, pub := testKeyPair(t)
	past := time.Now().Add(-time.Hour)
	issuing, err := NewSigner(WithRS256Keys(priv, pub), WithSignerClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, err := issuing.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	verifying, err := NewSigner(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if _, err := verifying.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	if _, err := verifying.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}

	// Signed by a different keypair entirely.
	otherPriv, otherPub := testKeyPair(t)
	other, err := NewSigner(WithRS256Keys(otherPriv, otherPub))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	forged, _, err := other.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifying.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}
}

func TestSignerRejectsWrongIssuerAndAudience(t *testing.T) {
	priv, pub := testKeyPair(t)
	foreign, err := NewSigner(WithRS256Keys(priv, pub), WithIssuer("someone-else"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, err := foreign.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	signer, err := NewSigner(WithRS256Keys(priv, pub))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}

	foreignAud, err := NewSigner(WithRS256Keys(priv, pub), WithAudience("other-frontend"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, err = foreignAud.Issue(testIdentity())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong audience, got %v", err)
	}
}

func TestSignerNotConfigured(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if signer.Configured() {
		t.Fatalf("expected unconfigured signer")
	}
	if _, _, err := signer.Issue(testIdentity()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured on issue, got %v", err)
	}
	if _, err := signer.Verify("whatever"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured on verify, got %v", err)
	}
}
