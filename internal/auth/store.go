package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages dashboard accounts. The token lifecycle only reads from
// it; the write operations serve the admin user-management surface and are
// where the admin-has-no-devices invariant is enforced.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
}

// RefreshTokenStore manages the refresh token ledger.
//
// Rotate is the core correctness primitive: it must revoke the old token and
// record its successor as one atomic conditional update, so that two
// concurrent rotations of the same token yield exactly one success. The
// losing call observes ErrTokenReused. The guarantee has to come from the
// storage layer, not a process-local lock, because multiple service instances
// share the ledger.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error

	// Find returns the record regardless of its state. Used to classify a
	// failed lookup: a revoked record with a successor is a reuse signal.
	Find(ctx context.Context, token string) (*RefreshToken, error)

	// FindValid returns the record only when it is unrevoked and unexpired.
	// Expired rows are excluded here regardless of any storage-level sweep.
	FindValid(ctx context.Context, token string) (*RefreshToken, error)

	// Rotate atomically revokes oldToken and persists successor, linking the
	// two via ReplacedBy. Returns ErrTokenReused when oldToken was already
	// revoked or rotated, ErrNotFound when it never existed or has expired.
	Rotate(ctx context.Context, oldToken string, successor *RefreshToken) error

	// Revoke marks a single token revoked without a successor.
	Revoke(ctx context.Context, token string) error

	// RevokeAllForUser revokes every active token owned by the user and
	// returns the number of rows affected.
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}
