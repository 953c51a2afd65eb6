package auth

import "time"

const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// User is a dashboard account. Usernames are stored lower-cased. Admin users
// never carry assigned devices; the set is cleared on every write.
type User struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	Role            string    `json:"role"`
	AssignedDevices []string  `json:"assignedDevices"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Identity is the verified subject of an access token: a snapshot of the
// user's role and device entitlements taken at issuance time.
type Identity struct {
	UserID          string   `json:"id"`
	Username        string   `json:"username"`
	Role            string   `json:"role"`
	AssignedDevices []string `json:"assignedDevices"`
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// RefreshToken is a persisted single-use credential. ReplacedBy links a
// rotated token to its successor, forming an auditable chain per session.
type RefreshToken struct {
	Token      string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
	IPAddress  string
	UserAgent  string
}

// Revoked reports whether the token has been explicitly invalidated.
func (t *RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// TokenPair bundles the credentials returned by login and refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RequestMeta carries request provenance recorded with refresh tokens and
// audit events.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}
