package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserService is the admin-facing account management layer. Every write path
// funnels through it so the role invariant holds everywhere: an admin user
// never carries assigned devices.
type UserService struct {
	store UserStore
}

// NewUserService constructs the account management service.
func NewUserService(store UserStore) (*UserService, error) {
	if store == nil {
		return nil, errors.New("auth: user store is required")
	}
	return &UserService{store: store}, nil
}

// CreateUserInput carries the fields accepted on account creation.
type CreateUserInput struct {
	Username        string
	Password        string
	Role            string
	AssignedDevices []string
}

// UpdateUserInput carries optional account changes; nil fields are untouched.
type UpdateUserInput struct {
	Username        *string
	Password        *string
	Role            *string
	AssignedDevices []string
	DevicesSet      bool
}

func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	username := NormalizeUsername(in.Username)
	if username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if len(username) < 3 || len(username) > 50 {
		return nil, fmt.Errorf("%w: username must be 3-50 characters", ErrInvalidInput)
	}
	role := in.Role
	if role == "" {
		role = RoleClient
	}
	if role != RoleAdmin && role != RoleClient {
		return nil, fmt.Errorf("%w: role must be %q or %q", ErrInvalidInput, RoleAdmin, RoleClient)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:        username,
		PasswordHash:    hash,
		Role:            role,
		AssignedDevices: normalizeDevices(in.AssignedDevices),
	}
	enforceRoleInvariant(user)
	if err := s.store.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Find(ctx, id)
}

func (s *UserService) List(ctx context.Context) ([]*User, error) {
	return s.store.List(ctx)
}

func (s *UserService) Update(ctx context.Context, id string, in UpdateUserInput) (*User, error) {
	user, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Username != nil {
		username := NormalizeUsername(*in.Username)
		if len(username) < 3 || len(username) > 50 {
			return nil, fmt.Errorf("%w: username must be 3-50 characters", ErrInvalidInput)
		}
		user.Username = username
	}
	if in.Password != nil {
		if *in.Password == "" {
			return nil, fmt.Errorf("%w: password must not be empty", ErrInvalidInput)
		}
		hash, err := HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	if in.Role != nil {
		role := strings.TrimSpace(*in.Role)
		if role != RoleAdmin && role != RoleClient {
			return nil, fmt.Errorf("%w: role must be %q or %q", ErrInvalidInput, RoleAdmin, RoleClient)
		}
		user.Role = role
	}
	if in.DevicesSet {
		user.AssignedDevices = normalizeDevices(in.AssignedDevices)
	}
	enforceRoleInvariant(user)
	if err := s.store.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserService) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// enforceRoleInvariant clears the device set for admins. Admins implicitly
// have access to every device, so a stored set would only go stale.
func enforceRoleInvariant(u *User) {
	if u.Role == RoleAdmin {
		u.AssignedDevices = nil
	}
}

func normalizeDevices(devices []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
