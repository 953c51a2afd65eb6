package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"lorawatch.dev/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// WithNow overrides the store clock. Only intended for tests.
func (s *PGStore) WithNow(fn func() time.Time) *PGStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *PGStore) Users() UserStore                 { return &pgUserStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &pgTokenStore{db: s.db, now: s.now} }

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, username, password_hash, role, assigned_devices, created_at, updated_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	devices, _ := json.Marshal(u.AssignedDevices)
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, password_hash, role, assigned_devices) values($1,$2,$3,$4,$5)`,
		u.ID, u.Username, u.PasswordHash, u.Role, devices,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username)
	return scanUser(row)
}

func (s *pgUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by username asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *pgUserStore) Update(ctx context.Context, u *User) error {
	devices, _ := json.Marshal(u.AssignedDevices)
	res, err := s.db.ExecContext(ctx,
		`update users set username=$2, password_hash=$3, role=$4, assigned_devices=$5, updated_at=now() where id=$1`,
		u.ID, u.Username, u.PasswordHash, u.Role, devices,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u       User
		devices []byte
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &devices, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(devices, &u.AssignedDevices)
	return &u, nil
}

// Refresh token store ------------------------------------------------------

type pgTokenStore struct {
	db  *sql.DB
	now func() time.Time
}

const tokenColumns = `token, user_id, created_at, expires_at, revoked_at, replaced_by, ip_address, user_agent`

func (s *pgTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(token, user_id, created_at, expires_at, ip_address, user_agent)
		 values($1,$2,$3,$4,$5,$6)`,
		tok.Token, tok.UserID, tok.CreatedAt, tok.ExpiresAt, tok.IPAddress, tok.UserAgent,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgTokenStore) Find(ctx context.Context, token string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens where token=$1`, token)
	return scanToken(row)
}

func (s *pgTokenStore) FindValid(ctx context.Context, token string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens
		 where token=$1 and revoked_at is null and expires_at > $2`,
		token, s.now().UTC())
	return scanToken(row)
}

// Rotate revokes oldToken and records its successor inside one transaction.
// The conditional update is the compare-and-set that makes rotation
// at-most-once under concurrent callers racing on the same token: exactly one
// update observes revoked_at null and wins; the rest see zero rows.
func (s *pgTokenStore) Rotate(ctx context.Context, oldToken string, successor *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2, replaced_by=$3
		 where token=$1 and revoked_at is null and expires_at > $2`,
		oldToken, now, successor.Token,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.classifyRotateMiss(ctx, tx, oldToken, now)
	}

	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(token, user_id, created_at, expires_at, ip_address, user_agent)
		 values($1,$2,$3,$4,$5,$6)`,
		successor.Token, successor.UserID, successor.CreatedAt, successor.ExpiresAt,
		successor.IPAddress, successor.UserAgent,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return tx.Commit()
}

// classifyRotateMiss distinguishes a replayed token from one that simply
// never existed or already expired.
func (s *pgTokenStore) classifyRotateMiss(ctx context.Context, tx *sql.Tx, token string, now time.Time) error {
	var (
		revokedAt sql.NullTime
		expiresAt time.Time
	)
	err := tx.QueryRowContext(ctx,
		`select revoked_at, expires_at from refresh_tokens where token=$1`, token,
	).Scan(&revokedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if revokedAt.Valid {
		return ErrTokenReused
	}
	if !expiresAt.After(now) {
		return ErrNotFound
	}
	return ErrNotFound
}

func (s *pgTokenStore) Revoke(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where token=$1 and revoked_at is null`,
		token, s.now().UTC(),
	)
	return err
}

func (s *pgTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2 where user_id=$1 and revoked_at is null`,
		userID, s.now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanToken(row rowScanner) (*RefreshToken, error) {
	var (
		t          RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
		ip         sql.NullString
		agent      sql.NullString
	)
	if err := row.Scan(&t.Token, &t.UserID, &t.CreatedAt, &t.ExpiresAt, &revokedAt, &replacedBy, &ip, &agent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		v := revokedAt.Time
		t.RevokedAt = &v
	}
	if replacedBy.Valid {
		v := replacedBy.String
		t.ReplacedBy = &v
	}
	t.IPAddress = ip.String
	t.UserAgent = agent.String
	return &t, nil
}

const pgErrUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
