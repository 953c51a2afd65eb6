package devices

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"lorawatch.dev/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const deviceColumns = `device_id, name, description, location, is_active, last_seen_at, created_at, updated_at`

func (s *PGStore) UpsertDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx,
		`insert into devices(device_id, name, last_seen_at) values($1, $1, $2)
		 on conflict (device_id) do update set last_seen_at = excluded.last_seen_at, updated_at = now()`,
		deviceID, seenAt.UTC(),
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+deviceColumns+` from devices where device_id=$1`, deviceID)
	return scanDevice(row)
}

func (s *PGStore) List(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+deviceColumns+` from devices order by device_id asc`)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

func (s *PGStore) ListByIDs(ctx context.Context, deviceIDs []string) ([]*Device, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+deviceColumns+` from devices where device_id = any($1) order by device_id asc`,
		pgTextArray(deviceIDs))
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

const measurementColumns = `id, device_id, received_at, p1, p2, temperature, humidity, battery, raw_payload`

func (s *PGStore) InsertMeasurement(ctx context.Context, m *Measurement) error {
	if m == nil || strings.TrimSpace(m.DeviceID) == "" || m.ReceivedAt.IsZero() {
		return ErrInvalidInput
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into measurements(id, device_id, received_at, p1, p2, temperature, humidity, battery, raw_payload)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 on conflict (device_id, received_at) do nothing`,
		m.ID, m.DeviceID, m.ReceivedAt.UTC(), m.P1, m.P2, m.Temperature, m.Humidity, m.Battery, m.RawPayload,
	)
	return err
}

func (s *PGStore) Latest(ctx context.Context, deviceID string) (*Measurement, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+measurementColumns+` from measurements where device_id=$1 order by received_at desc limit 1`,
		deviceID)
	return scanMeasurement(row)
}

func (s *PGStore) Measurements(ctx context.Context, deviceID string, f MeasurementFilter) ([]*Measurement, error) {
	query := `select ` + measurementColumns + ` from measurements where device_id=$1`
	args := []any{deviceID}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		query += ` and received_at >= $` + strconv.Itoa(len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		query += ` and received_at <= $` + strconv.Itoa(len(args))
	}
	query += ` order by received_at desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` limit $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Scanning ------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var lastSeen sql.NullTime
	err := row.Scan(&d.DeviceID, &d.Name, &d.Description, &d.Location, &d.IsActive,
		&lastSeen, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return &d, nil
}

func collectDevices(rows *sql.Rows) ([]*Device, error) {
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanMeasurement(row rowScanner) (*Measurement, error) {
	var m Measurement
	err := row.Scan(&m.ID, &m.DeviceID, &m.ReceivedAt,
		&m.P1, &m.P2, &m.Temperature, &m.Humidity, &m.Battery, &m.RawPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// pgTextArray renders a text[] literal for the = any($1) form, which keeps
// the query a single prepared statement regardless of slice length.
func pgTextArray(items []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, item := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(item, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

