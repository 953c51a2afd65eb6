package devices

import (
	"context"
	"time"
)

// Store is the persistence boundary for devices and their measurements.
type Store interface {
	// UpsertDevice registers the device if unknown and refreshes last_seen_at.
	UpsertDevice(ctx context.Context, deviceID string, seenAt time.Time) error

	Find(ctx context.Context, deviceID string) (*Device, error)
	List(ctx context.Context) ([]*Device, error)
	ListByIDs(ctx context.Context, deviceIDs []string) ([]*Device, error)

	// InsertMeasurement stores an uplink. A duplicate (device_id, received_at)
	// pair is dropped silently so webhook retries stay idempotent.
	InsertMeasurement(ctx context.Context, m *Measurement) error
	Latest(ctx context.Context, deviceID string) (*Measurement, error)
	Measurements(ctx context.Context, deviceID string, f MeasurementFilter) ([]*Measurement, error)
}
