package devices

import (
	"errors"
	"time"
)

var (
	// ErrNotFound means the device or measurement does not exist.
	ErrNotFound = errors.New("devices: not found")
	// ErrConflict means a uniqueness constraint was violated.
	ErrConflict = errors.New("devices: conflict")
	// ErrInvalidInput means the caller supplied unusable data.
	ErrInvalidInput = errors.New("devices: invalid input")
)

// Device is a registered LoRaWAN end device.
type Device struct {
	DeviceID    string     `json:"deviceId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	IsActive    bool       `json:"isActive"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Measurement is a single decoded uplink. P1/P2 carry the particulate
// readings; nil means the uplink did not include that field.
type Measurement struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	ReceivedAt  time.Time `json:"receivedAt"`
	P1          *float64  `json:"p1,omitempty"`
	P2          *float64  `json:"p2,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Battery     *float64  `json:"battery,omitempty"`
	RawPayload  []byte    `json:"-"`
}

// MeasurementFilter bounds a measurement query. Zero time means unbounded.
type MeasurementFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}
