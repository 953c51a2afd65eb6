package devices

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"lorawatch.dev/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps devices and measurements in process memory. It matches the
// Postgres store's semantics and backs the HTTP tests.
type MemStore struct {
	mu           sync.Mutex
	devices      map[string]*Device
	measurements map[string][]*Measurement
}

func NewMemStore() *MemStore {
	return &MemStore{
		devices:      make(map[string]*Device),
		measurements: make(map[string][]*Measurement),
	}
}

func (s *MemStore) UpsertDevice(_ context.Context, deviceID string, seenAt time.Time) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := seenAt.UTC()
	if d, ok := s.devices[deviceID]; ok {
		d.LastSeenAt = &seen
		d.UpdatedAt = time.Now().UTC()
		return nil
	}
	now := time.Now().UTC()
	s.devices[deviceID] = &Device{
		DeviceID:   deviceID,
		Name:       deviceID,
		IsActive:   true,
		LastSeenAt: &seen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (s *MemStore) Find(_ context.Context, deviceID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *MemStore) List(_ context.Context) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		copied := *d
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemStore) ListByIDs(_ context.Context, deviceIDs []string) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, id := range deviceIDs {
		if d, ok := s.devices[id]; ok {
			copied := *d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemStore) InsertMeasurement(_ context.Context, m *Measurement) error {
	if m == nil || strings.TrimSpace(m.DeviceID) == "" || m.ReceivedAt.IsZero() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.measurements[m.DeviceID] {
		if existing.ReceivedAt.Equal(m.ReceivedAt) {
			return nil
		}
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	copied := *m
	copied.ReceivedAt = m.ReceivedAt.UTC()
	s.measurements[m.DeviceID] = append(s.measurements[m.DeviceID], &copied)
	return nil
}

func (s *MemStore) Latest(_ context.Context, deviceID string) (*Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.measurements[deviceID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	latest := list[0]
	for _, m := range list[1:] {
		if m.ReceivedAt.After(latest.ReceivedAt) {
			latest = m
		}
	}
	copied := *latest
	return &copied, nil
}

func (s *MemStore) Measurements(_ context.Context, deviceID string, f MeasurementFilter) ([]*Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Measurement
	for _, m := range s.measurements[deviceID] {
		if !f.From.IsZero() && m.ReceivedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && m.ReceivedAt.After(f.To) {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
