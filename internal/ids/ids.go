// Package ids generates sortable identifiers for storage keys. User and
// measurement rows use these so index order follows insertion order.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a ULID based on the current time.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID with the given timestamp component.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
