// Package ids provides identifier primitives (ULIDs) used for participants and messages.
package ids

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Monotonic issues strictly increasing ULIDs, including within one millisecond
// and across a backwards clock step.
type Monotonic struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID
}

// NewMonotonic constructs a generator seeded from crypto/rand.
func NewMonotonic() *Monotonic {
	return &Monotonic{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next id for time now.
func (m *Monotonic) Next(now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < m.last.Time() {
		ms = m.last.Time()
	}

	id, err := ulid.New(ms, m.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		// Entropy exhausted within one millisecond; borrow the next one.
		id, err = ulid.New(ms+1, m.entropy)
	}
	if err != nil {
		return "", err
	}
	m.last = id
	return id.String(), nil
}
