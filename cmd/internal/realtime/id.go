package realtime

import (
	"time"

	"trendnet/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
// It falls back to random hex when the entropy source fails.
func NewSessionID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}

// NewEnvelopeID returns a short id for server envelopes.
func NewEnvelopeID() string {
	return NewRandomHex(8)
}
