package realtime

import (
	"sort"
	"sync"
	"time"

	"trendnet/cmd/identity"
	v1 "trendnet/shared/contracts/realtime/v1"
)

// Session is one live connection bound to a participant for its lifetime.
//
// Send is never closed by the server so concurrent fan-out cannot panic;
// done signals goroutines to stop and Close is idempotent.
type Session struct {
	ID          string
	Participant identity.Participant
	ConnectedAt time.Time
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(id string, p identity.Participant, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Session{
		ID:          id,
		Participant: p,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep fan-out safe under concurrency.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Enqueue offers env without blocking. It reports false when the session is
// closing or its queue is full.
func (s *Session) Enqueue(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.Send <- env:
		return true
	default:
		return false
	}
}

// InRoom reports whether the session joined room.
func (s *Session) InRoom(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// join adds room and reports whether it was new.
func (s *Session) join(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}
