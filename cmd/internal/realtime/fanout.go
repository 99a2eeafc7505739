package realtime

import (
	"log/slog"

	"trendnet/cmd/internal/observability"
	v1 "trendnet/shared/contracts/realtime/v1"
)

// Audience selects the live sessions an envelope is routed to.
//
// Routing:
//   - TargetID set: every session of TargetID, plus every session of SenderID
//     unless TargetOnly.
//   - Room set: every session that joined Room.
//   - Otherwise: every live session.
//
// ExceptSession is skipped in all three cases.
type Audience struct {
	SenderID      string
	Room          string
	TargetID      string
	TargetOnly    bool
	ExceptSession string
}

// MessageAudience routes a persisted message (or an update about it) by its own scope.
func MessageAudience(m Message) Audience {
	return Audience{SenderID: m.SenderID, Room: m.Room, TargetID: m.TargetID}
}

// SignalAudience routes an ephemeral signal from origin. The origin session
// never hears its own signal, and in a DM only the partner is notified.
func SignalAudience(origin *Session, scope Scope) Audience {
	return Audience{
		SenderID:      origin.Participant.ID,
		Room:          scope.Room,
		TargetID:      scope.TargetID,
		TargetOnly:    true,
		ExceptSession: origin.ID,
	}
}

// Fanout delivers envelopes to live sessions. Delivery is best effort: a
// session that is closing or whose queue is full drops the envelope.
type Fanout struct {
	log      *slog.Logger
	sessions *Registry
}

// NewFanout constructs a Fanout over sessions.
func NewFanout(log *slog.Logger, sessions *Registry) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{log: log, sessions: sessions}
}

// Resolve returns the sessions a would reach, de-duplicated.
func (f *Fanout) Resolve(a Audience) []*Session {
	var candidates []*Session
	switch {
	case a.TargetID != "":
		candidates = f.sessions.SessionsOf(a.TargetID)
		if !a.TargetOnly && a.SenderID != "" && a.SenderID != a.TargetID {
			candidates = append(candidates, f.sessions.SessionsOf(a.SenderID)...)
		}
	case a.Room != "":
		candidates = f.sessions.RoomMembers(a.Room)
	default:
		candidates = f.sessions.All()
	}

	out := candidates[:0]
	for _, s := range candidates {
		if s == nil || s.ID == a.ExceptSession {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Deliver offers env to every session in a and returns how many accepted it.
func (f *Fanout) Deliver(a Audience, env v1.Envelope) int {
	targets := f.Resolve(a)

	sent, dropped := 0, 0
	for _, s := range targets {
		if s.Enqueue(env) {
			sent++
			continue
		}
		dropped++
		f.log.Debug("fanout.drop", "session_id", s.ID, "participant_id", s.Participant.ID, "type", env.Type)
	}
	observability.AddFanout(sent, dropped)
	return sent
}

// DeliverTo offers env to a single session.
func (f *Fanout) DeliverTo(s *Session, env v1.Envelope) bool {
	ok := s.Enqueue(env)
	if ok {
		observability.AddFanout(1, 0)
	} else {
		observability.AddFanout(0, 1)
		f.log.Debug("fanout.drop", "session_id", s.ID, "participant_id", s.Participant.ID, "type", env.Type)
	}
	return ok
}
