package realtime

// Scope is a view or addressing context: a room, a direct conversation with
// TargetID, or global when both are empty.
type Scope struct {
	Room     string
	TargetID string
}

// RoomScope returns the view of a named room.
func RoomScope(room string) Scope { return Scope{Room: room} }

// DMScope returns the direct-conversation view with partner.
func DMScope(partner string) Scope { return Scope{TargetID: partner} }

// GlobalScope is the unscoped view.
var GlobalScope = Scope{}

// IsDM reports whether s addresses a direct conversation.
func (s Scope) IsDM() bool { return s.TargetID != "" }

// IsRoom reports whether s addresses a room.
func (s Scope) IsRoom() bool { return s.TargetID == "" && s.Room != "" }

// IsGlobal reports whether s is unscoped.
func (s Scope) IsGlobal() bool { return s.TargetID == "" && s.Room == "" }

// Label is a bounded metric label for s.
func (s Scope) Label() string {
	switch {
	case s.IsDM():
		return "dm"
	case s.IsRoom():
		return "room"
	default:
		return "global"
	}
}

// Resolver decides which messages belong to a view. The same Resolver backs
// live delivery, pagination, and search.
type Resolver struct {
	// RoomGlobalFallback makes unscoped messages (no room, no target) visible
	// in every room view.
	RoomGlobalFallback bool
}

// InScope reports whether m is visible to viewer in view.
//
// DM view with partner P: m flows viewer->P or P->viewer.
// Room view R: m.Room == R, plus unscoped messages under RoomGlobalFallback.
// Global view: every message, except direct messages the viewer is not a party to.
func (r Resolver) InScope(m Message, viewer string, view Scope) bool {
	switch {
	case view.IsDM():
		if m.TargetID == "" {
			return false
		}
		partner := view.TargetID
		return (m.SenderID == viewer && m.TargetID == partner) ||
			(m.SenderID == partner && m.TargetID == viewer)

	case view.IsRoom():
		if m.Room == view.Room {
			return true
		}
		return r.RoomGlobalFallback && m.Room == "" && m.TargetID == ""

	default:
		return Party(m, viewer)
	}
}

// Matcher binds viewer and view into a store predicate.
func (r Resolver) Matcher(viewer string, view Scope) func(Message) bool {
	return func(m Message) bool { return r.InScope(m, viewer, view) }
}

// Party reports whether viewer may see m at all: every non-direct message,
// or a direct message the viewer sent or received.
func Party(m Message, viewer string) bool {
	if m.TargetID == "" {
		return true
	}
	return m.SenderID == viewer || m.TargetID == viewer
}
