package realtime

import (
	"sort"
	"sync"

	"trendnet/cmd/identity"
)

// Registry tracks live sessions per participant and derives presence.
//
// Concurrency guarantees:
//   - Add/Remove/JoinRoom are safe under concurrent fan-out reads.
//   - Presence is a projection recomputed from the session index; it is
//     never stored separately.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	byParticipant map[string]map[string]*Session
	rooms         map[string]map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		byParticipant: make(map[string]map[string]*Session),
		rooms:         make(map[string]map[string]*Session),
	}
}

// Add registers s and reports whether its participant just came online.
func (r *Registry) Add(s *Session) (cameOnline bool) {
	if s == nil || s.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s

	pid := s.Participant.ID
	set, ok := r.byParticipant[pid]
	if !ok {
		set = make(map[string]*Session)
		r.byParticipant[pid] = set
	}
	set[s.ID] = s
	return !ok
}

// Remove unregisters s. It returns the rooms s had joined and whether it was
// the participant's last live session.
func (r *Registry) Remove(s *Session) (rooms []string, wentOffline bool) {
	if s == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return nil, false
	}
	delete(r.sessions, s.ID)

	rooms = s.Rooms()
	for _, room := range rooms {
		members := r.rooms[room]
		delete(members, s.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}

	pid := s.Participant.ID
	set := r.byParticipant[pid]
	delete(set, s.ID)
	if len(set) == 0 {
		delete(r.byParticipant, pid)
		wentOffline = true
	}
	return rooms, wentOffline
}

// JoinRoom adds room to s's scope set and reports whether it was new.
// Rejoining is a no-op.
func (r *Registry) JoinRoom(s *Session, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return false
	}
	if !s.join(room) {
		return false
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[s.ID] = s
	return true
}

// Presence returns one entry per online participant, sorted by id.
func (r *Registry) Presence() []identity.Participant {
	r.mu.RLock()
	out := make([]identity.Participant, 0, len(r.byParticipant))
	for _, set := range r.byParticipant {
		for _, s := range set {
			out = append(out, s.Participant)
			break
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online reports whether pid has at least one live session.
func (r *Registry) Online(pid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParticipant[pid]) > 0
}

// SessionsOf returns the live sessions of pid.
func (r *Registry) SessionsOf(pid string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byParticipant[pid])
}

// RoomMembers returns the live sessions that joined room.
func (r *Registry) RoomMembers(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.rooms[room])
}

// All returns every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.sessions)
}

// Counts returns the number of live sessions and online participants.
func (r *Registry) Counts() (sessions, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.byParticipant)
}

func collect(m map[string]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}
