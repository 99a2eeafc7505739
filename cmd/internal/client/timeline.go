// Package client is the client half of the TrendNet send protocol: an
// optimistic Timeline, the Coordinator that drives each outgoing message
// through sending, sent and failed, and a websocket Conn.
package client

import (
	"maps"
	"slices"
	"sync"
	"time"

	v1 "trendnet/shared/contracts/realtime/v1"
)

// Status is the local delivery state of a timeline entry.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Draft is what the user submitted. It is kept so a failed message can be
// re-submitted unchanged.
type Draft struct {
	Text     string
	File     *v1.File
	Room     string
	TargetID string
}

// Entry is one rendered row: a provisional message awaiting its ack, or a
// canonical server message.
type Entry struct {
	// TempID is set for entries that started as provisional.
	TempID  string
	Message v1.Message
	Status  Status
	Draft   Draft
	// Error is the last ack error for a failed entry.
	Error string
}

// Provisional reports whether the entry still carries its temporary id.
func (e Entry) Provisional() bool {
	return e.TempID != "" && e.Message.ID == e.TempID
}

// Timeline is the ordered list of entries a client renders. Canonical ids are
// unique: a broadcast copy of an acknowledged message never adds a row.
type Timeline struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	byTemp  map[string]*Entry
}

// NewTimeline constructs an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:   make(map[string]*Entry),
		byTemp: make(map[string]*Entry),
	}
}

// Stage appends a provisional entry in StatusSending.
func (t *Timeline) Stage(tempID string, self v1.Participant, d Draft, now time.Time) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{
		TempID: tempID,
		Status: StatusSending,
		Draft:  d,
		Message: v1.Message{
			ID:        tempID,
			Sender:    self.DisplayName,
			SenderID:  self.ID,
			Text:      d.Text,
			File:      d.File,
			Room:      d.Room,
			TargetID:  d.TargetID,
			Timestamp: now.UTC(),
			ReadBy:    []string{self.ID},
			Reactions: map[string][]string{},
		},
	}
	t.entries = append(t.entries, e)
	t.byTemp[tempID] = e
	t.byID[tempID] = e
	return clone(e)
}

// Confirm replaces the provisional entry for tempID with m, in place and in
// any status. If a broadcast already added m, that copy is dropped.
func (t *Timeline) Confirm(tempID string, m v1.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return false
	}

	if dup, ok := t.byID[m.ID]; ok && dup != e {
		t.remove(dup)
	}
	delete(t.byID, e.Message.ID)

	e.Message = m
	e.Status = StatusSent
	e.Error = ""
	t.byID[m.ID] = e
	return true
}

// MarkFailed moves a sending entry to StatusFailed. Entries already
// confirmed are left alone.
func (t *Timeline) MarkFailed(tempID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok || e.Status != StatusSending {
		return false
	}
	e.Status = StatusFailed
	e.Error = reason
	return true
}

// MarkSending moves a failed entry back to StatusSending for a retry.
func (t *Timeline) MarkSending(tempID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok || e.Status != StatusFailed {
		return Entry{}, false
	}
	e.Status = StatusSending
	e.Error = ""
	return clone(e), true
}

// Deliver applies a server message. Known ids are refreshed in place;
// unknown ids are appended. It reports whether a row was added.
func (t *Timeline) Deliver(m v1.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byID[m.ID]; ok {
		e.Message = m
		return false
	}
	e := &Entry{Message: m, Status: StatusSent}
	t.entries = append(t.entries, e)
	t.byID[m.ID] = e
	return true
}

// Backfill prepends an older page, ascending, skipping known ids.
func (t *Timeline) Backfill(msgs []v1.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	older := make([]*Entry, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		e := &Entry{Message: m, Status: StatusSent}
		older = append(older, e)
		t.byID[m.ID] = e
	}
	t.entries = append(older, t.entries...)
	return len(older)
}

// ApplyRead replaces the read-set of a known message.
func (t *Timeline) ApplyRead(messageID string, readBy []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[messageID]
	if !ok {
		return false
	}
	e.Message.ReadBy = slices.Clone(readBy)
	return true
}

// ApplyReactions replaces the reaction map of a known message.
func (t *Timeline) ApplyReactions(messageID string, reactions map[string][]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[messageID]
	if !ok {
		return false
	}
	e.Message.Reactions = maps.Clone(reactions)
	return true
}

// Lookup returns the entry that started with tempID.
func (t *Timeline) Lookup(tempID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return Entry{}, false
	}
	return clone(e), true
}

// Entries returns a snapshot in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, clone(e))
	}
	return out
}

// Len returns the number of rows.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) remove(target *Entry) {
	for i, e := range t.entries {
		if e == target {
			t.entries = slices.Delete(t.entries, i, i+1)
			break
		}
	}
	delete(t.byID, target.Message.ID)
	if target.TempID != "" {
		delete(t.byTemp, target.TempID)
	}
}

func clone(e *Entry) Entry {
	out := *e
	out.Message.ReadBy = slices.Clone(e.Message.ReadBy)
	out.Message.Reactions = maps.Clone(e.Message.Reactions)
	return out
}
