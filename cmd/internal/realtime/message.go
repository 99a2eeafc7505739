package realtime

import (
	"errors"
	"slices"
	"strings"
	"time"

	"trendnet/cmd/identity"
	v1 "trendnet/shared/contracts/realtime/v1"
)

// File is an attachment descriptor. At least one of DataURL and URL is set.
type File struct {
	Name    string
	Type    string
	DataURL string
	URL     string
}

// Message is the canonical persisted record.
//
// At most one of Room and TargetID is set. ReadBy and Reactions are sets and
// are the only fields that change after Append.
type Message struct {
	ID          string
	ClientMsgID string
	Sender      string
	SenderID    string
	Text        string
	File        *File
	Room        string
	TargetID    string
	Timestamp   time.Time
	ReadBy      []string
	Reactions   map[string][]string
}

// Scope returns the addressing scope the message was sent to.
func (m Message) Scope() Scope {
	return Scope{Room: m.Room, TargetID: m.TargetID}
}

// Clone returns a deep copy safe to hand out of a store lock.
func (m Message) Clone() Message {
	out := m
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	out.ReadBy = slices.Clone(m.ReadBy)
	if out.ReadBy == nil {
		out.ReadBy = []string{}
	}
	out.Reactions = make(map[string][]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = slices.Clone(v)
	}
	return out
}

// Wire converts the record to its protocol form.
func (m Message) Wire() v1.Message {
	c := m.Clone()
	out := v1.Message{
		ID:        c.ID,
		Sender:    c.Sender,
		SenderID:  c.SenderID,
		Text:      c.Text,
		Room:      c.Room,
		TargetID:  c.TargetID,
		Timestamp: c.Timestamp,
		ReadBy:    c.ReadBy,
		Reactions: c.Reactions,
	}
	if c.File != nil {
		out.File = &v1.File{Name: c.File.Name, Type: c.File.Type, DataURL: c.File.DataURL, URL: c.File.URL}
	}
	return out
}

// WireList converts a slice of records.
func WireList(msgs []Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}

// Draft is an append request. The store assigns ID and Timestamp.
type Draft struct {
	// ClientMsgID deduplicates retries per sender when non-empty.
	ClientMsgID string
	Sender      identity.Participant
	Text        string
	File        *File
	Room        string
	TargetID    string
}

var (
	errDraftScope  = errors.New("realtime: draft has both room and target")
	errDraftEmpty  = errors.New("realtime: draft has neither text nor file")
	errDraftSender = errors.New("realtime: draft has no sender")
	errDraftNoData = errors.New("realtime: file has no data source")
)

func (d Draft) validate() error {
	if strings.TrimSpace(d.Sender.ID) == "" {
		return errDraftSender
	}
	if d.Room != "" && d.TargetID != "" {
		return errDraftScope
	}
	if strings.TrimSpace(d.Text) == "" && d.File == nil {
		return errDraftEmpty
	}
	if d.File != nil && d.File.DataURL == "" && d.File.URL == "" {
		return errDraftNoData
	}
	return nil
}

// newMessage builds the initial record for a validated draft.
// The sender has read their own message.
func newMessage(d Draft, id string, ts time.Time) Message {
	m := Message{
		ID:          id,
		ClientMsgID: d.ClientMsgID,
		Sender:      d.Sender.DisplayName,
		SenderID:    d.Sender.ID,
		Text:        d.Text,
		Room:        d.Room,
		TargetID:    d.TargetID,
		Timestamp:   ts,
		ReadBy:      []string{d.Sender.ID},
		Reactions:   map[string][]string{},
	}
	if d.File != nil {
		f := *d.File
		m.File = &f
	}
	return m
}

// dedupeKey scopes client message ids to their sender.
func dedupeKey(senderID, clientMsgID string) string {
	if clientMsgID == "" {
		return ""
	}
	return senderID + "\x00" + clientMsgID
}

// ---- set helpers ----

func addToSet(set []string, v string) ([]string, bool) {
	if slices.Contains(set, v) {
		return set, false
	}
	return append(set, v), true
}

func removeFromSet(set []string, v string) ([]string, bool) {
	i := slices.Index(set, v)
	if i < 0 {
		return set, false
	}
	return slices.Delete(set, i, i+1), true
}

// applyRead adds reader to m's read-set.
func applyRead(m *Message, reader string) bool {
	var changed bool
	m.ReadBy, changed = addToSet(m.ReadBy, reader)
	return changed
}

// applyReaction adds or removes reader under emoji. Empty sets are dropped.
func applyReaction(m *Message, emoji, reader string, add bool) bool {
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	cur := m.Reactions[emoji]

	var changed bool
	if add {
		cur, changed = addToSet(cur, reader)
	} else {
		cur, changed = removeFromSet(cur, reader)
	}
	if len(cur) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = cur
	}
	return changed
}
