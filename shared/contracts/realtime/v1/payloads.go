package v1

import "time"

// Participant is one online identity.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Automated   bool   `json:"automated,omitempty"`
}

// File describes an attachment. At least one of DataURL and URL is set.
type File struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	DataURL string `json:"data_url,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Message is the canonical persisted message as seen on the wire.
type Message struct {
	ID        string              `json:"id"`
	Sender    string              `json:"sender"`
	SenderID  string              `json:"sender_id"`
	Text      string              `json:"text,omitempty"`
	File      *File               `json:"file,omitempty"`
	Room      string              `json:"room,omitempty"`
	TargetID  string              `json:"target_id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	ReadBy    []string            `json:"read_by"`
	Reactions map[string][]string `json:"reactions"`
}

// ---- client -> server ----

// RoomJoinPayload joins the session to a room.
type RoomJoinPayload struct {
	Room string `json:"room"`
}

// MessageSendPayload submits a text message.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Text        string `json:"text"`
	Room        string `json:"room,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
}

// FileSendPayload submits an attachment, optionally with a caption.
type FileSendPayload struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	FileName    string `json:"file_name"`
	FileType    string `json:"file_type,omitempty"`
	DataURL     string `json:"data_url,omitempty"`
	URL         string `json:"url,omitempty"`
	Text        string `json:"text,omitempty"`
	Room        string `json:"room,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
}

// TypingPayload toggles the sender's typing state in a scope.
type TypingPayload struct {
	IsTyping bool   `json:"is_typing"`
	Room     string `json:"room,omitempty"`
	TargetID string `json:"target_id,omitempty"`
}

// MessageReadPayload marks a message read by the sender.
type MessageReadPayload struct {
	MessageID string `json:"message_id"`
}

// MessageReactPayload adds or removes the sender's reaction. Add defaults to true.
type MessageReactPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Add       *bool  `json:"add,omitempty"`
}

// Adding reports the effective add flag.
func (p MessageReactPayload) Adding() bool {
	return p.Add == nil || *p.Add
}

// HistoryFetchPayload requests messages older than Before in a scope.
type HistoryFetchPayload struct {
	Room     string     `json:"room,omitempty"`
	TargetID string     `json:"target_id,omitempty"`
	Before   *time.Time `json:"before,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// MessageSearchPayload requests a case-insensitive text search in a scope.
type MessageSearchPayload struct {
	Query    string `json:"query"`
	Room     string `json:"room,omitempty"`
	TargetID string `json:"target_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// DMSeedPayload asks an automated participant to open a conversation.
type DMSeedPayload struct {
	TargetID string `json:"target_id"`
}

// ---- server -> client ----

// SessionReadyPayload is the first frame on every connection.
type SessionReadyPayload struct {
	SessionID   string      `json:"session_id"`
	Participant Participant `json:"participant"`
}

// MessageListPayload carries initial history.
type MessageListPayload struct {
	Messages []Message `json:"messages"`
}

// MessageNewPayload wraps a delivered message.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// MessageAckPayload answers message.send and file.send.
type MessageAckPayload struct {
	OK          bool     `json:"ok"`
	ClientMsgID string   `json:"client_msg_id,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// PresenceUpdatePayload is the full de-duplicated online list.
type PresenceUpdatePayload struct {
	Participants []Participant `json:"participants"`
}

// RoomNoticePayload announces a join or leave in a room.
type RoomNoticePayload struct {
	Room          string `json:"room"`
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}

// TypingUpdatePayload relays a typing state change.
type TypingUpdatePayload struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	IsTyping      bool   `json:"is_typing"`
	Room          string `json:"room,omitempty"`
	TargetID      string `json:"target_id,omitempty"`
}

// ReadUpdatePayload carries the full read-set after a change.
type ReadUpdatePayload struct {
	MessageID string   `json:"message_id"`
	ReadBy    []string `json:"read_by"`
}

// ReactionUpdatePayload carries the full reaction map after a change.
type ReactionUpdatePayload struct {
	MessageID string              `json:"message_id"`
	Reactions map[string][]string `json:"reactions"`
}

// HistoryChunkPayload answers history.fetch.
type HistoryChunkPayload struct {
	OK       bool      `json:"ok"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	Error    string    `json:"error,omitempty"`
}

// SearchResultPayload answers message.search.
type SearchResultPayload struct {
	OK       bool      `json:"ok"`
	Messages []Message `json:"messages"`
	Error    string    `json:"error,omitempty"`
}

// DMSeedResultPayload answers dm.seed.
type DMSeedResultPayload struct {
	OK            bool   `json:"ok"`
	Seeded        bool   `json:"seeded,omitempty"`
	AlreadySeeded bool   `json:"already_seeded,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrorPayload is a frame-level error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
