package v1

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextChars bounds message text length in runes.
const MaxTextChars = 4000

// Error codes carried by acks and error frames.
const (
	CodeEmpty       = "empty"
	CodeTooLong     = "too_long"
	CodeNoFile      = "no_file"
	CodeNoFileData  = "no_file_data"
	CodeBadPayload  = "bad_payload"
	CodeBadJSON     = "bad_json"
	CodeBadEnvelope = "bad_envelope"
	CodeUnsupported = "unsupported"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
	CodeNotABot     = "not_a_bot"
	CodeSeedFailed  = "seed_failed"
	CodeUnavailable = "unavailable"
)

// PayloadError is a boundary validation failure. Code is wire-stable.
type PayloadError struct {
	Code    string
	Message string
}

func (e *PayloadError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func invalid(code, format string, args ...any) *PayloadError {
	return &PayloadError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Decode parses and normalizes the payload of a client envelope.
//
// The returned value is one of the client payload structs (by value).
// Validation failures are returned as *PayloadError.
func Decode(env Envelope) (any, error) {
	switch env.Type {
	case TypeRoomJoin:
		var p RoomJoinPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.Room = strings.TrimSpace(p.Room)
		if p.Room == "" {
			return nil, invalid(CodeBadPayload, "missing room")
		}
		return p, nil

	case TypeMessageSend:
		var p MessageSendPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.ClientMsgID = strings.TrimSpace(p.ClientMsgID)
		p.Text = strings.TrimSpace(p.Text)
		p.Room, p.TargetID = normalizeScope(p.Room, p.TargetID)
		if p.Text == "" {
			return nil, invalid(CodeEmpty, "empty text")
		}
		if utf8.RuneCountInString(p.Text) > MaxTextChars {
			return nil, invalid(CodeTooLong, "max %d chars", MaxTextChars)
		}
		return p, nil

	case TypeFileSend:
		var p FileSendPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.ClientMsgID = strings.TrimSpace(p.ClientMsgID)
		p.FileName = strings.TrimSpace(p.FileName)
		p.Text = strings.TrimSpace(p.Text)
		p.Room, p.TargetID = normalizeScope(p.Room, p.TargetID)
		if p.FileName == "" {
			return nil, invalid(CodeNoFile, "missing file name")
		}
		if p.DataURL == "" && strings.TrimSpace(p.URL) == "" {
			return nil, invalid(CodeNoFileData, "missing data_url or url")
		}
		p.URL = strings.TrimSpace(p.URL)
		if utf8.RuneCountInString(p.Text) > MaxTextChars {
			return nil, invalid(CodeTooLong, "max %d chars", MaxTextChars)
		}
		return p, nil

	case TypeTyping:
		var p TypingPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.Room, p.TargetID = normalizeScope(p.Room, p.TargetID)
		return p, nil

	case TypeMessageRead:
		var p MessageReadPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.MessageID = strings.TrimSpace(p.MessageID)
		if p.MessageID == "" {
			return nil, invalid(CodeBadPayload, "missing message_id")
		}
		return p, nil

	case TypeMessageReact:
		var p MessageReactPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.MessageID = strings.TrimSpace(p.MessageID)
		p.Emoji = strings.TrimSpace(p.Emoji)
		if p.MessageID == "" {
			return nil, invalid(CodeBadPayload, "missing message_id")
		}
		if p.Emoji == "" {
			return nil, invalid(CodeBadPayload, "missing emoji")
		}
		return p, nil

	case TypeHistoryFetch:
		var p HistoryFetchPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.Room, p.TargetID = normalizeScope(p.Room, p.TargetID)
		if p.Limit < 0 {
			return nil, invalid(CodeBadPayload, "negative limit")
		}
		return p, nil

	case TypeMessageSearch:
		var p MessageSearchPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.Query = strings.TrimSpace(p.Query)
		p.Room, p.TargetID = normalizeScope(p.Room, p.TargetID)
		if p.Limit < 0 {
			return nil, invalid(CodeBadPayload, "negative limit")
		}
		return p, nil

	case TypeDMSeed:
		var p DMSeedPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		p.TargetID = strings.TrimSpace(p.TargetID)
		if p.TargetID == "" {
			return nil, invalid(CodeBadPayload, "missing target_id")
		}
		return p, nil
	}
	return nil, invalid(CodeUnsupported, "unsupported type: %s", env.Type)
}

func unmarshal(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return invalid(CodeBadPayload, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return invalid(CodeBadPayload, "invalid payload: %v", err)
	}
	return nil
}

// normalizeScope enforces "at most one of room and target". Target wins.
func normalizeScope(room, target string) (string, string) {
	room = strings.TrimSpace(room)
	target = strings.TrimSpace(target)
	if target != "" {
		return "", target
	}
	return room, ""
}
