// Package v1 defines the TrendNet realtime protocol v1 contract.
//
// It is shared between the server and Go clients so the wire format has a
// single authoritative definition. Every client frame is a tagged variant:
// the envelope Type selects exactly one payload struct, and Decode validates
// and normalizes it before it reaches the engine.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "1"

// Subprotocol is the WebSocket subprotocol negotiated on upgrade.
const Subprotocol = "trendnet.realtime.v1"

// Client -> server types.
const (
	TypeRoomJoin      = "room.join"
	TypeMessageSend   = "message.send"
	TypeFileSend      = "file.send"
	TypeTyping        = "typing"
	TypeMessageRead   = "message.read"
	TypeMessageReact  = "message.react"
	TypeHistoryFetch  = "history.fetch"
	TypeMessageSearch = "message.search"
	TypeDMSeed        = "dm.seed"
)

// Server -> client types.
const (
	TypeSessionReady          = "session.ready"
	TypeHistoryInitial        = "history.initial"
	TypeMessageNew            = "message.new"
	TypeMessageAck            = "message.ack"
	TypePresenceUpdate        = "presence.update"
	TypeRoomJoined            = "room.joined"
	TypeRoomLeft              = "room.left"
	TypeTypingUpdate          = "typing.update"
	TypeMessageReadUpdate     = "message.read_update"
	TypeMessageReactionUpdate = "message.reaction_update"
	TypeHistoryChunk          = "history.chunk"
	TypeSearchResult          = "search.result"
	TypeDMSeedResult          = "dm.seed.result"
	TypeError                 = "error"
)

// Envelope is the canonical wire wrapper.
//
// Ref carries the ID of the client envelope a server reply answers.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientType(e.Type) && !IsServerType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientType reports whether typ is sent by clients.
func IsClientType(typ string) bool {
	switch typ {
	case TypeRoomJoin,
		TypeMessageSend,
		TypeFileSend,
		TypeTyping,
		TypeMessageRead,
		TypeMessageReact,
		TypeHistoryFetch,
		TypeMessageSearch,
		TypeDMSeed:
		return true
	}
	return false
}

// IsServerType reports whether typ is sent by the server.
func IsServerType(typ string) bool {
	switch typ {
	case TypeSessionReady,
		TypeHistoryInitial,
		TypeMessageNew,
		TypeMessageAck,
		TypePresenceUpdate,
		TypeRoomJoined,
		TypeRoomLeft,
		TypeTypingUpdate,
		TypeMessageReadUpdate,
		TypeMessageReactionUpdate,
		TypeHistoryChunk,
		TypeSearchResult,
		TypeDMSeedResult,
		TypeError:
		return true
	}
	return false
}

// NewEnvelope marshals payload into a server or client envelope.
func NewEnvelope(typ, id, ref string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		Ref:     ref,
		TS:      ts,
		Payload: raw,
	}, nil
}
