package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(t *testing.T, typ string, payload any) Envelope {
	t.Helper()
	e, err := NewEnvelope(typ, "c1", "", time.Now().UTC(), payload)
	require.NoError(t, err)
	return e
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      Envelope
		wantErr bool
	}{
		{name: "ok client", in: Envelope{V: Version, Type: TypeMessageSend}},
		{name: "ok server", in: Envelope{V: Version, Type: TypePresenceUpdate}},
		{name: "missing version", in: Envelope{Type: TypeTyping}, wantErr: true},
		{name: "wrong version", in: Envelope{V: "v0", Type: TypeTyping}, wantErr: true},
		{name: "missing type", in: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", in: Envelope{V: Version, Type: "hello"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.in.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeMessageSend(t *testing.T) {
	t.Parallel()

	got, err := Decode(env(t, TypeMessageSend, MessageSendPayload{Text: "  hello ", Room: " general "}))
	require.NoError(t, err)

	p, ok := got.(MessageSendPayload)
	require.True(t, ok)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "general", p.Room)
	assert.Empty(t, p.TargetID)
}

func TestDecodeTargetWinsOverRoom(t *testing.T) {
	t.Parallel()

	got, err := Decode(env(t, TypeMessageSend, MessageSendPayload{Text: "hi", Room: "general", TargetID: "bob"}))
	require.NoError(t, err)

	p := got.(MessageSendPayload)
	assert.Empty(t, p.Room)
	assert.Equal(t, "bob", p.TargetID)
}

func TestDecodeValidationCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Envelope
		code string
	}{
		{name: "empty text", in: env(t, TypeMessageSend, MessageSendPayload{Text: "   "}), code: CodeEmpty},
		{name: "too long", in: env(t, TypeMessageSend, MessageSendPayload{Text: strings.Repeat("a", MaxTextChars+1)}), code: CodeTooLong},
		{name: "file without name", in: env(t, TypeFileSend, FileSendPayload{URL: "https://x/y.png"}), code: CodeNoFile},
		{name: "file without data", in: env(t, TypeFileSend, FileSendPayload{FileName: "a.png"}), code: CodeNoFileData},
		{name: "join without room", in: env(t, TypeRoomJoin, RoomJoinPayload{}), code: CodeBadPayload},
		{name: "react without emoji", in: env(t, TypeMessageReact, MessageReactPayload{MessageID: "m1"}), code: CodeBadPayload},
		{name: "read without id", in: env(t, TypeMessageRead, MessageReadPayload{}), code: CodeBadPayload},
		{name: "server type", in: env(t, TypeMessageAck, MessageAckPayload{}), code: CodeUnsupported},
		{name: "not json", in: Envelope{V: Version, Type: TypeTyping, Payload: json.RawMessage(`[1,`)}, code: CodeBadPayload},
		{name: "no payload", in: Envelope{V: Version, Type: TypeTyping}, code: CodeBadPayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.in)
			require.Error(t, err)

			var pe *PayloadError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tc.code, pe.Code)
		})
	}
}

func TestDecodeFileAcceptsEitherSource(t *testing.T) {
	t.Parallel()

	_, err := Decode(env(t, TypeFileSend, FileSendPayload{FileName: "a.png", DataURL: "data:image/png;base64,AAAA"}))
	require.NoError(t, err)

	_, err = Decode(env(t, TypeFileSend, FileSendPayload{FileName: "a.png", URL: "https://cdn/a.png"}))
	require.NoError(t, err)
}

func TestReactAddDefaultsTrue(t *testing.T) {
	t.Parallel()

	got, err := Decode(Envelope{V: Version, Type: TypeMessageReact, Payload: json.RawMessage(`{"message_id":"m1","emoji":"👍"}`)})
	require.NoError(t, err)
	assert.True(t, got.(MessageReactPayload).Adding())

	got, err = Decode(Envelope{V: Version, Type: TypeMessageReact, Payload: json.RawMessage(`{"message_id":"m1","emoji":"👍","add":false}`)})
	require.NoError(t, err)
	assert.False(t, got.(MessageReactPayload).Adding())
}
