package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trendnet/cmd/identity"
	"trendnet/cmd/internal/realtime"
	v1 "trendnet/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (wsURL string, tokens map[string]string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := identity.NewMemoryRegistry()
	tokens = make(map[string]string)
	for _, p := range []identity.Participant{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}} {
		tok, err := reg.Issue(p)
		require.NoError(t, err)
		tokens[p.ID] = tok
	}

	engine, err := realtime.NewEngine(realtime.EngineConfig{Log: log, Store: realtime.NewMemoryStore()})
	require.NoError(t, err)

	cfg := realtime.DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw, err := realtime.NewGateway(log, engine, reg, cfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", tokens
}

func TestDialUnauthorized(t *testing.T) {
	t.Parallel()

	url, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, DialOptions{Token: "bogus"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConnCoordinatorRoundTrip(t *testing.T) {
	t.Parallel()

	url, tokens := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceConn, err := Dial(ctx, url, DialOptions{Token: tokens["alice"]})
	require.NoError(t, err)
	defer func() { _ = aliceConn.Close() }()

	bobConn, err := Dial(ctx, url, DialOptions{Token: tokens["bob"]})
	require.NoError(t, err)
	defer func() { _ = bobConn.Close() }()

	aliceCo := NewCoordinator(aliceConn)
	bobCo := NewCoordinator(bobConn)

	bobGot := make(chan v1.Message, 4)
	go func() {
		_ = bobConn.Run(ctx, func(env v1.Envelope) {
			_ = bobCo.HandleEnvelope(env)
			if env.Type == v1.TypeMessageNew {
				var p v1.MessageNewPayload
				if json.Unmarshal(env.Payload, &p) == nil {
					bobGot <- p.Message
				}
			}
		})
	}()
	go func() { _ = aliceConn.Run(ctx, func(env v1.Envelope) { _ = aliceCo.HandleEnvelope(env) }) }()

	require.Eventually(t, func() bool { return aliceCo.Self().ID == "alice" }, 5*time.Second, 10*time.Millisecond)

	tempID, err := aliceCo.Submit(ctx, Draft{Text: "thrift haul tonight?", TargetID: "bob"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, ok := aliceCo.Timeline().Lookup(tempID)
		return ok && e.Status == StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case m := <-bobGot:
		e, _ := aliceCo.Timeline().Lookup(tempID)
		assert.Equal(t, e.Message.ID, m.ID)
		assert.Equal(t, "thrift haul tonight?", m.Text)
	case <-ctx.Done():
		t.Fatal("bob never received the message")
	}

	// Own broadcast copy does not add a second row.
	require.Eventually(t, func() bool { return aliceCo.Timeline().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, aliceCo.Timeline().Len())

	reply, err := aliceConn.Call(ctx, v1.TypeMessageSearch, v1.MessageSearchPayload{Query: "THRIFT", TargetID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, v1.TypeSearchResult, reply.Type)
	var res v1.SearchResultPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &res))
	assert.True(t, res.OK)
	assert.Len(t, res.Messages, 1)
}
