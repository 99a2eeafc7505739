// Package main provides a CI-friendly WebSocket smoke test for TrendNet realtime.
//
// It validates:
//   - handshake + session.ready
//   - room join confirmation
//   - send -> ack -> message.new fan-out to another client
//   - retry deduplication by client_msg_id
//   - history fetch and search
//   - dm.seed against an automated persona
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"trendnet/cmd/internal/client"
	v1 "trendnet/shared/contracts/realtime/v1"
)

type smokeClient struct {
	name string
	conn *client.Conn
	co   *client.Coordinator

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost:8080", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "", "Token for client A (empty: use dev login)")
		tokenB  = flag.String("token-b", "", "Token for client B (empty: use dev login)")
		room    = flag.String("room", "smoke", "Room to join")
		persona = flag.String("persona", "bot-addison_jane", "Automated persona for dm.seed")
		text    = flag.String("text", "smoke check: wide-leg denim 👖", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()
	runID := time.Now().UTC().Format("150405")

	if *tokenA == "" {
		*tokenA = mustDevLogin(root, *wsURL, "smoke_a_"+runID, *timeout)
	}
	if *tokenB == "" {
		*tokenB = mustDevLogin(root, *wsURL, "smoke_b_"+runID, *timeout)
	}

	ctx, cancel := context.WithCancel(root)
	defer cancel()

	a := mustConnect(ctx, "A", *wsURL, *origin, *tokenA, *timeout)
	defer func() { _ = a.conn.Close() }()
	b := mustConnect(ctx, "B", *wsURL, *origin, *tokenB, *timeout)
	defer func() { _ = b.conn.Close() }()

	if *verbose {
		fmt.Printf("connected: A=%s B=%s\n", a.co.Self().ID, b.co.Self().ID)
	}

	mustJoin(ctx, a, *room, *timeout)
	mustJoin(ctx, b, *room, *timeout)

	tempID, err := a.co.Submit(ctx, client.Draft{Text: *text, Room: *room})
	if err != nil {
		fatalf("submit: %v", err)
	}
	msg := mustSent(a, tempID, *timeout)
	mustReceive(b, msg.ID, *timeout)

	// Resending the same client_msg_id must return the original record.
	reply := mustCall(ctx, a, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: tempID, Text: *text, Room: *room}, *timeout)
	var ack v1.MessageAckPayload
	mustDecode(reply, &ack)
	if !ack.OK || ack.Message == nil || ack.Message.ID != msg.ID {
		fatalf("dedupe: want ack for %s, got %+v", msg.ID, ack)
	}
	mustNotReceive(b, msg.ID, 1200*time.Millisecond)

	reply = mustCall(ctx, b, v1.TypeHistoryFetch, v1.HistoryFetchPayload{Room: *room, Limit: 50}, *timeout)
	var chunk v1.HistoryChunkPayload
	mustDecode(reply, &chunk)
	if !chunk.OK || !containsID(chunk.Messages, msg.ID) {
		fatalf("history.fetch: %s missing from %d messages", msg.ID, len(chunk.Messages))
	}

	needle := strings.ToUpper(strings.Fields(*text)[0])
	reply = mustCall(ctx, b, v1.TypeMessageSearch, v1.MessageSearchPayload{Query: needle, Room: *room}, *timeout)
	var found v1.SearchResultPayload
	mustDecode(reply, &found)
	if !found.OK || !containsID(found.Messages, msg.ID) {
		fatalf("message.search %q: %s not found", needle, msg.ID)
	}

	reply = mustCall(ctx, a, v1.TypeDMSeed, v1.DMSeedPayload{TargetID: *persona}, *timeout)
	var seeded v1.DMSeedResultPayload
	mustDecode(reply, &seeded)
	if !seeded.OK {
		fatalf("dm.seed %s: %s", *persona, seeded.Error)
	}

	fmt.Printf("OK: A=%s B=%s room=%s message_id=%s dm_seeded=%t\n",
		a.co.Self().ID, b.co.Self().ID, *room, msg.ID, seeded.Seeded)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustDevLogin(parent context.Context, wsURL, username string, timeout time.Duration) string {
	u, _ := url.Parse(wsURL)
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/api/login"

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"username": username})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		fatalf("login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("login %s: %v", username, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fatalf("login %s: status %d (pass -token-a/-token-b when dev login is off)", username, resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		fatalf("login %s: bad response: %v", username, err)
	}
	return out.Token
}

func mustConnect(ctx context.Context, name, wsURL, origin, token string, timeout time.Duration) *smokeClient {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := client.Dial(dctx, wsURL, client.DialOptions{Token: token, Origin: origin})
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	c := &smokeClient{
		name:  name,
		conn:  conn,
		co:    client.NewCoordinator(conn),
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	go func() {
		err := conn.Run(ctx, func(env v1.Envelope) {
			_ = c.co.HandleEnvelope(env)
			select {
			case c.inbox <- env:
			default:
			}
		})
		if err != nil {
			c.errCh <- err
		}
	}()

	waitFor(c, timeout, func() bool { return c.co.Self().ID != "" }, "session.ready")
	return c
}

func mustJoin(ctx context.Context, c *smokeClient, room string, timeout time.Duration) {
	reply := mustCall(ctx, c, v1.TypeRoomJoin, v1.RoomJoinPayload{Room: room}, timeout)
	if reply.Type != v1.TypeRoomJoined {
		fatalf("join %s (%s): got %s", room, c.name, reply.Type)
	}
}

func mustCall(ctx context.Context, c *smokeClient, typ string, payload any, timeout time.Duration) v1.Envelope {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.conn.Call(cctx, typ, payload)
	if err != nil {
		fatalf("%s (%s): %v", typ, c.name, err)
	}
	if reply.Type == v1.TypeError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(reply.Payload, &p)
		fatalf("%s (%s): server error %s: %s", typ, c.name, p.Code, p.Message)
	}
	return reply
}

func mustSent(c *smokeClient, tempID string, timeout time.Duration) v1.Message {
	var msg v1.Message
	waitFor(c, timeout, func() bool {
		e, ok := c.co.Timeline().Lookup(tempID)
		if ok && e.Status == client.StatusFailed {
			fatalf("send (%s): failed: %s", c.name, e.Error)
		}
		if ok && e.Status == client.StatusSent {
			msg = e.Message
			return true
		}
		return false
	}, "message.ack")
	return msg
}

func mustReceive(c *smokeClient, id string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.inbox:
			if env.Type != v1.TypeMessageNew {
				continue
			}
			var p v1.MessageNewPayload
			mustDecode(env, &p)
			if p.Message.ID == id {
				return
			}
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case <-deadline:
			fatalf("timeout waiting for message.new %s (%s)", id, c.name)
		}
	}
}

func mustNotReceive(c *smokeClient, id string, window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case env := <-c.inbox:
			if env.Type != v1.TypeMessageNew {
				continue
			}
			var p v1.MessageNewPayload
			mustDecode(env, &p)
			if p.Message.ID == id {
				fatalf("dedupe: %s delivered twice to %s", id, c.name)
			}
		case <-deadline:
			return
		}
	}
}

func waitFor(c *smokeClient, timeout time.Duration, cond func() bool, what string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		select {
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	fatalf("timeout waiting for %s (%s)", what, c.name)
}

func mustDecode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("decode %s: %v", env.Type, err)
	}
}

func containsID(msgs []v1.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
