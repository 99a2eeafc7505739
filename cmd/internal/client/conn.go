package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	v1 "trendnet/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrUnauthorized means the server rejected the identity token. The caller
// must re-authenticate instead of retrying.
var ErrUnauthorized = errors.New("client: unauthorized")

const defaultWriteTimeout = 5 * time.Second

// DialOptions configures Dial.
type DialOptions struct {
	Token        string
	Origin       string
	WriteTimeout time.Duration
}

// Conn is a client websocket connection speaking the v1 protocol. Call
// replies are matched by envelope ref.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan v1.Envelope
}

// Dial connects to a /ws endpoint.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	h := http.Header{}
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(8 << 20)

	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &Conn{ws: ws, writeTimeout: wt, waiters: make(map[string]chan v1.Envelope)}, nil
}

// Send writes env.
func (c *Conn) Send(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, b)
}

// Call sends a request and waits for the server frame whose ref is its id.
// A Run loop must be active.
func (c *Conn) Call(ctx context.Context, typ string, payload any) (v1.Envelope, error) {
	id := newRequestID()
	env, err := v1.NewEnvelope(typ, id, "", time.Now().UTC(), payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	ch := make(chan v1.Envelope, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case reply := <-ch:
		return reply, nil
	}
}

// Read returns the next server envelope.
func (c *Conn) Read(ctx context.Context) (v1.Envelope, error) {
	_, b, err := c.ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Run reads frames until ctx ends or the connection closes. Every frame goes
// to handle; frames answering a Call also wake the caller.
func (c *Conn) Run(ctx context.Context, handle func(v1.Envelope)) error {
	for {
		env, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if env.Ref != "" {
			c.mu.Lock()
			ch, ok := c.waiters[env.Ref]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
		}
		if handle != nil {
			handle(env)
		}
	}
}

// Close closes the connection normally.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

func newRequestID() string {
	return "req-" + uuid.NewString()
}
