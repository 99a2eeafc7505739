package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "trendnet/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// AckTimeout is how long a message may stay in StatusSending.
const AckTimeout = 7 * time.Second

// ReasonTimeout is the Entry.Error of a message that never got an ack.
const ReasonTimeout = "timeout"

var (
	ErrUnknownMessage = errors.New("client: unknown temp id")
	ErrNotFailed      = errors.New("client: message is not failed")
)

// Sender writes one client envelope.
type Sender interface {
	Send(ctx context.Context, env v1.Envelope) error
}

// Timer is the subset of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the ack timeout.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

// WithTimeout overrides AckTimeout.
func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.log = l
		}
	}
}

// WithIdentity sets the local participant before session.ready arrives.
func WithIdentity(p v1.Participant) Option {
	return func(co *Coordinator) { co.self = p }
}

// Coordinator drives outgoing messages through
// staged → sending → {sent | failed} with retry from failed.
//
// The temp id doubles as client_msg_id, so a retry of a message the server
// did persist is acknowledged with the original record. A late ack always
// wins over the timeout.
type Coordinator struct {
	log      *slog.Logger
	out      Sender
	timeline *Timeline
	clock    Clock
	timeout  time.Duration

	mu      sync.Mutex
	self    v1.Participant
	timers  map[string]Timer
	attempt map[string]int
}

// NewCoordinator constructs a Coordinator that writes through out.
func NewCoordinator(out Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:      slog.Default(),
		out:      out,
		timeline: NewTimeline(),
		clock:    systemClock{},
		timeout:  AckTimeout,
		timers:   make(map[string]Timer),
		attempt:  make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Timeline returns the rendered timeline.
func (c *Coordinator) Timeline() *Timeline { return c.timeline }

// Self returns the local participant as announced by session.ready.
func (c *Coordinator) Self() v1.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Submit stages d and sends it. The provisional entry is visible before the
// write happens. A write error marks the entry failed.
func (c *Coordinator) Submit(ctx context.Context, d Draft) (string, error) {
	d.Text = strings.TrimSpace(d.Text)
	if d.Text == "" && d.File == nil {
		return "", errors.New("client: empty draft")
	}

	tempID := uuid.NewString()
	c.timeline.Stage(tempID, c.Self(), d, c.clock.Now())
	return tempID, c.send(ctx, tempID, d)
}

// Retry re-sends a failed message with the same temp id.
func (c *Coordinator) Retry(ctx context.Context, tempID string) error {
	if _, ok := c.timeline.Lookup(tempID); !ok {
		return ErrUnknownMessage
	}
	e, ok := c.timeline.MarkSending(tempID)
	if !ok {
		return ErrNotFailed
	}
	return c.send(ctx, tempID, e.Draft)
}

func (c *Coordinator) send(ctx context.Context, tempID string, d Draft) error {
	env, err := draftEnvelope(tempID, d, c.clock.Now())
	if err != nil {
		c.timeline.MarkFailed(tempID, err.Error())
		return err
	}

	c.mu.Lock()
	c.attempt[tempID]++
	attempt := c.attempt[tempID]
	if old, ok := c.timers[tempID]; ok {
		old.Stop()
	}
	c.timers[tempID] = c.clock.AfterFunc(c.timeout, func() { c.expire(tempID, attempt) })
	c.mu.Unlock()

	if err := c.out.Send(ctx, env); err != nil {
		c.stopTimer(tempID)
		c.timeline.MarkFailed(tempID, err.Error())
		return fmt.Errorf("send %s: %w", tempID, err)
	}
	return nil
}

func (c *Coordinator) expire(tempID string, attempt int) {
	c.mu.Lock()
	current := c.attempt[tempID] == attempt
	if current {
		delete(c.timers, tempID)
	}
	c.mu.Unlock()

	if current && c.timeline.MarkFailed(tempID, ReasonTimeout) {
		c.log.Info("client.ack.timeout", "temp_id", tempID, "attempt", attempt)
	}
}

func (c *Coordinator) stopTimer(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[tempID]; ok {
		t.Stop()
		delete(c.timers, tempID)
	}
}

// Pending returns the number of messages still waiting for an ack.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// HandleEnvelope applies one server frame to the timeline.
func (c *Coordinator) HandleEnvelope(env v1.Envelope) error {
	switch env.Type {
	case v1.TypeSessionReady:
		var p v1.SessionReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.mu.Lock()
		c.self = p.Participant
		c.mu.Unlock()

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.handleAck(p)

	case v1.TypeMessageNew:
		var p v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.timeline.Deliver(p.Message)

	case v1.TypeHistoryInitial:
		var p v1.MessageListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		for _, m := range p.Messages {
			c.timeline.Deliver(m)
		}

	case v1.TypeHistoryChunk:
		var p v1.HistoryChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.OK {
			c.timeline.Backfill(p.Messages)
		}

	case v1.TypeMessageReadUpdate:
		var p v1.ReadUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.timeline.ApplyRead(p.MessageID, p.ReadBy)

	case v1.TypeMessageReactionUpdate:
		var p v1.ReactionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.timeline.ApplyReactions(p.MessageID, p.Reactions)
	}
	return nil
}

func (c *Coordinator) handleAck(p v1.MessageAckPayload) {
	tempID := p.ClientMsgID
	if tempID == "" {
		return
	}

	if !p.OK || p.Message == nil {
		c.stopTimer(tempID)
		reason := p.Error
		if reason == "" {
			reason = "rejected"
		}
		c.timeline.MarkFailed(tempID, reason)
		return
	}

	c.stopTimer(tempID)
	if !c.timeline.Confirm(tempID, *p.Message) {
		// Not ours (another device) or already replaced: treat as a broadcast.
		c.timeline.Deliver(*p.Message)
	}
}

func draftEnvelope(tempID string, d Draft, now time.Time) (v1.Envelope, error) {
	if d.File != nil {
		return v1.NewEnvelope(v1.TypeFileSend, tempID, "", now.UTC(), v1.FileSendPayload{
			ClientMsgID: tempID,
			FileName:    d.File.Name,
			FileType:    d.File.Type,
			DataURL:     d.File.DataURL,
			URL:         d.File.URL,
			Text:        d.Text,
			Room:        d.Room,
			TargetID:    d.TargetID,
		})
	}
	return v1.NewEnvelope(v1.TypeMessageSend, tempID, "", now.UTC(), v1.MessageSendPayload{
		ClientMsgID: tempID,
		Text:        d.Text,
		Room:        d.Room,
		TargetID:    d.TargetID,
	})
}
