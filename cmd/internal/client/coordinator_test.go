package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "trendnet/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, t: t}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

type senderMock struct {
	mock.Mock
}

func (m *senderMock) Send(ctx context.Context, env v1.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

var me = v1.Participant{ID: "alice", DisplayName: "Alice"}

func newTestCoordinator(t *testing.T) (*Coordinator, *senderMock, *fakeClock) {
	t.Helper()
	out := &senderMock{}
	clock := newFakeClock()
	c := NewCoordinator(out, WithClock(clock), WithIdentity(me))
	return c, out, clock
}

func ackFor(t *testing.T, tempID string, m v1.Message) v1.Envelope {
	t.Helper()
	env, err := v1.NewEnvelope(v1.TypeMessageAck, "srv-ack", tempID, time.Now().UTC(), v1.MessageAckPayload{
		OK: true, ClientMsgID: tempID, Message: &m,
	})
	require.NoError(t, err)
	return env
}

func newFor(t *testing.T, m v1.Message) v1.Envelope {
	t.Helper()
	env, err := v1.NewEnvelope(v1.TypeMessageNew, "srv-new", "", time.Now().UTC(), v1.MessageNewPayload{Message: m})
	require.NoError(t, err)
	return env
}

func canonical(id, text string) v1.Message {
	return v1.Message{
		ID: id, Sender: "Alice", SenderID: "alice", Text: text, Room: "general",
		Timestamp: time.Date(2026, 5, 1, 9, 0, 1, 0, time.UTC),
		ReadBy:    []string{"alice"}, Reactions: map[string][]string{},
	}
}

func TestCoordinatorSubmitIsOptimistic(t *testing.T) {
	t.Parallel()

	c, out, _ := newTestCoordinator(t)

	var sent v1.Envelope
	out.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(v1.Envelope)
	}).Return(nil).Once()

	tempID, err := c.Submit(context.Background(), Draft{Text: " hello ", Room: "general"})
	require.NoError(t, err)
	out.AssertExpectations(t)

	assert.Equal(t, v1.TypeMessageSend, sent.Type)
	var p v1.MessageSendPayload
	require.NoError(t, json.Unmarshal(sent.Payload, &p))
	assert.Equal(t, tempID, p.ClientMsgID)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "general", p.Room)

	entries := c.Timeline().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSending, entries[0].Status)
	assert.True(t, entries[0].Provisional())
	assert.Equal(t, "alice", entries[0].Message.SenderID)
	assert.Equal(t, 1, c.Pending())
}

func TestCoordinatorAckReplacesInPlaceAndSuppressesBroadcast(t *testing.T) {
	t.Parallel()

	c, out, _ := newTestCoordinator(t)
	out.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, c.HandleEnvelope(newFor(t, canonical("m-0", "before"))))
	tempID, err := c.Submit(context.Background(), Draft{Text: "mine", Room: "general"})
	require.NoError(t, err)
	require.NoError(t, c.HandleEnvelope(newFor(t, canonical("m-2", "after"))))

	m := canonical("m-1", "mine")
	require.NoError(t, c.HandleEnvelope(ackFor(t, tempID, m)))
	require.NoError(t, c.HandleEnvelope(newFor(t, m)))

	entries := c.Timeline().Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "m-0", entries[0].Message.ID)
	assert.Equal(t, "m-1", entries[1].Message.ID, "same displayed position")
	assert.Equal(t, StatusSent, entries[1].Status)
	assert.Equal(t, tempID, entries[1].TempID)
	assert.Equal(t, "m-2", entries[2].Message.ID)
	assert.Zero(t, c.Pending())
}

func TestCoordinatorBroadcastBeforeAck(t *testing.T) {
	t.Parallel()

	c, out, _ := newTestCoordinator(t)
	out.On("Send", mock.Anything, mock.Anything).Return(nil)

	tempID, err := c.Submit(context.Background(), Draft{Text: "race", Room: "general"})
	require.NoError(t, err)

	m := canonical("m-1", "race")
	require.NoError(t, c.HandleEnvelope(newFor(t, m)))
	require.NoError(t, c.HandleEnvelope(ackFor(t, tempID, m)))

	entries := c.Timeline().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m-1", entries[0].Message.ID)
	assert.Equal(t, tempID, entries[0].TempID)
}

func TestCoordinatorTimeoutThenRetry(t *testing.T) {
	t.Parallel()

	c, out, clock := newTestCoordinator(t)

	var envs []v1.Envelope
	out.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		envs = append(envs, args.Get(1).(v1.Envelope))
	}).Return(nil)

	tempID, err := c.Submit(context.Background(), Draft{Text: "slow", TargetID: "bob"})
	require.NoError(t, err)

	clock.Advance(AckTimeout - time.Millisecond)
	e, _ := c.Timeline().Lookup(tempID)
	assert.Equal(t, StatusSending, e.Status)

	clock.Advance(time.Millisecond)
	e, _ = c.Timeline().Lookup(tempID)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, ReasonTimeout, e.Error)

	require.NoError(t, c.Retry(context.Background(), tempID))
	e, _ = c.Timeline().Lookup(tempID)
	assert.Equal(t, StatusSending, e.Status)

	require.Len(t, envs, 2)
	var first, second v1.MessageSendPayload
	require.NoError(t, json.Unmarshal(envs[0].Payload, &first))
	require.NoError(t, json.Unmarshal(envs[1].Payload, &second))
	assert.Equal(t, first, second, "retry re-submits the same draft and temp id")

	assert.ErrorIs(t, c.Retry(context.Background(), tempID), ErrNotFailed)
	assert.ErrorIs(t, c.Retry(context.Background(), "nope"), ErrUnknownMessage)
}

func TestCoordinatorLateAckWins(t *testing.T) {
	t.Parallel()

	c, out, clock := newTestCoordinator(t)
	out.On("Send", mock.Anything, mock.Anything).Return(nil)

	tempID, err := c.Submit(context.Background(), Draft{Text: "late", Room: "general"})
	require.NoError(t, err)
	clock.Advance(AckTimeout)

	e, _ := c.Timeline().Lookup(tempID)
	require.Equal(t, StatusFailed, e.Status)

	require.NoError(t, c.HandleEnvelope(ackFor(t, tempID, canonical("m-9", "late"))))
	entries := c.Timeline().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m-9", entries[0].Message.ID)
	assert.Equal(t, StatusSent, entries[0].Status)
	assert.Empty(t, entries[0].Error)
}

func TestCoordinatorStaleTimerAfterRetryIsIgnored(t *testing.T) {
	t.Parallel()

	c, out, clock := newTestCoordinator(t)
	out.On("Send", mock.Anything, mock.Anything).Return(nil)

	tempID, err := c.Submit(context.Background(), Draft{Text: "x", Room: "general"})
	require.NoError(t, err)
	clock.Advance(AckTimeout)
	require.NoError(t, c.Retry(context.Background(), tempID))

	clock.Advance(AckTimeout / 2)
	e, _ := c.Timeline().Lookup(tempID)
	assert.Equal(t, StatusSending, e.Status, "the first attempt's timer cannot fail the retry")

	clock.Advance(AckTimeout / 2)
	e, _ = c.Timeline().Lookup(tempID)
	assert.Equal(t, StatusFailed, e.Status)
}

func TestCoordinatorNegativeAckAndWriteError(t *testing.T) {
	t.Parallel()

	c, out, _ := newTestCoordinator(t)
	out.On("Send", mock.Anything, mock.Anything).Return(nil).Once()
	out.On("Send", mock.Anything, mock.Anything).Return(errors.New("socket closed")).Once()

	tempID, err := c.Submit(context.Background(), Draft{Text: "x", Room: "general"})
	require.NoError(t, err)

	nack, err := v1.NewEnvelope(v1.TypeMessageAck, "a", tempID, time.Now().UTC(), v1.MessageAckPayload{
		OK: false, ClientMsgID: tempID, Error: v1.CodeTooLong,
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleEnvelope(nack))

	e, _ := c.Timeline().Lookup(tempID)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, v1.CodeTooLong, e.Error)

	second, err := c.Submit(context.Background(), Draft{Text: "y", Room: "general"})
	require.Error(t, err)
	e, _ = c.Timeline().Lookup(second)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Zero(t, c.Pending())
}

func TestCoordinatorFileDraft(t *testing.T) {
	t.Parallel()

	c, out, _ := newTestCoordinator(t)

	var sent v1.Envelope
	out.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(v1.Envelope)
	}).Return(nil)

	_, err := c.Submit(context.Background(), Draft{File: &v1.File{Name: "fit.jpg", URL: "https://cdn.example/fit.jpg"}, TargetID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, v1.TypeFileSend, sent.Type)

	_, err = c.Submit(context.Background(), Draft{Text: "  "})
	assert.Error(t, err)
}

func TestCoordinatorSessionReadySetsIdentity(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(&senderMock{})
	env, err := v1.NewEnvelope(v1.TypeSessionReady, "r", "", time.Now().UTC(), v1.SessionReadyPayload{
		SessionID: "s-1", Participant: v1.Participant{ID: "bob", DisplayName: "Bob"},
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleEnvelope(env))
	assert.Equal(t, "bob", c.Self().ID)
}
