package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *publisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitterPublishesEnrichedEvent(t *testing.T) {
	pub := &publisherMock{}
	published := make(chan Event, 1)
	pub.On("Publish", mock.Anything, "trendnet.message.persisted", mock.AnythingOfType("audit.Event")).
		Run(func(args mock.Arguments) { published <- args.Get(2).(Event) }).
		Return(nil).Once()

	em := NewEmitter(discardLogger(), pub, "trendnet", "test", 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = em.Run(ctx)
	}()

	em.Emit(Event{EventType: EventMessagePersisted, ParticipantID: "alice", Attrs: map[string]string{"scope": "room"}})

	select {
	case ev := <-published:
		assert.Equal(t, 1, ev.SchemaVersion)
		assert.Equal(t, "trendnet", ev.Service)
		assert.Equal(t, "test", ev.Environment)
		assert.Equal(t, "alice", ev.ParticipantID)
		assert.NotEmpty(t, ev.OccurredAt)
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}

	cancel()
	<-done
	pub.AssertExpectations(t)
}

func TestEmitterDropsWhenFull(t *testing.T) {
	pub := &publisherMock{}
	em := NewEmitter(discardLogger(), pub, "trendnet", "test", 1)

	em.Emit(Event{EventType: EventSessionConnected})
	em.Emit(Event{EventType: EventSessionConnected})

	assert.Len(t, em.queue, 1)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmitterDrainsOnShutdown(t *testing.T) {
	pub := &publisherMock{}
	pub.On("Publish", mock.Anything, "trendnet.session.disconnected", mock.Anything).Return(nil).Twice()

	em := NewEmitter(discardLogger(), pub, "trendnet", "test", 4)
	em.Emit(Event{EventType: EventSessionDisconnected})
	em.Emit(Event{EventType: EventSessionDisconnected})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, em.Run(ctx))
	pub.AssertExpectations(t)
}

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	p := NewPublisher(discardLogger(), "", "trendnet.audit")
	assert.Equal(t, "noop", PublisherMode(p))
	assert.NoError(t, p.Publish(context.Background(), "k", Event{EventType: "x"}))
	assert.NoError(t, p.Close())
}
