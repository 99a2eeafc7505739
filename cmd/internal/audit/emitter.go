package audit

import (
	"context"
	"log/slog"
	"time"

	"trendnet/cmd/internal/observability"
)

// Event types.
const (
	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventMessagePersisted    = "message.persisted"
	EventLogin               = "participant.login"
)

// Event is the published audit envelope.
type Event struct {
	SchemaVersion int               `json:"schema_version"`
	EventType     string            `json:"event_type"`
	OccurredAt    string            `json:"occurred_at"`
	Service       string            `json:"service"`
	Environment   string            `json:"environment"`
	ParticipantID string            `json:"participant_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Attrs         map[string]string `json:"attrs,omitempty"`
}

// Sink accepts audit events without blocking the caller.
type Sink interface {
	Emit(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Emitter queues events and publishes them from a single worker so realtime
// handlers never block on the broker. A full queue drops the event.
type Emitter struct {
	log         *slog.Logger
	publisher   Publisher
	service     string
	environment string
	timeout     time.Duration
	queue       chan Event
}

// NewEmitter constructs an Emitter. Run must be started to drain the queue.
func NewEmitter(log *slog.Logger, publisher Publisher, service, environment string, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Emitter{
		log:         log,
		publisher:   publisher,
		service:     service,
		environment: environment,
		timeout:     2 * time.Second,
		queue:       make(chan Event, queueSize),
	}
}

// Emit implements Sink.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	ev.SchemaVersion = 1
	ev.Service = e.service
	ev.Environment = e.environment
	if ev.OccurredAt == "" {
		ev.OccurredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	select {
	case e.queue <- ev:
	default:
		observability.IncAuditDropped()
		e.log.Debug("audit.drop", "event_type", ev.EventType)
	}
}

// Run publishes queued events until ctx is done, then drains what is left.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case ev := <-e.queue:
			e.publish(context.Background(), ev)
		}
	}
}

func (e *Emitter) drain() {
	for {
		select {
		case ev := <-e.queue:
			e.publish(context.Background(), ev)
		default:
			return
		}
	}
}

func (e *Emitter) publish(parent context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, RoutingKey(ev.EventType), ev); err != nil {
		e.log.Warn("audit.publish.fail", "event_type", ev.EventType, "err", err)
	}
}

// RoutingKey maps an event type onto the topic exchange.
func RoutingKey(eventType string) string {
	return "trendnet." + eventType
}
