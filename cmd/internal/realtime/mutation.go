package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	v1 "trendnet/shared/contracts/realtime/v1"
)

// Mutations applies read receipts and reactions and re-delivers the
// post-image using the message's own scope. Unknown ids are ignored.
type Mutations struct {
	log    *slog.Logger
	store  Store
	fanout *Fanout
	now    func() time.Time
}

// NewMutations constructs the mutation engine.
func NewMutations(log *slog.Logger, store Store, fanout *Fanout) *Mutations {
	if log == nil {
		log = slog.Default()
	}
	return &Mutations{log: log, store: store, fanout: fanout, now: time.Now}
}

// MarkRead adds reader to the message read-set.
func (m *Mutations) MarkRead(ctx context.Context, messageID, reader string) error {
	res, err := m.store.MarkRead(ctx, messageID, reader)
	if errors.Is(err, ErrNotFound) {
		m.log.Debug("mutation.read.not_found", "message_id", messageID)
		return nil
	}
	if err != nil {
		return err
	}

	env, err := v1.NewEnvelope(v1.TypeMessageReadUpdate, NewEnvelopeID(), "", m.now().UTC(), v1.ReadUpdatePayload{
		MessageID: res.Message.ID,
		ReadBy:    res.Message.ReadBy,
	})
	if err != nil {
		return err
	}
	m.fanout.Deliver(MessageAudience(res.Message), env)
	return nil
}

// React adds or removes reader under emoji.
func (m *Mutations) React(ctx context.Context, messageID, emoji, reader string, add bool) error {
	res, err := m.store.React(ctx, messageID, emoji, reader, add)
	if errors.Is(err, ErrNotFound) {
		m.log.Debug("mutation.react.not_found", "message_id", messageID)
		return nil
	}
	if err != nil {
		return err
	}

	env, err := v1.NewEnvelope(v1.TypeMessageReactionUpdate, NewEnvelopeID(), "", m.now().UTC(), v1.ReactionUpdatePayload{
		MessageID: res.Message.ID,
		Reactions: res.Message.Reactions,
	})
	if err != nil {
		return err
	}
	m.fanout.Deliver(MessageAudience(res.Message), env)
	return nil
}
