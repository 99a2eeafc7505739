package realtime

import (
	"context"
	"errors"
)

// Store errors.
var (
	ErrNotFound = errors.New("realtime: message not found")
	ErrClosed   = errors.New("realtime: store closed")
)

// Store is the append-only message log.
//
// Requirements:
//   - Append is the single serialization point: ids and timestamps are
//     strictly increasing in append order.
//   - Filter yields messages ascending by timestamp.
//   - MarkRead and React are atomic per message id; different ids may be
//     mutated concurrently.
//   - Duplicate (sender, client_msg_id) appends return the original record.
type Store interface {
	Append(ctx context.Context, d Draft) (AppendResult, error)
	Get(ctx context.Context, id string) (Message, error)
	Filter(ctx context.Context, keep func(Message) bool) ([]Message, error)
	MarkRead(ctx context.Context, id, reader string) (Mutation, error)
	React(ctx context.Context, id, emoji, reader string, add bool) (Mutation, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// Mutation is the post-image of a read or reaction update.
type Mutation struct {
	Message Message
	Changed bool
}
