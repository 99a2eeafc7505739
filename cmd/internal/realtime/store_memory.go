package realtime

import (
	"context"
	"sync"
	"time"

	"trendnet/cmd/identity/ids"
)

// tsResolution is the timestamp granularity shared with PostgresStore.
const tsResolution = time.Microsecond

// MemoryStore is an in-process Store.
//
// Locking: mu guards the record slice, the id index, and the dedupe index.
// Each record carries its own mutex for read-set and reaction updates, so
// mutations on different messages never contend with each other.
type MemoryStore struct {
	mu      sync.RWMutex
	closed  bool
	records []*memRecord
	byID    map[string]*memRecord
	dedupe  map[string]*memRecord
	lastTS  time.Time

	ids *ids.Monotonic
	now func() time.Time
}

type memRecord struct {
	mu  sync.Mutex
	msg Message
}

func (r *memRecord) snapshot() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msg.Clone()
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[string]*memRecord),
		dedupe: make(map[string]*memRecord),
		ids:    ids.NewMonotonic(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, d Draft) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := d.validate(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return AppendResult{}, ErrClosed
	}

	key := dedupeKey(d.Sender.ID, d.ClientMsgID)
	if key != "" {
		if rec, ok := s.dedupe[key]; ok {
			return AppendResult{Message: rec.snapshot(), Duplicated: true}, nil
		}
	}

	ts := nextTimestamp(s.now(), s.lastTS)
	id, err := s.ids.Next(ts)
	if err != nil {
		return AppendResult{}, err
	}

	rec := &memRecord{msg: newMessage(d, id, ts)}
	s.records = append(s.records, rec)
	s.byID[id] = rec
	if key != "" {
		s.dedupe[key] = rec
	}
	s.lastTS = ts

	return AppendResult{Message: rec.msg.Clone()}, nil
}

// nextTimestamp returns now at store resolution, bumped past last when the
// clock stalls or steps back.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(tsResolution)
	if !ts.After(last) {
		ts = last.Add(tsResolution)
	}
	return ts
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return Message{}, err
	}
	return rec.snapshot(), nil
}

// Filter implements Store. The record slice is append-only, so a snapshot of
// its header taken under the read lock stays valid after release.
func (s *MemoryStore) Filter(ctx context.Context, keep func(Message) bool) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	recs := s.records
	s.mu.RUnlock()

	out := make([]Message, 0)
	for i, rec := range recs {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		m := rec.snapshot()
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkRead implements Store.
func (s *MemoryStore) MarkRead(ctx context.Context, id, reader string) (Mutation, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return Mutation{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	changed := applyRead(&rec.msg, reader)
	return Mutation{Message: rec.msg.Clone(), Changed: changed}, nil
}

// React implements Store.
func (s *MemoryStore) React(ctx context.Context, id, emoji, reader string, add bool) (Mutation, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return Mutation{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	changed := applyReaction(&rec.msg, emoji, reader, add)
	return Mutation{Message: rec.msg.Clone(), Changed: changed}, nil
}

// Len implements Store.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close releases the store. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookup(ctx context.Context, id string) (*memRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}
