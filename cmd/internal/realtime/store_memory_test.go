package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"trendnet/cmd/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = identity.Participant{ID: "alice", DisplayName: "Alice"}
	bob   = identity.Participant{ID: "bob", DisplayName: "Bob"}
	carol = identity.Participant{ID: "carol", DisplayName: "Carol"}
)

func TestMemoryStoreAppendAssignsOrderedIDs(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var prev Message
	for i := 0; i < 5; i++ {
		res, err := store.Append(ctx, Draft{Sender: alice, Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		m := res.Message

		assert.Len(t, m.ID, 26)
		assert.Equal(t, []string{"alice"}, m.ReadBy)
		assert.Empty(t, m.Reactions)
		if i > 0 {
			assert.True(t, m.Timestamp.After(prev.Timestamp), "stalled clock must still advance")
			assert.Greater(t, m.ID, prev.ID)
		}
		prev = m
	}
}

func TestMemoryStoreClockRegression(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := NewMemoryStore(WithClock(clock))
	ctx := context.Background()

	first, err := store.Append(ctx, Draft{Sender: alice, Text: "first"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(-time.Hour)
	mu.Unlock()

	second, err := store.Append(ctx, Draft{Sender: alice, Text: "second"})
	require.NoError(t, err)
	assert.True(t, second.Message.Timestamp.After(first.Message.Timestamp))
	assert.Greater(t, second.Message.ID, first.Message.ID)
}

func TestMemoryStoreDedupeByClientMsgID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Append(ctx, Draft{ClientMsgID: "c-1", Sender: alice, Text: "hi", Room: "general"})
	require.NoError(t, err)
	require.False(t, first.Duplicated)

	again, err := store.Append(ctx, Draft{ClientMsgID: "c-1", Sender: alice, Text: "hi", Room: "general"})
	require.NoError(t, err)
	assert.True(t, again.Duplicated)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	// Same client id from another sender is a different message.
	other, err := store.Append(ctx, Draft{ClientMsgID: "c-1", Sender: bob, Text: "hi", Room: "general"})
	require.NoError(t, err)
	assert.False(t, other.Duplicated)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryStoreRejectsInvalidDrafts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	cases := map[string]Draft{
		"no sender":   {Text: "x"},
		"both scopes": {Sender: alice, Text: "x", Room: "general", TargetID: "bob"},
		"empty":       {Sender: alice},
		"file no src": {Sender: alice, File: &File{Name: "a.png"}},
	}
	for name, d := range cases {
		_, err := store.Append(ctx, d)
		assert.Error(t, err, name)
	}

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	const writers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			p := identity.Participant{ID: fmt.Sprintf("w%d", w), DisplayName: "W"}
			for i := 0; i < each; i++ {
				_, err := store.Append(ctx, Draft{Sender: p, Text: "x", ClientMsgID: fmt.Sprintf("c%d", i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	all, err := store.Filter(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, writers*each)

	seen := make(map[string]struct{}, len(all))
	for i, m := range all {
		seen[m.ID] = struct{}{}
		if i > 0 {
			assert.True(t, m.Timestamp.After(all[i-1].Timestamp))
			assert.Greater(t, m.ID, all[i-1].ID)
		}
	}
	assert.Len(t, seen, writers*each)
}

func TestMemoryStoreMutations(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Append(ctx, Draft{Sender: alice, Text: "denim"})
	require.NoError(t, err)
	id := res.Message.ID

	mut, err := store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, mut.Changed)
	mut, err = store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, mut.Changed)
	assert.Equal(t, []string{"alice", "bob"}, mut.Message.ReadBy)

	mut, err = store.React(ctx, id, "🔥", "bob", true)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"🔥": {"bob"}}, mut.Message.Reactions)

	mut, err = store.React(ctx, id, "🔥", "bob", false)
	require.NoError(t, err)
	assert.True(t, mut.Changed)
	assert.Empty(t, mut.Message.Reactions)

	mut, err = store.React(ctx, id, "🔥", "bob", false)
	require.NoError(t, err)
	assert.False(t, mut.Changed)

	_, err = store.MarkRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Append(ctx, Draft{Sender: alice, Text: "x"})
	require.NoError(t, err)

	got, err := store.Get(ctx, res.Message.ID)
	require.NoError(t, err)
	got.ReadBy[0] = "mallory"
	got.Reactions["👍"] = []string{"mallory"}

	again, err := store.Get(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again.ReadBy)
	assert.Empty(t, again.Reactions)
}

func TestMemoryStoreConcurrentReactions(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Append(ctx, Draft{Sender: alice, Text: "x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.React(ctx, res.Message.ID, "👍", fmt.Sprintf("r%d", i%8), true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions["👍"], 8)
}

func TestMemoryStoreClosed(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Append(context.Background(), Draft{Sender: alice, Text: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.Filter(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
