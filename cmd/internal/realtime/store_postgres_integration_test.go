package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"trendnet/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when TRENDNET_TEST_DATABASE_URL is set.

func TestPostgresStore_AppendDedupeAndGet(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx := testCtx(t)

	alice := identity.Participant{ID: "alice", DisplayName: "Alice"}

	first, err := store.Append(ctx, Draft{ClientMsgID: "c-1", Sender: alice, Text: "hello", Room: "general"})
	require.NoError(t, err)
	assert.False(t, first.Duplicated)
	assert.Equal(t, []string{"alice"}, first.Message.ReadBy)

	again, err := store.Append(ctx, Draft{ClientMsgID: "c-1", Sender: alice, Text: "hello", Room: "general"})
	require.NoError(t, err)
	assert.True(t, again.Duplicated)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	got, err := store.Get(ctx, first.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", got.Room)
	assert.True(t, got.Timestamp.Equal(first.Message.Timestamp))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresStore_ConcurrentAppendOrdered(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx := testCtx(t)

	const writers, each = 6, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			p := identity.Participant{ID: fmt.Sprintf("w%d", w), DisplayName: "W"}
			for i := 0; i < each; i++ {
				if _, err := store.Append(ctx, Draft{Sender: p, Text: fmt.Sprintf("m%d", i)}); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	all, err := store.Filter(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, writers*each)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].Timestamp.After(all[i-1].Timestamp), "index %d", i)
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}
}

func TestPostgresStore_MutationsIdempotent(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx := testCtx(t)

	res, err := store.Append(ctx, Draft{Sender: identity.Participant{ID: "alice", DisplayName: "Alice"}, Text: "denim"})
	require.NoError(t, err)
	id := res.Message.ID

	m1, err := store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, m1.Changed)
	m2, err := store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, m2.Changed)
	assert.Equal(t, []string{"alice", "bob"}, m2.Message.ReadBy)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.React(ctx, id, "👍", fmt.Sprintf("r%d", i), true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Reactions["👍"], 8)

	_, err = store.React(ctx, "missing", "👍", "bob", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---- test helpers ----

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "trendnet_it_" + strings.ToLower(NewRandomHex(8))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(testCtx(t)))
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TRENDNET_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TRENDNET_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
