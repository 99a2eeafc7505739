package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"trendnet/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a transactional advisory lock, so id and timestamp
//     assignment is serialized store-wide.
//   - Mutations lock the single message row (SELECT ... FOR UPDATE).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	ids    *ids.Monotonic
	now    func() time.Time
}

// appendLockKey is the advisory lock serializing appends.
const appendLockKey = "trendnet.messages.append"

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "trendnet").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "trendnet",
		ids:    ids.NewMonotonic(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and messages table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	messages := pgIdent(s.schema, "messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		    seq           BIGSERIAL PRIMARY KEY,
		    id            TEXT NOT NULL UNIQUE,
		    client_msg_id TEXT NOT NULL DEFAULT '',
		    sender        TEXT NOT NULL,
		    sender_id     TEXT NOT NULL,
		    body          TEXT NOT NULL DEFAULT '',
		    file          JSONB,
		    room          TEXT NOT NULL DEFAULT '',
		    target_id     TEXT NOT NULL DEFAULT '',
		    ts            TIMESTAMPTZ NOT NULL,
		    read_by       TEXT[] NOT NULL DEFAULT '{}',
		    reactions     JSONB NOT NULL DEFAULT '{}',
		    CHECK (room = '' OR target_id = '')
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_sender_client_msg_idx ON ` + messages +
			` (sender_id, client_msg_id) WHERE client_msg_id <> ''`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const pgColumns = `id, client_msg_id, sender, sender_id, body, file, room, target_id, ts, read_by, reactions`

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, d Draft) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("realtime: nil store")
	}
	if err := d.validate(); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, appendLockKey); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if d.ClientMsgID != "" {
		row := tx.QueryRow(ctx,
			`SELECT `+pgColumns+` FROM `+messages+` WHERE sender_id = $1 AND client_msg_id = $2`,
			d.Sender.ID, d.ClientMsgID,
		)
		existing, err := scanMessage(row)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	var last *time.Time
	if err := tx.QueryRow(ctx, `SELECT max(ts) FROM `+messages).Scan(&last); err != nil {
		return AppendResult{}, err
	}
	var lastTS time.Time
	if last != nil {
		lastTS = last.UTC()
	}

	ts := nextTimestamp(s.now(), lastTS)
	id, err := s.ids.Next(ts)
	if err != nil {
		return AppendResult{}, err
	}
	m := newMessage(d, id, ts)

	fileJSON, err := marshalFile(m.File)
	if err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+pgColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '{}'::jsonb)`,
		m.ID, m.ClientMsgID, m.Sender, m.SenderID, m.Text, fileJSON, m.Room, m.TargetID, m.Timestamp, m.ReadBy,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: m}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	messages := pgIdent(s.schema, "messages")
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM `+messages+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// Filter implements Store. Scope predicates run in Go so every read path
// shares the same Resolver.
func (s *PostgresStore) Filter(ctx context.Context, keep func(Message) bool) ([]Message, error) {
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx, `SELECT `+pgColumns+` FROM `+messages+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead implements Store.
func (s *PostgresStore) MarkRead(ctx context.Context, id, reader string) (Mutation, error) {
	return s.mutate(ctx, id, func(m *Message) bool { return applyRead(m, reader) })
}

// React implements Store.
func (s *PostgresStore) React(ctx context.Context, id, emoji, reader string, add bool) (Mutation, error) {
	return s.mutate(ctx, id, func(m *Message) bool { return applyReaction(m, emoji, reader, add) })
}

// mutate applies fn to one row under a row lock.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(*Message) bool) (Mutation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Mutation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(tx.QueryRow(ctx, `SELECT `+pgColumns+` FROM `+messages+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Mutation{}, ErrNotFound
	}
	if err != nil {
		return Mutation{}, err
	}

	if !fn(&m) {
		return Mutation{Message: m}, tx.Commit(ctx)
	}

	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return Mutation{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+` SET read_by = $2, reactions = $3 WHERE id = $1`,
		id, m.ReadBy, reactions,
	); err != nil {
		return Mutation{}, fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Mutation{}, err
	}
	return Mutation{Message: m, Changed: true}, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+pgIdent(s.schema, "messages")).Scan(&n)
	return n, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m         Message
		fileJSON  []byte
		reactJSON []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.ClientMsgID,
		&m.Sender,
		&m.SenderID,
		&m.Text,
		&fileJSON,
		&m.Room,
		&m.TargetID,
		&m.Timestamp,
		&m.ReadBy,
		&reactJSON,
	); err != nil {
		return Message{}, err
	}

	m.Timestamp = m.Timestamp.UTC()
	if len(fileJSON) > 0 && string(fileJSON) != "null" {
		var f File
		if err := json.Unmarshal(fileJSON, &f); err != nil {
			return Message{}, fmt.Errorf("decode file: %w", err)
		}
		m.File = &f
	}
	m.Reactions = map[string][]string{}
	if len(reactJSON) > 0 {
		if err := json.Unmarshal(reactJSON, &m.Reactions); err != nil {
			return Message{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m, nil
}

func marshalFile(f *File) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
