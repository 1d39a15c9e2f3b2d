package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	queue          TEXT NOT NULL,
	exchange       TEXT NOT NULL DEFAULT '',
	routing_key    TEXT NOT NULL DEFAULT '',
	event_type     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	content_type   TEXT NOT NULL DEFAULT '',
	headers        JSONB,
	body           BYTEA NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	death_count    INTEGER NOT NULL DEFAULT 0,
	first_death_at TIMESTAMPTZ,
	archived_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_queue_archived_at ON dead_letters (queue, archived_at DESC);
`

const columns = `id, queue, exchange, routing_key, event_type, correlation_id, content_type,
	headers, body, reason, retry_count, death_count, first_death_at, archived_at`

// querier is the subset of *pgxpool.Pool the store needs
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore archives failed messages in a dead_letters table
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the dead_letters table if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}

	store := &PostgresStore{db: pool, pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the archive schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create dead_letters table: %w", err)
	}
	return nil
}

// Store implements Store
func (s *PostgresStore) Store(ctx context.Context, m FailedMessage) error {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return fmt.Errorf("encode headers of %s: %w", m.ID, err)
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO dead_letters (`+columns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	death_count = EXCLUDED.death_count,
	retry_count = EXCLUDED.retry_count,
	reason      = EXCLUDED.reason,
	headers     = EXCLUDED.headers,
	archived_at = EXCLUDED.archived_at`,
		m.ID, m.Queue, m.Exchange, m.RoutingKey, m.EventType, m.CorrelationID, m.ContentType,
		headers, m.Body, m.Reason, m.RetryCount, m.DeathCount, nullableTime(m.FirstDeathAt), m.ArchivedAt)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", m.ID, err)
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*FailedMessage, error) {
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM dead_letters WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return msg, nil
}

// List implements Store, newest first
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]FailedMessage, error) {
	query, args := listQuery(filter)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var results []FailedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		results = append(results, *msg)
	}
	return results, rows.Err()
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the pool when the store opened it
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func listQuery(filter Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.Queue != "" {
		add("queue = $%d", filter.Queue)
	}
	if !filter.Since.IsZero() {
		add("archived_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("archived_at <= $%d", filter.Until)
	}

	var b strings.Builder
	b.WriteString("SELECT " + columns + " FROM dead_letters")
	if len(conditions) > 0 {
		b.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY archived_at DESC")
	if filter.MaxResults > 0 {
		args = append(args, filter.MaxResults)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanMessage(row pgx.Row) (*FailedMessage, error) {
	var (
		msg          FailedMessage
		headers      []byte
		firstDeathAt *time.Time
	)
	err := row.Scan(&msg.ID, &msg.Queue, &msg.Exchange, &msg.RoutingKey, &msg.EventType,
		&msg.CorrelationID, &msg.ContentType, &headers, &msg.Body, &msg.Reason,
		&msg.RetryCount, &msg.DeathCount, &firstDeathAt, &msg.ArchivedAt)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		var table amqp.Table
		if err := json.Unmarshal(headers, &table); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		msg.Headers = table
	}
	if firstDeathAt != nil {
		msg.FirstDeathAt = *firstDeathAt
	}
	return &msg, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
