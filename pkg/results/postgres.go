package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore keeps stage results in Postgres. Saving a stage also writes an
// outbox row in the same transaction so the stage-completed event is published
// exactly when the results are durable.
type PostgresStore struct {
	pool  dbPool
	RunID string
}

// dbPool is the part of *pgxpool.Pool the store uses.
type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

func NewPostgresStore(ctx context.Context, databaseURL, runID string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Allow tuning the maximum connections via environment variable to avoid exhausting Postgres.
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, errConv := strconv.Atoi(v); errConv == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &PostgresStore{pool: p, RunID: runID}, nil
}

// ForRun returns a store for another run that shares the connection pool.
func (s *PostgresStore) ForRun(runID string) *PostgresStore {
	return &PostgresStore{pool: s.pool, RunID: runID}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InitSchema creates the results and outbox tables.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS pipeline_results (
        run_id TEXT NOT NULL,
        stage TEXT NOT NULL,
        key TEXT NOT NULL,
        value JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (run_id, key)
    );
    CREATE INDEX IF NOT EXISTS idx_pipeline_results_stage ON pipeline_results (run_id, stage);

    CREATE TABLE IF NOT EXISTS stage_outbox (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        run_id TEXT NOT NULL,
        stage TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Save inserts every value of the stage and its outbox row in one transaction.
// A key that already exists for the run fails the whole save with ErrDuplicateKey.
func (s *PostgresStore) Save(ctx context.Context, stage string, values map[string]any) error {
	keys := slices.Sorted(maps.Keys(values))
	raws := make([][]byte, len(keys))
	for i, k := range keys {
		if !primitive(values[k]) {
			return fmt.Errorf("%w: %s=%T", ErrInvalidValue, k, values[k])
		}
		raw, err := json.Marshal(values[k])
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		raws[i] = raw
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.insert(ctx, tx, stage, keys, raws); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) insert(ctx context.Context, tx pgx.Tx, stage string, keys []string, raws [][]byte) error {
	insert := `INSERT INTO pipeline_results (run_id, stage, key, value) VALUES ($1, $2, $3, $4)`
	for i, k := range keys {
		if _, err := tx.Exec(ctx, insert, s.RunID, stage, k, raws[i]); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %q rejected from %q", ErrDuplicateKey, k, stage)
			}
			return err
		}
	}
	_, err := tx.Exec(ctx, `INSERT INTO stage_outbox (run_id, stage) VALUES ($1, $2)`, s.RunID, stage)
	return err
}

// Load reads every result of the run into a bundle.
func (s *PostgresStore) Load(ctx context.Context) (*Bundle, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, key, value FROM pipeline_results WHERE run_id = $1 ORDER BY created_at, key`, s.RunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	b := NewBundle()
	for rows.Next() {
		var stage, key string
		var raw []byte
		if err := rows.Scan(&stage, &key, &raw); err != nil {
			return nil, err
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if n, ok := v.(json.Number); ok {
			v = numberValue(n)
		}
		if err := b.Put(stage, key, v); err != nil {
			return nil, err
		}
	}
	return b, rows.Err()
}

// OutboxMessage represents a row in the stage_outbox table.
type OutboxMessage struct {
	ID        string
	RunID     string
	Stage     string
	CreatedAt time.Time
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (s *PostgresStore) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, stage, created_at FROM stage_outbox ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var m OutboxMessage
		err := row.Scan(&m.ID, &m.RunID, &m.Stage, &m.CreatedAt)
		return m, err
	})
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (s *PostgresStore) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM stage_outbox WHERE id = $1`, id)
	return err
}
