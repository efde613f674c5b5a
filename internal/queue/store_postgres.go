package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const fieldActionsSchema = `
CREATE TABLE IF NOT EXISTS field_actions (
    id          text PRIMARY KEY,
    queue       text NOT NULL,
    action_type text NOT NULL,
    status      text NOT NULL,
    priority    text NOT NULL,
    created_at  timestamptz NOT NULL,
    record      jsonb NOT NULL,
    updated_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS field_actions_queue_status ON field_actions (queue, status);
`

// PostgresStore keeps queue records in a shared field_actions table, scoped
// by a queue name so several devices or agents can share one database.
type PostgresStore struct {
	db    *sql.DB
	queue string
}

func NewPostgresStore(ctx context.Context, dsn, queue string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrPersistence, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrPersistence, err)
	}
	s := &PostgresStore{db: db, queue: queue}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the table and index when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fieldActionsSchema); err != nil {
		return fmt.Errorf("%w: migrate: %w", ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM field_actions WHERE queue=$1 ORDER BY created_at`, s.queue)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	defer rows.Close()
	var out []Action
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrPersistence, err)
		}
		var a Action
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: decode: %w", ErrPersistence, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	return out, nil
}

func (s *PostgresStore) Put(ctx context.Context, a Action) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistence, a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO field_actions (id, queue, action_type, status, priority, created_at, record, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, record=EXCLUDED.record, updated_at=now()`,
		a.ID, s.queue, string(a.Type), string(a.Status), string(a.Priority), a.CreatedAt, raw)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrPersistence, a.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM field_actions WHERE queue=$1 AND id=$2`, s.queue, id); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrPersistence, id, err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
