package tasklog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_log (
	id             UUID PRIMARY KEY,
	kind           TEXT NOT NULL,
	catalog        TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL,
	status         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS task_log_created_at_idx ON task_log (created_at DESC);
`

// PostgresStore persists tasks in Postgres via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresStore connects, verifies the connection and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone TO 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure task_log schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, task Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_log (id, kind, catalog, correlation_id, status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.Kind, task.Catalog, task.CorrelationID, task.Status, task.Detail, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_log SET status = $2, started_at = now() WHERE id = $1`,
		id, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFinished(ctx context.Context, id uuid.UUID, status, detail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_log SET status = $2, detail = $3, finished_at = now() WHERE id = $1`,
		id, status, detail)
	if err != nil {
		return fmt.Errorf("mark task finished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, catalog, correlation_id, status, detail, created_at, started_at, finished_at
		 FROM task_log WHERE id = $1`, id)
	var task Task
	err := row.Scan(&task.ID, &task.Kind, &task.Catalog, &task.CorrelationID,
		&task.Status, &task.Detail, &task.CreatedAt, &task.StartedAt, &task.FinishedAt)
	if apperrors.Is(err, pgx.ErrNoRows) {
		return Task{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, catalog, correlation_id, status, detail, created_at, started_at, finished_at
		 FROM task_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var task Task
		if err := rows.Scan(&task.ID, &task.Kind, &task.Catalog, &task.CorrelationID,
			&task.Status, &task.Detail, &task.CreatedAt, &task.StartedAt, &task.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) MarkOrphans(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_log SET status = $1, detail = 'process restarted while task was running', finished_at = now()
		 WHERE status IN ($2, $3)`,
		StatusOrphaned, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
