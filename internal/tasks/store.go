// Package tasks persists the status of indexing tasks to PostgreSQL.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS indexing_tasks (
		id          TEXT PRIMARY KEY,
		index_uid   TEXT NOT NULL,
		status      TEXT NOT NULL,
		error_code  TEXT,
		details     JSONB,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at  TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS indexing_tasks_index_uid_status ON indexing_tasks (index_uid, status)`,
}

// Store persists indexing task rows in the indexing_tasks table.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a task store.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "task-store"),
	}
}

// EnsureSchema creates the task table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, schema...); err != nil {
		return fmt.Errorf("creating task schema: %w", err)
	}
	return nil
}

// Enqueue inserts the row of a new task.
func (s *Store) Enqueue(ctx context.Context, taskID, indexUID string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO indexing_tasks (id, index_uid, status) VALUES ($1, $2, $3)`,
		taskID, indexUID, ingestion.StatusEnqueued,
	)
	if err != nil {
		return fmt.Errorf("enqueuing task %s: %w", taskID, err)
	}
	return nil
}

// MarkProcessing records that a task started, creating its row if the
// producer did not.
func (s *Store) MarkProcessing(ctx context.Context, taskID, indexUID string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO indexing_tasks (id, index_uid, status, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, started_at = EXCLUDED.started_at`,
		taskID, indexUID, ingestion.StatusProcessing, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking task %s processing: %w", taskID, err)
	}
	return nil
}

// Finish stores the final status and the completion event of a task.
func (s *Store) Finish(ctx context.Context, event ingestion.IndexCompleteEvent) error {
	details, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling task details: %w", err)
	}
	var code sql.NullString
	if event.ErrorCode != "" {
		code = sql.NullString{String: event.ErrorCode, Valid: true}
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE indexing_tasks SET status = $1, error_code = $2, details = $3, finished_at = $4 WHERE id = $5`,
			event.Status, code, details, event.FinishedAt, event.TaskID,
		)
		if err != nil {
			return fmt.Errorf("updating task %s: %w", event.TaskID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			s.logger.Warn("task row missing", "task_id", event.TaskID)
		}
		s.logger.Debug("task finished", "task_id", event.TaskID, "status", event.Status)
		return nil
	})
}
