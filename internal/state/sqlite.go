package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// SQLiteStore persists execution state in a local sqlite database.
// Records are stored as JSON keyed by task id; Mutate serializes writers so
// the read-modify-write of one record is atomic.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logger.Logger
	mu     sync.Mutex
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS execution_state (
	task_id    TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (and migrates) the sqlite state database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the state for a task, a zero-valued record if none exists.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*ExecutionState, error) {
	st, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Mutate applies fn to the task's record and persists the result.
func (s *SQLiteStore) Mutate(ctx context.Context, taskID string, fn func(*ExecutionState)) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	fn(st)
	st.TaskID = taskID
	st.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_state (task_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		taskID, string(raw), st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to persist execution state: %w", err)
	}

	return st.Clone(), nil
}

// ResetRunning clears stale running flags on every persisted record.
// Records are JSON blobs, so each running one is rewritten whole.
func (s *SQLiteStore) ResetRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := []struct {
		TaskID string `db:"task_id"`
		State  string `db:"state"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT task_id, state FROM execution_state`); err != nil {
		return 0, fmt.Errorf("failed to scan execution state: %w", err)
	}

	count := 0
	for _, row := range rows {
		var st ExecutionState
		if err := json.Unmarshal([]byte(row.State), &st); err != nil {
			return count, fmt.Errorf("failed to unmarshal execution state for %s: %w", row.TaskID, err)
		}
		if !st.IsRunning {
			continue
		}

		st.IsRunning = false
		st.CurrentRunID = ""
		st.UpdatedAt = time.Now().UTC()

		raw, err := json.Marshal(&st)
		if err != nil {
			return count, fmt.Errorf("failed to marshal execution state: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE execution_state SET state = ?, updated_at = ? WHERE task_id = ?`,
			string(raw), st.UpdatedAt, row.TaskID); err != nil {
			return count, fmt.Errorf("failed to persist execution state: %w", err)
		}
		count++
	}
	return count, nil
}

// Delete removes the record for a task.
func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM execution_state WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete execution state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) load(ctx context.Context, taskID string) (*ExecutionState, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT state FROM execution_state WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return &ExecutionState{TaskID: taskID, PlanPhase: defaultPlanPhase()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution state: %w", err)
	}

	var st ExecutionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	return &st, nil
}
