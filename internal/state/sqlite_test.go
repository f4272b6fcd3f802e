package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	v1 "github.com/taskdeck/taskdeck/pkg/api/v1"
)

func newSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	store, err := NewSQLiteStore(path, log)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := newSQLiteStore(t, path)
	defer store.Close()

	ctx := context.Background()

	_, err := store.Mutate(ctx, "task-1", func(st *ExecutionState) {
		st.IsRunning = true
		st.PlanPhase = v1.PlanPhaseQuestions
		st.Questions = []agentevent.Question{{ID: "q1", Question: "Scope?", Options: []string{"A", "B"}}}
		st.AppendLog(agentevent.NewText("task-1", "run-1", "info", "hello"))
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	st, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !st.IsRunning {
		t.Error("expected is_running to persist")
	}
	if st.PlanPhase != v1.PlanPhaseQuestions {
		t.Errorf("expected questions phase, got %q", st.PlanPhase)
	}
	if len(st.Questions) != 1 || st.Questions[0].ID != "q1" {
		t.Errorf("questions not persisted: %+v", st.Questions)
	}
	if len(st.Logs) != 1 || st.Logs[0].Message != "hello" {
		t.Errorf("logs not persisted: %+v", st.Logs)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := newSQLiteStore(t, path)

	ctx := context.Background()
	_, err := store.Mutate(ctx, "task-1", func(st *ExecutionState) {
		st.PlanContent = "# Plan\n\ndo the thing\n"
		st.PlanPhase = v1.PlanPhaseReview
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := newSQLiteStore(t, path)
	defer reopened.Close()

	st, err := reopened.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.PlanContent != "# Plan\n\ndo the thing\n" {
		t.Errorf("plan content changed across reopen: %q", st.PlanContent)
	}
	if st.PlanPhase != v1.PlanPhaseReview {
		t.Errorf("expected review phase, got %q", st.PlanPhase)
	}
}

func TestSQLiteStore_RestartClearsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := newSQLiteStore(t, path)

	ctx := context.Background()
	_, err := store.Mutate(ctx, "task-1", func(st *ExecutionState) {
		st.IsRunning = true
		st.CurrentRunID = "run-1"
		st.PlanPhase = v1.PlanPhasePlanning
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	_, err = store.Mutate(ctx, "task-2", func(st *ExecutionState) {
		st.PlanPhase = v1.PlanPhaseReview
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A crashed process leaves the running flag behind; the next boot has an
	// empty session registry, so the flag must be swept.
	reopened := newSQLiteStore(t, path)
	defer reopened.Close()

	stale, err := reopened.ResetRunning(ctx)
	if err != nil {
		t.Fatalf("ResetRunning failed: %v", err)
	}
	if stale != 1 {
		t.Errorf("expected 1 stale running record, got %d", stale)
	}

	st, err := reopened.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.IsRunning {
		t.Error("expected running flag cleared after restart sweep")
	}
	if st.CurrentRunID != "" {
		t.Errorf("expected run handle cleared, got %q", st.CurrentRunID)
	}
	if st.PlanPhase != v1.PlanPhasePlanning {
		t.Errorf("sweep must not touch the plan phase, got %q", st.PlanPhase)
	}

	st2, err := reopened.Get(ctx, "task-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st2.PlanPhase != v1.PlanPhaseReview {
		t.Errorf("non-running record changed by sweep: %+v", st2)
	}
}

func TestSQLiteStore_GetUnknownTask(t *testing.T) {
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer store.Close()

	st, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.TaskID != "missing" || st.IsRunning {
		t.Errorf("expected zero record, got %+v", st)
	}
	if st.PlanPhase != v1.PlanPhaseIdle {
		t.Errorf("expected idle phase, got %q", st.PlanPhase)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer store.Close()

	ctx := context.Background()
	_, _ = store.Mutate(ctx, "task-1", func(st *ExecutionState) {
		st.IsRunning = true
	})
	if err := store.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	st, err := store.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.IsRunning {
		t.Error("expected record to be gone after delete")
	}
}
