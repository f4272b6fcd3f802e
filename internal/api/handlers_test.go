package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/taskdeck/taskdeck/internal/agent/credentials"
	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/plan"
	"github.com/taskdeck/taskdeck/internal/repo"
	"github.com/taskdeck/taskdeck/internal/run"
	"github.com/taskdeck/taskdeck/internal/session"
	"github.com/taskdeck/taskdeck/internal/state"
	v1 "github.com/taskdeck/taskdeck/pkg/api/v1"
)

type okValidator struct{}

func (okValidator) Validate(ctx context.Context, taskID, path string, emit repo.EmitFunc) (string, bool) {
	return path, true
}

type noopCloud struct{}

func (noopCloud) TriggerRun(ctx context.Context, taskID, workflowID string) error { return nil }

func setupTestRouter(t *testing.T) (*gin.Engine, *state.MemoryStore, *run.MockHost) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	store := state.NewMemoryStore()
	registry := session.NewRegistry(log)
	planMachine := plan.NewMachine(store, eventBus, log)
	subscriber := run.NewSubscriber(eventBus, store, registry, planMachine, log)
	host := &run.MockHost{}

	launcher := run.NewLauncher(run.LauncherConfig{
		Host:       host,
		Cloud:      noopCloud{},
		Store:      store,
		EventBus:   eventBus,
		Registry:   registry,
		Validator:  okValidator{},
		Subscriber: subscriber,
		Credentials: &credentials.StaticProvider{
			Creds: credentials.Credentials{Token: "tok", APIHost: "https://api.test"},
		},
		PermissionMode: "acceptEdits",
	}, log)
	planMachine.SetRunner(launcher)

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), launcher, planMachine, store, log)
	return router, store, host
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRunTaskEndpoint(t *testing.T) {
	router, store, host := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/run", RunTaskRequest{
		Title:    "Fix the bug",
		RepoPath: "/tmp/repo",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	if len(host.ResearchCalls) != 1 {
		t.Errorf("expected a plan research run, got %d calls", len(host.ResearchCalls))
	}
	st, _ := store.Get(context.Background(), "t1")
	if !st.IsRunning {
		t.Error("expected task to be running")
	}
}

func TestRunTaskEndpoint_MissingTitle(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/run", map[string]string{
		"repo_path": "/tmp/repo",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing title, got %d", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	router, _, host := setupTestRouter(t)

	// Nothing running yet
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp CancelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Canceled {
		t.Error("expected canceled=false with no live run")
	}

	// Start then cancel
	doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/run", RunTaskRequest{Title: "T", RepoPath: "/tmp/r"})
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/cancel", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Canceled {
		t.Error("expected canceled=true")
	}
	if len(host.CancelCalls) != 1 {
		t.Errorf("expected 1 boundary cancel, got %d", len(host.CancelCalls))
	}
}

func TestGetStateEndpoint(t *testing.T) {
	router, store, _ := setupTestRouter(t)

	_, _ = store.Mutate(context.Background(), "t1", func(st *state.ExecutionState) {
		st.PlanPhase = v1.PlanPhaseReview
		st.PlanContent = "# Plan"
		st.AppendLog(agentevent.NewText("t1", "run-1", "info", "hello"))
	})

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/t1/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp StateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.PlanPhase != string(v1.PlanPhaseReview) {
		t.Errorf("expected review phase, got %q", resp.PlanPhase)
	}
	if resp.PlanContent != "# Plan" {
		t.Errorf("unexpected plan content %q", resp.PlanContent)
	}
	if len(resp.Logs) != 1 {
		t.Errorf("expected 1 log entry, got %d", len(resp.Logs))
	}
}

func TestGetStateEndpoint_UnknownTask(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/unknown/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with zero record, got %d", w.Code)
	}

	var resp StateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.IsRunning {
		t.Error("expected zero record to not be running")
	}
	if resp.PlanPhase != string(v1.PlanPhaseIdle) {
		t.Errorf("expected idle phase, got %q", resp.PlanPhase)
	}
}

func TestClearLogsEndpoint(t *testing.T) {
	router, store, _ := setupTestRouter(t)
	ctx := context.Background()

	_, _ = store.Mutate(ctx, "t1", func(st *state.ExecutionState) {
		st.AppendLog(agentevent.NewText("t1", "run-1", "info", "noise"))
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/logs/clear", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	st, _ := store.Get(ctx, "t1")
	if len(st.Logs) != 0 {
		t.Errorf("expected logs to be cleared, got %d entries", len(st.Logs))
	}
}

func TestSubmitAnswersEndpoint(t *testing.T) {
	router, store, host := setupTestRouter(t)
	ctx := context.Background()
	repoPath := t.TempDir()

	_, _ = store.Mutate(ctx, "t1", func(st *state.ExecutionState) {
		st.RepoPath = repoPath
		st.PlanPhase = v1.PlanPhaseQuestions
		st.Questions = []agentevent.Question{
			{ID: "q1", Question: "A?", Options: []string{"yes", "no"}},
		}
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/plan/answers", SubmitAnswersRequest{
		Title:   "Task",
		Answers: []agentevent.Answer{{QuestionID: "q1", SelectedOption: "yes"}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	st, _ := store.Get(ctx, "t1")
	if st.PlanPhase != v1.PlanPhasePlanning {
		t.Errorf("expected planning phase, got %q", st.PlanPhase)
	}
	if len(host.GenerateCalls) != 1 {
		t.Errorf("expected a plan generation run, got %d calls", len(host.GenerateCalls))
	}
}

func TestSubmitAnswersEndpoint_WrongPhase(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/plan/answers", SubmitAnswersRequest{
		Title:   "Task",
		Answers: []agentevent.Answer{{QuestionID: "q1", SelectedOption: "yes"}},
	})
	if w.Code == http.StatusAccepted {
		t.Error("expected failure when task is not awaiting answers")
	}
}

func TestPlanCloseEndpoint(t *testing.T) {
	router, store, _ := setupTestRouter(t)
	ctx := context.Background()

	_, _ = store.Mutate(ctx, "t1", func(st *state.ExecutionState) {
		st.PlanPhase = v1.PlanPhaseReview
		st.SelectedArtifact = "a1"
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/plan/close", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	st, _ := store.Get(ctx, "t1")
	if st.PlanPhase != v1.PlanPhaseIdle || st.SelectedArtifact != "" {
		t.Errorf("expected idle phase and no artifact, got %+v", st)
	}
}

func TestSavePlanEndpoint(t *testing.T) {
	router, store, _ := setupTestRouter(t)
	ctx := context.Background()
	repoPath := t.TempDir()

	_, _ = store.Mutate(ctx, "t1", func(st *state.ExecutionState) {
		st.RepoPath = repoPath
		st.PlanPhase = v1.PlanPhaseReview
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/t1/plan/save", SavePlanRequest{
		Content: "# Updated\n",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	st, _ := store.Get(ctx, "t1")
	if st.PlanContent != "# Updated\n" {
		t.Errorf("expected plan content to be saved, got %q", st.PlanContent)
	}
}
