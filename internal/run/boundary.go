package run

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// StartRequest carries everything the execution host needs to start a run.
type StartRequest struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	WorkflowID     string   `json:"workflow_id,omitempty"`
	RepoPath       string   `json:"repo_path"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	Model          string   `json:"model,omitempty"`
	CreatePR       bool     `json:"create_pr,omitempty"`
	Env            []string `json:"env,omitempty"`
}

// PlanRequest starts one of the plan-mode sub-runs.
type PlanRequest struct {
	TaskID         string              `json:"task_id"`
	Title          string              `json:"title"`
	Description    string              `json:"description,omitempty"`
	RepoPath       string              `json:"repo_path"`
	PermissionMode string              `json:"permission_mode,omitempty"`
	Model          string              `json:"model,omitempty"`
	Answers        []agentevent.Answer `json:"answers,omitempty"`
	Env            []string            `json:"env,omitempty"`
}

// StartResult identifies the run the host created and the event subject it
// publishes on.
type StartResult struct {
	RunID   string `json:"run_id"`
	Subject string `json:"subject"`
}

// Host is the execution boundary: the component that actually spawns and
// stops agent runs. The orchestrator never touches processes directly.
type Host interface {
	// Start begins a workflow run.
	Start(ctx context.Context, req StartRequest) (*StartResult, error)

	// StartPlanResearch begins the clarifying-questions sub-run of plan mode.
	StartPlanResearch(ctx context.Context, req PlanRequest) (*StartResult, error)

	// GeneratePlan begins the plan-generation sub-run, fed by answers.
	GeneratePlan(ctx context.Context, req PlanRequest) (*StartResult, error)

	// Cancel stops a live run.
	Cancel(ctx context.Context, runID string) error
}

// HTTPHost reaches the execution host over its local HTTP API.
type HTTPHost struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewHTTPHost creates an HTTP execution-boundary client.
func NewHTTPHost(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPHost {
	return &HTTPHost{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  log,
	}
}

func (h *HTTPHost) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	return h.post(ctx, "/api/runs", req)
}

func (h *HTTPHost) StartPlanResearch(ctx context.Context, req PlanRequest) (*StartResult, error) {
	return h.post(ctx, "/api/runs/plan/research", req)
}

func (h *HTTPHost) GeneratePlan(ctx context.Context, req PlanRequest) (*StartResult, error) {
	return h.post(ctx, "/api/runs/plan/generate", req)
}

func (h *HTTPHost) Cancel(ctx context.Context, runID string) error {
	url := fmt.Sprintf("%s/api/runs/%s/cancel", h.baseURL, runID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}
	resp, err := h.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("host cancel failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("host cancel failed: %s", resp.Status)
	}
	return nil
}

func (h *HTTPHost) post(ctx context.Context, path string, payload interface{}) (*StartResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build host request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("host request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("host request failed: %s", resp.Status)
	}

	var result StartResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode host response: %w", err)
	}
	if result.RunID == "" || result.Subject == "" {
		return nil, fmt.Errorf("host response missing run id or subject")
	}
	return &result, nil
}

// Ensure interface compliance.
var (
	_ Host = (*HTTPHost)(nil)
	_ Host = (*MockHost)(nil)
)

// MockHost is a scriptable Host for tests.
type MockHost struct {
	mu sync.Mutex

	StartFunc             func(ctx context.Context, req StartRequest) (*StartResult, error)
	StartPlanResearchFunc func(ctx context.Context, req PlanRequest) (*StartResult, error)
	GeneratePlanFunc      func(ctx context.Context, req PlanRequest) (*StartResult, error)
	CancelFunc            func(ctx context.Context, runID string) error

	StartCalls    []StartRequest
	ResearchCalls []PlanRequest
	GenerateCalls []PlanRequest
	CancelCalls   []string
}

func (m *MockHost) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, req)
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx, req)
	}
	return &StartResult{RunID: "run-" + req.TaskID, Subject: "agent.event.run-" + req.TaskID}, nil
}

func (m *MockHost) StartPlanResearch(ctx context.Context, req PlanRequest) (*StartResult, error) {
	m.mu.Lock()
	m.ResearchCalls = append(m.ResearchCalls, req)
	m.mu.Unlock()
	if m.StartPlanResearchFunc != nil {
		return m.StartPlanResearchFunc(ctx, req)
	}
	return &StartResult{RunID: "research-" + req.TaskID, Subject: "agent.event.research-" + req.TaskID}, nil
}

func (m *MockHost) GeneratePlan(ctx context.Context, req PlanRequest) (*StartResult, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, req)
	m.mu.Unlock()
	if m.GeneratePlanFunc != nil {
		return m.GeneratePlanFunc(ctx, req)
	}
	return &StartResult{RunID: "plan-" + req.TaskID, Subject: "agent.event.plan-" + req.TaskID}, nil
}

func (m *MockHost) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	m.CancelCalls = append(m.CancelCalls, runID)
	m.mu.Unlock()
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, runID)
	}
	return nil
}
