// Package api provides HTTP handlers for the orchestrator control API.
package api

import (
	"time"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/state"
	v1 "github.com/taskdeck/taskdeck/pkg/api/v1"
)

// RunTaskRequest starts a run for a task
type RunTaskRequest struct {
	Title          string `json:"title" binding:"required"`
	Description    string `json:"description"`
	WorkflowID     string `json:"workflow_id,omitempty"`
	RepoPath       string `json:"repo_path,omitempty"`
	RunMode        string `json:"run_mode,omitempty"`
	ExecutionMode  string `json:"execution_mode,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	AutoProgress   bool   `json:"auto_progress,omitempty"`
	Model          string `json:"model,omitempty"`
	CreatePR       bool   `json:"create_pr,omitempty"`
}

// Task converts the request into the task the launcher runs.
func (r *RunTaskRequest) Task(taskID string) *v1.Task {
	return &v1.Task{
		ID:          taskID,
		Title:       r.Title,
		Description: r.Description,
		WorkflowID:  r.WorkflowID,
		RepoPath:    r.RepoPath,
	}
}

// Options converts the request into run options.
func (r *RunTaskRequest) Options() v1.RunOptions {
	return v1.RunOptions{
		RunMode:        v1.RunMode(r.RunMode),
		ExecutionMode:  v1.ExecutionMode(r.ExecutionMode),
		PermissionMode: r.PermissionMode,
		AutoProgress:   r.AutoProgress,
		Model:          r.Model,
		CreatePR:       r.CreatePR,
	}
}

// SubmitAnswersRequest carries the user's answers to the stored questions
type SubmitAnswersRequest struct {
	Title       string              `json:"title" binding:"required"`
	Description string              `json:"description"`
	RepoPath    string              `json:"repo_path,omitempty"`
	Answers     []agentevent.Answer `json:"answers" binding:"required"`
}

// SavePlanRequest writes edited plan content back to the plan document
type SavePlanRequest struct {
	Content string `json:"content"`
}

// SelectArtifactRequest records the artifact shown by the review surface
type SelectArtifactRequest struct {
	ArtifactID string `json:"artifact_id" binding:"required"`
}

// Response types

// StateResponse represents a task's execution state in API responses
type StateResponse struct {
	TaskID           string                       `json:"task_id"`
	IsRunning        bool                         `json:"is_running"`
	Logs             []agentevent.Event           `json:"logs"`
	RepoPath         string                       `json:"repo_path,omitempty"`
	RunMode          string                       `json:"run_mode,omitempty"`
	ExecutionMode    string                       `json:"execution_mode,omitempty"`
	PlanPhase        string                       `json:"plan_phase"`
	Questions        []agentevent.Question        `json:"questions,omitempty"`
	Answers          []agentevent.Answer          `json:"answers,omitempty"`
	PlanContent      string                       `json:"plan_content,omitempty"`
	SelectedArtifact string                       `json:"selected_artifact,omitempty"`
	Progress         *agentevent.ProgressSnapshot `json:"progress,omitempty"`
	CurrentRunID     string                       `json:"current_run_id,omitempty"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// CancelResponse reports whether a cancel found a live run
type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

func stateToResponse(st *state.ExecutionState) *StateResponse {
	phase := st.PlanPhase
	if phase == "" {
		phase = v1.PlanPhaseIdle
	}
	return &StateResponse{
		TaskID:           st.TaskID,
		IsRunning:        st.IsRunning,
		Logs:             st.Logs,
		RepoPath:         st.RepoPath,
		RunMode:          string(st.RunMode),
		ExecutionMode:    string(st.ExecutionMode),
		PlanPhase:        string(phase),
		Questions:        st.Questions,
		Answers:          st.Answers,
		PlanContent:      st.PlanContent,
		SelectedArtifact: st.SelectedArtifact,
		Progress:         st.Progress,
		CurrentRunID:     st.CurrentRunID,
		UpdatedAt:        st.UpdatedAt,
	}
}
