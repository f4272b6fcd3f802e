// Package state holds the per-task execution state table consumed by the
// presentation layer and mutated by the orchestrator.
package state

import (
	"context"
	"time"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	v1 "github.com/taskdeck/taskdeck/pkg/api/v1"
)

// ExecutionState is the execution record for one task. It is always updated
// via whole-record merge inside Store.Mutate; IsRunning is true iff a live
// run session exists for CurrentRunID.
type ExecutionState struct {
	TaskID            string                       `json:"task_id"`
	IsRunning         bool                         `json:"is_running"`
	Logs              []agentevent.Event           `json:"logs"`
	RepoPath          string                       `json:"repo_path,omitempty"`
	RunMode           v1.RunMode                   `json:"run_mode,omitempty"`
	ExecutionMode     v1.ExecutionMode             `json:"execution_mode,omitempty"`
	PlanPhase         v1.PlanPhase                 `json:"plan_phase,omitempty"`
	Questions         []agentevent.Question        `json:"questions,omitempty"`
	Answers           []agentevent.Answer          `json:"answers,omitempty"`
	PlanContent       string                       `json:"plan_content,omitempty"`
	SelectedArtifact  string                       `json:"selected_artifact,omitempty"`
	Progress          *agentevent.ProgressSnapshot `json:"progress,omitempty"`
	ProgressSignature string                       `json:"progress_signature,omitempty"`
	CurrentRunID      string                       `json:"current_run_id,omitempty"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

// AppendLog appends an event to the task's log. Logs are append-only within
// a run and are cleared only by ClearLogs or a new run starting.
func (s *ExecutionState) AppendLog(ev agentevent.Event) {
	s.Logs = append(s.Logs, ev)
}

// ClearLogs drops the accumulated log.
func (s *ExecutionState) ClearLogs() {
	s.Logs = nil
}

// Clone returns a copy safe to hand to readers.
func (s *ExecutionState) Clone() *ExecutionState {
	out := *s
	if s.Logs != nil {
		out.Logs = make([]agentevent.Event, len(s.Logs))
		copy(out.Logs, s.Logs)
	}
	if s.Questions != nil {
		out.Questions = make([]agentevent.Question, len(s.Questions))
		copy(out.Questions, s.Questions)
	}
	if s.Answers != nil {
		out.Answers = make([]agentevent.Answer, len(s.Answers))
		copy(out.Answers, s.Answers)
	}
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	return &out
}

func defaultPlanPhase() v1.PlanPhase {
	return v1.PlanPhaseIdle
}

// Store defines the interface for execution state storage.
type Store interface {
	// Get returns the state for a task, a zero-valued record if none exists.
	Get(ctx context.Context, taskID string) (*ExecutionState, error)

	// Mutate applies fn to the task's record under the store lock and
	// persists the result. The whole record is merged in one step.
	Mutate(ctx context.Context, taskID string, fn func(*ExecutionState)) (*ExecutionState, error)

	// Delete removes the record for a task.
	Delete(ctx context.Context, taskID string) error

	// ResetRunning clears IsRunning and CurrentRunID on every record and
	// returns how many records were running. Called once at startup: no run
	// session survives the process, so a persisted running flag is stale.
	ResetRunning(ctx context.Context) (int, error)

	// Close closes the store (for database-backed implementations).
	Close() error
}
