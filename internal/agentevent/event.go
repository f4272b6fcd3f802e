// Package agentevent defines the typed event stream emitted by a run.
// Events are immutable and append-only per run; ordering is the delivery
// order of the run's channel. No cross-run ordering exists.
package agentevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags an agent event variant.
type Type string

const (
	TypeStatus     Type = "status"
	TypeText       Type = "text"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"
	TypeDiff       Type = "diff"
	TypeFileWrite  Type = "file_write"
	TypeMetric     Type = "metric"
	TypeArtifact   Type = "artifact"
	TypeProgress   Type = "progress"
	TypeError      Type = "error"
	TypeDone       Type = "done"
)

// Status phase markers carried by TypeStatus events.
const (
	StatusWorkflowStart = "workflow_start"
	StatusResearchStart = "research_start"
	StatusPlanningStart = "planning_start"
	StatusCanceled      = "canceled"
)

// ArtifactKindResearchQuestions tags the artifact that carries clarifying
// questions from a research sub-run.
const ArtifactKindResearchQuestions = "research_questions"

// ToolPayload describes a tool invocation or its result.
type ToolPayload struct {
	Name   string          `json:"name"`
	CallID string          `json:"call_id"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// DiffPayload describes a patch the agent produced.
type DiffPayload struct {
	Path    string `json:"path"`
	Patch   string `json:"patch"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// FileWritePayload describes a file the agent wrote.
type FileWritePayload struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// MetricPayload carries a named numeric measurement.
type MetricPayload struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ArtifactPayload is an opaque kind-tagged payload emitted mid-run.
type ArtifactPayload struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// ProgressSnapshot is the remote run status forwarded by the poller.
type ProgressSnapshot struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
	Output    string `json:"output,omitempty"`
}

// Signature identifies a snapshot for log deduplication. Two snapshots with
// the same signature update the stored state but append only one log entry.
func (p *ProgressSnapshot) Signature() string {
	return p.Status + "|" + p.UpdatedAt
}

// Event is one entry in a run's event stream. Exactly one payload group is
// populated, selected by Type.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Status  string `json:"status,omitempty"`  // TypeStatus
	Message string `json:"message,omitempty"` // TypeText, TypeError
	Level   string `json:"level,omitempty"`   // TypeText: info, warn, error
	Cause   string `json:"cause,omitempty"`   // TypeError

	Tool      *ToolPayload      `json:"tool,omitempty"`
	Diff      *DiffPayload      `json:"diff,omitempty"`
	FileWrite *FileWritePayload `json:"file_write,omitempty"`
	Metric    *MetricPayload    `json:"metric,omitempty"`
	Artifact  *ArtifactPayload  `json:"artifact,omitempty"`
	Progress  *ProgressSnapshot `json:"progress,omitempty"`

	Success *bool `json:"success,omitempty"` // TypeDone
}

func newEvent(taskID, runID string, typ Type) Event {
	return Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		TaskID:    taskID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// NewStatus creates a phase-marker event.
func NewStatus(taskID, runID, status string) Event {
	ev := newEvent(taskID, runID, TypeStatus)
	ev.Status = status
	return ev
}

// NewText creates a free-form progress text event.
func NewText(taskID, runID, level, message string) Event {
	ev := newEvent(taskID, runID, TypeText)
	ev.Level = level
	ev.Message = message
	return ev
}

// NewError creates an error event with an optional cause.
func NewError(taskID, runID, message, cause string) Event {
	ev := newEvent(taskID, runID, TypeError)
	ev.Message = message
	ev.Cause = cause
	return ev
}

// NewDone creates the terminal event of a run.
func NewDone(taskID, runID string, success bool) Event {
	ev := newEvent(taskID, runID, TypeDone)
	ev.Success = &success
	return ev
}

// NewProgress creates a progress snapshot event.
func NewProgress(taskID, runID string, snapshot ProgressSnapshot) Event {
	ev := newEvent(taskID, runID, TypeProgress)
	ev.Progress = &snapshot
	return ev
}

// NewArtifact creates a kind-tagged artifact event.
func NewArtifact(taskID, runID, kind, content string) Event {
	ev := newEvent(taskID, runID, TypeArtifact)
	ev.Artifact = &ArtifactPayload{Kind: kind, Content: content}
	return ev
}

// Decode converts loosely typed bus event data into an Event.
func Decode(data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("agent event missing type tag")
	}
	return &ev, nil
}
