// Package events defines event bus subjects for the taskdeck orchestrator.
package events

// Event types carried on the bus
const (
	// AgentEvent is the base subject for per-run agent event streams.
	// Historically two separator conventions existed for run channels; they
	// are unified here as NATS-style subjects.
	AgentEvent = "agent.event"

	// TaskLog carries synchronous orchestrator events (precondition errors,
	// startup status lines) that are emitted before a run exists.
	TaskLog = "task.log"
)

// BuildAgentEventSubject creates the event subject for a specific run.
func BuildAgentEventSubject(runID string) string {
	return AgentEvent + "." + runID
}

// BuildAgentEventWildcardSubject creates a wildcard subscription for all
// per-run agent event streams.
func BuildAgentEventWildcardSubject() string {
	return AgentEvent + ".*"
}

// BuildTaskLogSubject creates the synchronous log subject for a task.
func BuildTaskLogSubject(taskID string) string {
	return TaskLog + "." + taskID
}

// BuildTaskLogWildcardSubject creates a wildcard subscription for all
// synchronous task log events.
func BuildTaskLogWildcardSubject() string {
	return TaskLog + ".*"
}
