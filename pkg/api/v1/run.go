package v1

// RunMode selects where a run executes.
type RunMode string

const (
	// RunModeLocal is a supervised session on this machine.
	RunModeLocal RunMode = "local"
	// RunModeCloud is a fire-and-forget trigger to a remote executor.
	RunModeCloud RunMode = "cloud"
)

// ExecutionMode selects what kind of run is performed.
type ExecutionMode string

const (
	// ExecutionModePlan drives the clarify -> plan -> review workflow.
	ExecutionModePlan ExecutionMode = "plan"
	// ExecutionModeWorkflow executes directly against a configured pipeline.
	ExecutionModeWorkflow ExecutionMode = "workflow"
)

// PlanPhase is the per-task plan-mode phase.
type PlanPhase string

const (
	PlanPhaseIdle      PlanPhase = "idle"
	PlanPhaseQuestions PlanPhase = "questions"
	PlanPhasePlanning  PlanPhase = "planning"
	PlanPhaseReview    PlanPhase = "review"
)

// Task is the subset of a task the orchestrator needs to start a run.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
}

// RunOptions configures one RunTask invocation.
type RunOptions struct {
	RunMode        RunMode       `json:"run_mode"`
	ExecutionMode  ExecutionMode `json:"execution_mode"`
	PermissionMode string        `json:"permission_mode,omitempty"`
	AutoProgress   bool          `json:"auto_progress,omitempty"`
	Model          string        `json:"model,omitempty"`
	CreatePR       bool          `json:"create_pr,omitempty"`
}

// Normalize applies defaulting rules: a task without a workflow cannot run in
// workflow execution mode and is forced into plan mode.
func (o *RunOptions) Normalize(task *Task) {
	if o.RunMode == "" {
		o.RunMode = RunModeLocal
	}
	if o.ExecutionMode == "" || task.WorkflowID == "" {
		o.ExecutionMode = ExecutionModePlan
	}
}
