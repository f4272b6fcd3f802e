// Package plan drives the per-task plan-mode state machine:
// idle -> questions -> planning -> review.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/state"
	v1 "github.com/taskdeck/taskdeck/pkg/api/v1"
)

// planDirName is the per-repo directory plan documents live under. The
// layout is <repoPath>/.posthog/<taskID>/; agents write plan.md there and
// the machine reads it back verbatim.
const planDirName = ".posthog"

// DocPath returns the path of a task's plan document inside its repository.
func DocPath(repoPath, taskID string) string {
	return filepath.Join(repoPath, planDirName, taskID, "plan.md")
}

// AnswersPath returns the path the user's answers are written to for the
// plan-generation sub-run to read.
func AnswersPath(repoPath, taskID string) string {
	return filepath.Join(repoPath, planDirName, taskID, "answers.json")
}

// Runner starts runs on behalf of the machine. Implemented by the run
// launcher; declared here so this package stays one-directional.
type Runner interface {
	RunTask(ctx context.Context, task *v1.Task, opts v1.RunOptions) error
}

// Machine owns plan-phase transitions for all tasks. Phase lives in the
// execution state store; the machine is stateless between calls.
type Machine struct {
	store    state.Store
	eventBus bus.EventBus
	runner   Runner
	logger   *logger.Logger
}

// NewMachine creates a plan machine. The runner is attached afterwards via
// SetRunner because the launcher is constructed later in wiring.
func NewMachine(store state.Store, eventBus bus.EventBus, log *logger.Logger) *Machine {
	return &Machine{
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "plan-machine")),
	}
}

// SetRunner attaches the run launcher.
func (m *Machine) SetRunner(r Runner) {
	m.runner = r
}

// Observe inspects a run event for plan-mode signals. A research_questions
// artifact with content moves an idle task into the questions phase; the
// transition is skipped when questions are already stored so a replayed
// artifact cannot clobber answers in flight.
func (m *Machine) Observe(ctx context.Context, ev *agentevent.Event) {
	if ev.Type != agentevent.TypeArtifact || ev.Artifact == nil {
		return
	}
	if ev.Artifact.Kind != agentevent.ArtifactKindResearchQuestions || ev.Artifact.Content == "" {
		return
	}

	questions, err := agentevent.ParseResearchQuestions(ev.Artifact.Content)
	if err != nil {
		m.logger.Warn("unparseable research questions artifact",
			zap.String("task_id", ev.TaskID), zap.Error(err))
		return
	}

	_, err = m.store.Mutate(ctx, ev.TaskID, func(st *state.ExecutionState) {
		if len(st.Questions) > 0 {
			return
		}
		st.Questions = questions
		st.Answers = nil
		st.PlanPhase = v1.PlanPhaseQuestions
	})
	if err != nil {
		m.logger.Error("failed to store research questions",
			zap.String("task_id", ev.TaskID), zap.Error(err))
		return
	}

	m.logger.Info("entered questions phase",
		zap.String("task_id", ev.TaskID),
		zap.Int("questions", len(questions)))
}

// SubmitAnswers validates one answer per stored question, persists the
// answers next to the plan document, moves the task into the planning phase
// and starts the plan-generation run.
func (m *Machine) SubmitAnswers(ctx context.Context, task *v1.Task, answers []agentevent.Answer) error {
	st, err := m.store.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if st.PlanPhase != v1.PlanPhaseQuestions {
		return fmt.Errorf("task %s is not awaiting answers (phase %s)", task.ID, st.PlanPhase)
	}
	if err := validateAnswers(st.Questions, answers); err != nil {
		return err
	}

	repoPath := st.RepoPath
	if repoPath == "" {
		repoPath = task.RepoPath
	}
	if repoPath == "" {
		return fmt.Errorf("task %s has no repository path", task.ID)
	}
	if err := writeAnswers(repoPath, task.ID, answers); err != nil {
		return err
	}

	if _, err := m.store.Mutate(ctx, task.ID, func(st *state.ExecutionState) {
		st.Answers = answers
		st.PlanPhase = v1.PlanPhasePlanning
	}); err != nil {
		return err
	}

	m.logger.Info("answers submitted, starting plan generation",
		zap.String("task_id", task.ID),
		zap.Int("answers", len(answers)))

	return m.runner.RunTask(ctx, task, v1.RunOptions{
		RunMode:       v1.RunModeLocal,
		ExecutionMode: v1.ExecutionModePlan,
	})
}

// OnRunFinished is called after a task's run ended. For a task in the
// planning phase it loads the plan document the run should have produced.
// The document is kept byte-for-byte; a missing document drops the task back
// to the questions phase with its answers intact so the user can retry.
func (m *Machine) OnRunFinished(ctx context.Context, taskID string) {
	st, err := m.store.Get(ctx, taskID)
	if err != nil {
		m.logger.Error("failed to load state after run",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if st.PlanPhase != v1.PlanPhasePlanning {
		return
	}

	docPath := DocPath(st.RepoPath, taskID)
	content, err := os.ReadFile(docPath)
	if err != nil {
		m.logger.Warn("plan document missing after planning run",
			zap.String("task_id", taskID),
			zap.String("path", docPath),
			zap.Error(err))
		m.emitError(ctx, taskID, "planning run produced no plan document at "+docPath)
		_, _ = m.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
			st.PlanPhase = v1.PlanPhaseQuestions
		})
		return
	}

	if _, err := m.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.PlanContent = string(content)
		st.PlanPhase = v1.PlanPhaseReview
	}); err != nil {
		m.logger.Error("failed to store plan document",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	m.logger.Info("entered review phase",
		zap.String("task_id", taskID),
		zap.Int("plan_bytes", len(content)))
}

// SavePlan writes edited plan content back to the plan document and mirrors
// it into the state record. The file receives the content verbatim.
func (m *Machine) SavePlan(ctx context.Context, taskID, content string) error {
	st, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if st.RepoPath == "" {
		return fmt.Errorf("task %s has no repository path", taskID)
	}

	docPath := DocPath(st.RepoPath, taskID)
	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}
	if err := os.WriteFile(docPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write plan document: %w", err)
	}

	_, err = m.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.PlanContent = content
	})
	return err
}

// SelectArtifact records which artifact the review surface is showing.
func (m *Machine) SelectArtifact(ctx context.Context, taskID, artifactID string) error {
	_, err := m.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.SelectedArtifact = artifactID
	})
	return err
}

// ClosePlanView returns the task to the idle phase and clears the artifact
// selection. Stored questions, answers and plan content are kept so
// reopening the view loses nothing.
func (m *Machine) ClosePlanView(ctx context.Context, taskID string) error {
	_, err := m.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.PlanPhase = v1.PlanPhaseIdle
		st.SelectedArtifact = ""
	})
	return err
}

// emitError appends an error event to the task log and pushes it on the
// task's log subject so attached clients see it immediately.
func (m *Machine) emitError(ctx context.Context, taskID, message string) {
	ev := agentevent.NewError(taskID, "", message, "")
	if _, err := m.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.AppendLog(ev)
	}); err != nil {
		m.logger.Error("failed to append error event",
			zap.String("task_id", taskID), zap.Error(err))
	}
	subject := events.BuildTaskLogSubject(taskID)
	if err := m.eventBus.Publish(ctx, subject,
		bus.NewEvent(string(agentevent.TypeError), "plan-machine", ev)); err != nil {
		m.logger.Warn("failed to publish error event",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func validateAnswers(questions []agentevent.Question, answers []agentevent.Answer) error {
	if len(questions) == 0 {
		return fmt.Errorf("no questions to answer")
	}
	if len(answers) != len(questions) {
		return fmt.Errorf("expected %d answers, got %d", len(questions), len(answers))
	}

	answered := make(map[string]agentevent.Answer, len(answers))
	for _, a := range answers {
		answered[a.QuestionID] = a
	}
	for _, q := range questions {
		a, ok := answered[q.ID]
		if !ok {
			return fmt.Errorf("question %s is unanswered", q.ID)
		}
		if a.SelectedOption == "" && a.CustomInput == "" {
			return fmt.Errorf("question %s has an empty answer", q.ID)
		}
	}
	return nil
}

func writeAnswers(repoPath, taskID string, answers []agentevent.Answer) error {
	path := AnswersPath(repoPath, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}
	raw, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write answers: %w", err)
	}
	return nil
}
