// Package run launches, supervises and ends task runs.
package run

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agent/credentials"
	"github.com/taskdeck/taskdeck/internal/agentevent"
	apperrors "github.com/taskdeck/taskdeck/internal/common/errors"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/progress"
	"github.com/taskdeck/taskdeck/internal/repo"
	"github.com/taskdeck/taskdeck/internal/session"
	"github.com/taskdeck/taskdeck/internal/state"
	v1 "github.com/taskdeck/taskdeck/pkg/api/v1"
)

// CloudTrigger starts a run on the remote executor. Implemented by the
// cloud client.
type CloudTrigger interface {
	TriggerRun(ctx context.Context, taskID, workflowID string) error
}

// RepoValidator checks repository preconditions for local runs.
// Implemented by repo.Validator.
type RepoValidator interface {
	Validate(ctx context.Context, taskID, path string, emit repo.EmitFunc) (string, bool)
}

// Launcher is the single entry point for starting and stopping task runs.
type Launcher struct {
	host       Host
	cloud      CloudTrigger
	store      state.Store
	eventBus   bus.EventBus
	registry   *session.Registry
	validator  RepoValidator
	subscriber *Subscriber
	poller     *progress.Poller
	creds      credentials.Provider

	permissionMode string
	logger         *logger.Logger
}

// LauncherConfig carries the launcher's collaborators.
type LauncherConfig struct {
	Host           Host
	Cloud          CloudTrigger
	Store          state.Store
	EventBus       bus.EventBus
	Registry       *session.Registry
	Validator      RepoValidator
	Subscriber     *Subscriber
	Poller         *progress.Poller
	Credentials    credentials.Provider
	PermissionMode string
}

// NewLauncher creates a launcher.
func NewLauncher(cfg LauncherConfig, log *logger.Logger) *Launcher {
	return &Launcher{
		host:           cfg.Host,
		cloud:          cfg.Cloud,
		store:          cfg.Store,
		eventBus:       cfg.EventBus,
		registry:       cfg.Registry,
		validator:      cfg.Validator,
		subscriber:     cfg.Subscriber,
		poller:         cfg.Poller,
		creds:          cfg.Credentials,
		permissionMode: cfg.PermissionMode,
		logger:         log.WithFields(zap.String("component", "run-launcher")),
	}
}

// RunTask starts a run for the task. A task with a live session is left
// alone; callers cannot stack runs. Cloud runs are fire-and-forget triggers;
// local runs go through repository validation, the execution boundary and
// session registration.
func (l *Launcher) RunTask(ctx context.Context, task *v1.Task, opts v1.RunOptions) error {
	opts.Normalize(task)

	if _, live := l.registry.Get(task.ID); live {
		l.logger.Info("task already running, ignoring run request",
			zap.String("task_id", task.ID))
		return nil
	}

	creds, err := l.creds.Resolve(ctx)
	if err != nil {
		l.emitPreRunError(ctx, task.ID, "missing credentials: "+err.Error())
		return apperrors.Precondition("credentials are not configured")
	}

	if opts.RunMode == v1.RunModeCloud {
		return l.runCloud(ctx, task, opts)
	}
	return l.runLocal(ctx, task, opts, creds)
}

// runCloud issues the remote trigger. No session exists afterwards; the
// remote system owns the run and the poller-less progress endpoint reflects
// it on demand.
func (l *Launcher) runCloud(ctx context.Context, task *v1.Task, opts v1.RunOptions) error {
	if err := l.cloud.TriggerRun(ctx, task.ID, task.WorkflowID); err != nil {
		l.emitPreRunError(ctx, task.ID, "cloud run trigger failed: "+err.Error())
		return apperrors.HostUnavailable(err)
	}

	_, err := l.store.Mutate(ctx, task.ID, func(st *state.ExecutionState) {
		st.RunMode = v1.RunModeCloud
		st.ExecutionMode = opts.ExecutionMode
		st.IsRunning = false
		st.AppendLog(agentevent.NewStatus(task.ID, "", "cloud run triggered"))
	})
	if err != nil {
		return err
	}

	l.logger.Info("cloud run triggered", zap.String("task_id", task.ID))
	return nil
}

func (l *Launcher) runLocal(ctx context.Context, task *v1.Task, opts v1.RunOptions, creds credentials.Credentials) error {
	st, err := l.store.Get(ctx, task.ID)
	if err != nil {
		return err
	}

	repoPath := task.RepoPath
	if repoPath == "" {
		repoPath = st.RepoPath
	}

	emit := func(ev agentevent.Event) { l.emitPreRunEvent(ctx, task.ID, ev) }
	validated, ok := l.validator.Validate(ctx, task.ID, repoPath, emit)
	if !ok {
		return apperrors.Precondition("repository validation failed")
	}

	startStatus := startStatusFor(opts.ExecutionMode, st.PlanPhase)
	if _, err := l.store.Mutate(ctx, task.ID, func(st *state.ExecutionState) {
		st.RepoPath = validated
		st.RunMode = v1.RunModeLocal
		st.ExecutionMode = opts.ExecutionMode
		st.Progress = nil
		st.ProgressSignature = ""
		st.ClearLogs()
		st.AppendLog(agentevent.NewStatus(task.ID, "", startStatus))
		st.AppendLog(agentevent.NewText(task.ID, "", "info", "starting run in "+validated))
	}); err != nil {
		return err
	}

	result, err := l.startAtBoundary(ctx, task, opts, st.PlanPhase, validated, creds)
	if err != nil {
		l.emitPreRunError(ctx, task.ID, "failed to start run: "+err.Error())
		_, _ = l.store.Mutate(ctx, task.ID, func(st *state.ExecutionState) {
			st.IsRunning = false
		})
		return apperrors.HostUnavailable(err)
	}

	if _, err := l.store.Mutate(ctx, task.ID, func(st *state.ExecutionState) {
		st.IsRunning = true
		st.CurrentRunID = result.RunID
	}); err != nil {
		return err
	}

	// Register before attaching the subscription: a terminal event arriving
	// on another goroutine right after Subscribe must find the session, and
	// teardown hooks added after that still run via AddTeardown.
	sess := session.NewSession(task.ID, result.RunID, result.Subject,
		func(ctx context.Context) error { return l.host.Cancel(ctx, result.RunID) })
	l.registry.Register(sess)

	unsubscribe, err := l.subscriber.Subscribe(task.ID, result.RunID, result.Subject)
	if err != nil {
		l.registry.Cancel(ctx, task.ID)
		_, _ = l.store.Mutate(ctx, task.ID, func(st *state.ExecutionState) {
			st.IsRunning = false
			st.CurrentRunID = ""
		})
		l.emitPreRunError(ctx, task.ID, "failed to attach to run events: "+err.Error())
		return apperrors.InternalError("failed to attach to run events", err)
	}
	sess.AddTeardown(unsubscribe)

	if l.poller != nil && opts.AutoProgress {
		sess.AddTeardown(l.poller.Start(task.ID, result.RunID, result.Subject))
	}

	l.logger.Info("local run started",
		zap.String("task_id", task.ID),
		zap.String("run_id", result.RunID),
		zap.String("subject", result.Subject),
		zap.String("execution_mode", string(opts.ExecutionMode)))
	return nil
}

// startAtBoundary routes to the right boundary operation: workflow runs go
// to Start; plan runs go to StartPlanResearch until the task reaches the
// planning phase, after which they go to GeneratePlan.
func (l *Launcher) startAtBoundary(ctx context.Context, task *v1.Task, opts v1.RunOptions, phase v1.PlanPhase, repoPath string, creds credentials.Credentials) (*StartResult, error) {
	permission := opts.PermissionMode
	if permission == "" {
		permission = l.permissionMode
	}

	if opts.ExecutionMode == v1.ExecutionModeWorkflow {
		return l.host.Start(ctx, StartRequest{
			TaskID:         task.ID,
			Title:          task.Title,
			Description:    task.Description,
			WorkflowID:     task.WorkflowID,
			RepoPath:       repoPath,
			PermissionMode: permission,
			Model:          opts.Model,
			CreatePR:       opts.CreatePR,
			Env:            creds.AgentEnv(),
		})
	}

	planReq := PlanRequest{
		TaskID:         task.ID,
		Title:          task.Title,
		Description:    task.Description,
		RepoPath:       repoPath,
		PermissionMode: permission,
		Model:          opts.Model,
		Env:            creds.AgentEnv(),
	}

	if phase == v1.PlanPhasePlanning {
		st, err := l.store.Get(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		planReq.Answers = st.Answers
		return l.host.GeneratePlan(ctx, planReq)
	}
	return l.host.StartPlanResearch(ctx, planReq)
}

// CancelTask stops the task's live run. Returns false when nothing was
// running; no state is touched in that case.
func (l *Launcher) CancelTask(ctx context.Context, taskID string) bool {
	if !l.registry.Cancel(ctx, taskID) {
		return false
	}

	ev := agentevent.NewStatus(taskID, "", agentevent.StatusCanceled)
	if _, err := l.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.IsRunning = false
		st.CurrentRunID = ""
		st.AppendLog(ev)
	}); err != nil {
		l.logger.Error("failed to record cancellation",
			zap.String("task_id", taskID), zap.Error(err))
	}
	l.publishTaskLog(ctx, taskID, ev)

	l.logger.Info("run canceled", zap.String("task_id", taskID))
	return true
}

// emitPreRunError reports a failure that happened before any run existed.
// There is no run channel yet, so the event lands in the task log store and
// on the task's log subject.
func (l *Launcher) emitPreRunError(ctx context.Context, taskID, message string) {
	l.emitPreRunEvent(ctx, taskID, agentevent.NewError(taskID, "", message, ""))
}

func (l *Launcher) emitPreRunEvent(ctx context.Context, taskID string, ev agentevent.Event) {
	if _, err := l.store.Mutate(ctx, taskID, func(st *state.ExecutionState) {
		st.AppendLog(ev)
	}); err != nil {
		l.logger.Error("failed to append task log event",
			zap.String("task_id", taskID), zap.Error(err))
	}
	l.publishTaskLog(ctx, taskID, ev)
}

func (l *Launcher) publishTaskLog(ctx context.Context, taskID string, ev agentevent.Event) {
	subject := events.BuildTaskLogSubject(taskID)
	if err := l.eventBus.Publish(ctx, subject,
		bus.NewEvent(string(ev.Type), "run-launcher", ev)); err != nil {
		l.logger.Warn("failed to publish task log event",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func startStatusFor(mode v1.ExecutionMode, phase v1.PlanPhase) string {
	if mode == v1.ExecutionModeWorkflow {
		return agentevent.StatusWorkflowStart
	}
	if phase == v1.PlanPhasePlanning {
		return agentevent.StatusPlanningStart
	}
	return agentevent.StatusResearchStart
}
