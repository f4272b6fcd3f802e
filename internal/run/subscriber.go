package run

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/plan"
	"github.com/taskdeck/taskdeck/internal/session"
	"github.com/taskdeck/taskdeck/internal/state"
)

// Subscriber attaches to a run's event subject and folds each event into
// the task's execution state. One subscription exists per task at a time.
type Subscriber struct {
	eventBus bus.EventBus
	store    state.Store
	registry *session.Registry
	plan     *plan.Machine
	logger   *logger.Logger
}

// NewSubscriber creates a run event subscriber.
func NewSubscriber(eventBus bus.EventBus, store state.Store, registry *session.Registry, planMachine *plan.Machine, log *logger.Logger) *Subscriber {
	return &Subscriber{
		eventBus: eventBus,
		store:    store,
		registry: registry,
		plan:     planMachine,
		logger:   log.WithFields(zap.String("component", "run-subscriber")),
	}
}

// Subscribe attaches to the run's subject and returns the teardown that
// detaches again. Events arriving after teardown are dropped by the bus.
func (s *Subscriber) Subscribe(taskID, runID, subject string) (func(), error) {
	log := s.logger.WithFields(
		zap.String("task_id", taskID),
		zap.String("run_id", runID))

	sub, err := s.eventBus.Subscribe(subject, func(ctx context.Context, busEv *bus.Event) error {
		ev, err := agentevent.Decode(busEv.Data)
		if err != nil {
			log.Warn("dropping undecodable run event", zap.Error(err))
			return nil
		}
		if ev.TaskID == "" {
			ev.TaskID = taskID
		}
		if ev.RunID == "" {
			ev.RunID = runID
		}
		s.dispatch(ctx, taskID, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug("subscribed to run events", zap.String("subject", subject))
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn("failed to unsubscribe from run events", zap.Error(err))
		}
	}, nil
}

// dispatch folds one event into the task's state. Events are appended to the
// log in arrival order; progress snapshots additionally dedupe by signature,
// and terminal events end the session.
func (s *Subscriber) dispatch(ctx context.Context, taskID string, ev *agentevent.Event) {
	switch ev.Type {
	case agentevent.TypeProgress:
		s.applyProgress(ctx, taskID, ev)

	case agentevent.TypeError:
		s.mutate(ctx, taskID, func(st *state.ExecutionState) {
			st.AppendLog(*ev)
			st.IsRunning = false
		})

	case agentevent.TypeDone:
		s.mutate(ctx, taskID, func(st *state.ExecutionState) {
			st.AppendLog(*ev)
			st.IsRunning = false
			st.CurrentRunID = ""
		})
		// Self-cleanup converges with an explicit cancel on the same
		// empty registry state.
		s.registry.Complete(taskID)
		s.plan.OnRunFinished(ctx, taskID)

	case agentevent.TypeArtifact:
		s.mutate(ctx, taskID, func(st *state.ExecutionState) {
			st.AppendLog(*ev)
		})
		s.plan.Observe(ctx, ev)

	default:
		s.mutate(ctx, taskID, func(st *state.ExecutionState) {
			st.AppendLog(*ev)
		})
	}
}

// applyProgress always overwrites the stored snapshot but appends a log
// entry only when the snapshot's signature changed, so a quiet remote run
// does not flood the log with identical lines.
func (s *Subscriber) applyProgress(ctx context.Context, taskID string, ev *agentevent.Event) {
	if ev.Progress == nil {
		return
	}
	signature := ev.Progress.Signature()
	s.mutate(ctx, taskID, func(st *state.ExecutionState) {
		snapshot := *ev.Progress
		st.Progress = &snapshot
		if st.ProgressSignature != signature {
			st.ProgressSignature = signature
			st.AppendLog(*ev)
		}
	})
}

func (s *Subscriber) mutate(ctx context.Context, taskID string, fn func(*state.ExecutionState)) {
	if _, err := s.store.Mutate(ctx, taskID, fn); err != nil {
		s.logger.Error("failed to apply run event",
			zap.String("task_id", taskID), zap.Error(err))
	}
}
