// Package session tracks live local run sessions per task.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Session is the supervision handle for one live local run. Teardown hooks
// (poller stop, event unsubscribe) run exactly once regardless of whether the
// session ends by cancellation or by its terminal event.
type Session struct {
	TaskID    string
	RunID     string
	Subject   string
	StartedAt time.Time

	cancelRun func(ctx context.Context) error

	mu       sync.Mutex
	teardown []func()
	ended    bool
	once     sync.Once
}

// NewSession creates a session handle. cancelRun is invoked on explicit
// cancellation to stop the run at the execution boundary; it may be nil.
func NewSession(taskID, runID, subject string, cancelRun func(ctx context.Context) error) *Session {
	return &Session{
		TaskID:    taskID,
		RunID:     runID,
		Subject:   subject,
		StartedAt: time.Now().UTC(),
		cancelRun: cancelRun,
	}
}

// AddTeardown registers a hook to run when the session ends. A hook added
// after the session already ended runs immediately: sessions are registered
// before their resources are attached, so a terminal event racing the
// attachment must still release everything.
func (s *Session) AddTeardown(fn func()) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		fn()
		return
	}
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

// Teardown runs the registered hooks in reverse registration order.
// Safe to call more than once; only the first call runs the hooks.
func (s *Session) Teardown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.ended = true
		hooks := s.teardown
		s.teardown = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
	})
}

// Registry is the table of live sessions, one per task at most.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *logger.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   log.WithFields(zap.String("component", "session-registry")),
	}
}

// Register installs the session for its task. A session already registered
// for the task is torn down first so its resources never leak.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	prev := r.sessions[s.TaskID]
	r.sessions[s.TaskID] = s
	r.mu.Unlock()

	if prev != nil {
		r.logger.Warn("replacing live session",
			zap.String("task_id", s.TaskID),
			zap.String("previous_run_id", prev.RunID))
		prev.Teardown()
	}

	r.logger.Info("session registered",
		zap.String("task_id", s.TaskID),
		zap.String("run_id", s.RunID))
}

// Get returns the live session for a task.
func (r *Registry) Get(taskID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[taskID]
	return s, ok
}

// Cancel stops the task's live session: it cancels the run at the execution
// boundary, runs the session teardown, and removes the entry. Returns false
// when no session exists, without touching anything. By the time Cancel
// returns the registry no longer knows the task.
func (r *Registry) Cancel(ctx context.Context, taskID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[taskID]
	if ok {
		delete(r.sessions, taskID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if s.cancelRun != nil {
		if err := s.cancelRun(ctx); err != nil {
			r.logger.Warn("boundary cancel failed",
				zap.String("task_id", taskID),
				zap.String("run_id", s.RunID),
				zap.Error(err))
		}
	}
	s.Teardown()

	r.logger.Info("session canceled",
		zap.String("task_id", taskID),
		zap.String("run_id", s.RunID))
	return true
}

// Complete removes the task's session after its run ended on its own.
// No boundary cancel is issued; the run is already over. Converges with
// Cancel on the same empty state, so a cancel racing a terminal event is
// harmless.
func (r *Registry) Complete(taskID string) {
	r.mu.Lock()
	s, ok := r.sessions[taskID]
	if ok {
		delete(r.sessions, taskID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Teardown()

	r.logger.Info("session completed",
		zap.String("task_id", taskID),
		zap.String("run_id", s.RunID))
}

// Close tears down every live session. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Teardown()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
