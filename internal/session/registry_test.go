package session

import (
	"context"
	"errors"
	"testing"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	s := NewSession("task-1", "run-1", "agent.event.run-1", nil)
	r.Register(s)

	got, ok := r.Get("task-1")
	if !ok {
		t.Fatal("expected session to be registered")
	}
	if got.RunID != "run-1" || got.Subject != "agent.event.run-1" {
		t.Errorf("unexpected session: %+v", got)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistry_CancelUnknownTask(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	if r.Cancel(context.Background(), "nope") {
		t.Error("cancel of unknown task must return false")
	}
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	var boundaryCancels, teardowns int
	s := NewSession("task-1", "run-1", "agent.event.run-1", func(ctx context.Context) error {
		boundaryCancels++
		return nil
	})
	s.AddTeardown(func() { teardowns++ })
	r.Register(s)

	if !r.Cancel(context.Background(), "task-1") {
		t.Fatal("expected cancel to find the session")
	}
	if boundaryCancels != 1 {
		t.Errorf("expected 1 boundary cancel, got %d", boundaryCancels)
	}
	if teardowns != 1 {
		t.Errorf("expected 1 teardown, got %d", teardowns)
	}
	if _, ok := r.Get("task-1"); ok {
		t.Error("expected session to be removed after cancel")
	}

	// Second cancel finds nothing
	if r.Cancel(context.Background(), "task-1") {
		t.Error("expected second cancel to return false")
	}
}

func TestRegistry_CancelIgnoresBoundaryError(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	var teardowns int
	s := NewSession("task-1", "run-1", "agent.event.run-1", func(ctx context.Context) error {
		return errors.New("host unreachable")
	})
	s.AddTeardown(func() { teardowns++ })
	r.Register(s)

	if !r.Cancel(context.Background(), "task-1") {
		t.Fatal("expected cancel to succeed despite boundary error")
	}
	if teardowns != 1 {
		t.Errorf("expected teardown to run, got %d", teardowns)
	}
}

func TestRegistry_Complete(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	var boundaryCancels, teardowns int
	s := NewSession("task-1", "run-1", "agent.event.run-1", func(ctx context.Context) error {
		boundaryCancels++
		return nil
	})
	s.AddTeardown(func() { teardowns++ })
	r.Register(s)

	r.Complete("task-1")

	if boundaryCancels != 0 {
		t.Errorf("complete must not cancel at the boundary, got %d calls", boundaryCancels)
	}
	if teardowns != 1 {
		t.Errorf("expected 1 teardown, got %d", teardowns)
	}
	if _, ok := r.Get("task-1"); ok {
		t.Error("expected session to be removed after complete")
	}

	// Cancel after complete converges on the same empty state
	if r.Cancel(context.Background(), "task-1") {
		t.Error("expected cancel after complete to return false")
	}
}

func TestSession_TeardownRunsOnce(t *testing.T) {
	var teardowns int
	s := NewSession("task-1", "run-1", "agent.event.run-1", nil)
	s.AddTeardown(func() { teardowns++ })

	s.Teardown()
	s.Teardown()

	if teardowns != 1 {
		t.Errorf("expected teardown to run exactly once, got %d", teardowns)
	}
}

func TestSession_TeardownReverseOrder(t *testing.T) {
	var order []string
	s := NewSession("task-1", "run-1", "agent.event.run-1", nil)
	s.AddTeardown(func() { order = append(order, "first") })
	s.AddTeardown(func() { order = append(order, "second") })

	s.Teardown()

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("expected reverse registration order, got %v", order)
	}
}

func TestSession_AddTeardownAfterEndRunsImmediately(t *testing.T) {
	r := NewRegistry(newTestLogger(t))
	s := NewSession("task-1", "run-1", "agent.event.run-1", nil)
	r.Register(s)

	// A run can end between registration and the launcher attaching its
	// teardown hooks; the late hook must still release its resource.
	r.Complete("task-1")

	var released bool
	s.AddTeardown(func() { released = true })

	if !released {
		t.Error("expected hook added after session end to run immediately")
	}
	if _, live := r.Get("task-1"); live {
		t.Error("expected no live session after completion")
	}
}

func TestRegistry_RegisterReplacesSession(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	var oldTeardowns int
	old := NewSession("task-1", "run-1", "agent.event.run-1", nil)
	old.AddTeardown(func() { oldTeardowns++ })
	r.Register(old)

	replacement := NewSession("task-1", "run-2", "agent.event.run-2", nil)
	r.Register(replacement)

	if oldTeardowns != 1 {
		t.Errorf("expected replaced session to be torn down, got %d", oldTeardowns)
	}
	got, ok := r.Get("task-1")
	if !ok || got.RunID != "run-2" {
		t.Errorf("expected replacement session, got %+v", got)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(newTestLogger(t))

	var teardowns int
	for _, id := range []string{"a", "b", "c"} {
		s := NewSession(id, "run-"+id, "agent.event.run-"+id, nil)
		s.AddTeardown(func() { teardowns++ })
		r.Register(s)
	}

	r.Close()

	if teardowns != 3 {
		t.Errorf("expected 3 teardowns, got %d", teardowns)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}
