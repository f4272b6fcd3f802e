package repo

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
)

type scriptedPrompter struct {
	selectPath   string
	selectOK     bool
	grantAccess  bool
	selectCalls  int
	requestCalls int
}

func (p *scriptedPrompter) SelectDirectory(ctx context.Context) (string, bool) {
	p.selectCalls++
	return p.selectPath, p.selectOK
}

func (p *scriptedPrompter) RequestAccess(ctx context.Context, path string) bool {
	p.requestCalls++
	return p.grantAccess
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func gitInit(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	cmd := exec.Command("git", "init", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init failed: %v\n%s", err, out)
	}
}

func collectEvents(events *[]agentevent.Event) EmitFunc {
	return func(ev agentevent.Event) {
		*events = append(*events, ev)
	}
}

func TestValidate_GitRepo(t *testing.T) {
	dir := t.TempDir()
	gitInit(t, dir)

	v := NewValidator(NoPrompter{}, newTestLogger(t))

	var events []agentevent.Event
	path, ok := v.Validate(context.Background(), "task-1", dir, collectEvents(&events))
	if !ok {
		t.Fatalf("expected validation to pass, events: %+v", events)
	}
	if path != dir {
		t.Errorf("expected path %q, got %q", dir, path)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestValidate_NotAGitRepo(t *testing.T) {
	dir := t.TempDir()

	v := NewValidator(NoPrompter{}, newTestLogger(t))

	var events []agentevent.Event
	_, ok := v.Validate(context.Background(), "task-1", dir, collectEvents(&events))
	if ok {
		t.Fatal("expected validation to fail for a plain directory")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}
	if events[0].Type != agentevent.TypeError {
		t.Errorf("expected error event, got %s", events[0].Type)
	}
	if events[0].TaskID != "task-1" {
		t.Errorf("expected event tagged with task id, got %q", events[0].TaskID)
	}
}

func TestValidate_EmptyPath(t *testing.T) {
	v := NewValidator(NoPrompter{}, newTestLogger(t))

	var events []agentevent.Event
	_, ok := v.Validate(context.Background(), "task-1", "", collectEvents(&events))
	if ok {
		t.Fatal("expected validation to fail for an empty path")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}
}

func TestValidate_NoWriteAccess_Declined(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, cannot create an unwritable directory")
	}
	dir := t.TempDir()
	gitInit(t, dir)
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	prompter := &scriptedPrompter{grantAccess: false}
	v := NewValidator(prompter, newTestLogger(t))

	var events []agentevent.Event
	_, ok := v.Validate(context.Background(), "task-1", dir, collectEvents(&events))
	if ok {
		t.Fatal("expected validation to fail when access is declined")
	}
	if prompter.requestCalls != 1 {
		t.Errorf("expected access prompt, got %d calls", prompter.requestCalls)
	}
	if prompter.selectCalls != 0 {
		t.Errorf("declined access must not trigger directory selection, got %d calls", prompter.selectCalls)
	}
	if len(events) != 1 || events[0].Type != agentevent.TypeError {
		t.Errorf("expected a single error event, got %+v", events)
	}
}

func TestValidate_NoWriteAccess_Reselect(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, cannot create an unwritable directory")
	}
	locked := t.TempDir()
	gitInit(t, locked)
	if err := os.Chmod(locked, 0o555); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	replacement := t.TempDir()
	gitInit(t, replacement)

	prompter := &scriptedPrompter{grantAccess: true, selectPath: replacement, selectOK: true}
	v := NewValidator(prompter, newTestLogger(t))

	var events []agentevent.Event
	path, ok := v.Validate(context.Background(), "task-1", locked, collectEvents(&events))
	if !ok {
		t.Fatalf("expected validation to pass after re-selection, events: %+v", events)
	}
	if path != replacement {
		t.Errorf("expected re-selected path %q, got %q", replacement, path)
	}
	if prompter.selectCalls != 1 {
		t.Errorf("expected 1 directory selection, got %d", prompter.selectCalls)
	}
}
