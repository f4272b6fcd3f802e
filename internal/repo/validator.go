// Package repo validates that a filesystem path is a usable git working
// directory before any run is started against it.
package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/agentevent"
	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Prompter is the blocking user-interaction collaborator. The desktop shell
// supplies an interactive implementation; headless deployments use
// NoPrompter.
type Prompter interface {
	// SelectDirectory asks the user to pick a working directory.
	// ok is false when the user cancels.
	SelectDirectory(ctx context.Context) (path string, ok bool)

	// RequestAccess asks the user to grant write access to path.
	// Returns true when the user chose "grant access".
	RequestAccess(ctx context.Context, path string) bool
}

// NoPrompter declines every prompt. Used when no UI is attached.
type NoPrompter struct{}

func (NoPrompter) SelectDirectory(ctx context.Context) (string, bool) { return "", false }
func (NoPrompter) RequestAccess(ctx context.Context, path string) bool {
	return false
}

// EmitFunc receives the error events the validator produces.
type EmitFunc func(ev agentevent.Event)

// Validator checks repository preconditions for local runs.
type Validator struct {
	prompter Prompter
	logger   *logger.Logger
}

// NewValidator creates a validator. A nil prompter declines all prompts.
func NewValidator(prompter Prompter, log *logger.Logger) *Validator {
	if prompter == nil {
		prompter = NoPrompter{}
	}
	return &Validator{
		prompter: prompter,
		logger:   log.WithFields(zap.String("component", "repo-validator")),
	}
}

// Validate confirms path is a git working directory with write access.
// Checks are short-circuited in order; failures emit an error event for the
// task and the write-access failure additionally offers the user a blocking
// grant/cancel choice. Returns the path that validated (it may differ from
// the input when the user re-selected a directory) and whether to proceed.
func (v *Validator) Validate(ctx context.Context, taskID, path string, emit EmitFunc) (string, bool) {
	if !v.isGitWorkTree(ctx, path) {
		v.logger.Warn("path is not a git working directory", zap.String("path", path))
		emit(agentevent.NewError(taskID, "",
			"selected directory is not a git repository: "+path, ""))
		return path, false
	}

	if v.isWritable(path) {
		return path, true
	}

	v.logger.Warn("no write access to working directory", zap.String("path", path))
	emit(agentevent.NewError(taskID, "",
		"no write access to working directory: "+path, ""))

	if !v.prompter.RequestAccess(ctx, path) {
		return path, false
	}

	// "grant access" re-runs directory selection and validation.
	selected, ok := v.prompter.SelectDirectory(ctx)
	if !ok {
		return path, false
	}
	return v.Validate(ctx, taskID, selected, emit)
}

// isGitWorkTree reports whether the local git tooling recognizes path as a
// working directory.
func (v *Validator) isGitWorkTree(ctx context.Context, path string) bool {
	if path == "" {
		return false
	}
	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// isWritable reports whether the current process can create files in path.
func (v *Validator) isWritable(path string) bool {
	probe := filepath.Join(path, ".taskdeck-write-probe-"+uuid.New().String()[:8])
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
