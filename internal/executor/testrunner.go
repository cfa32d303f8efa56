package executor

import (
	"context"
	"os/exec"
	"strings"
)

// TestRunner runs a post-completion verification pass inside the task's
// workspace. It is a thin collaborator: the engine only cares whether
// the pass succeeded.
type TestRunner interface {
	Run(ctx context.Context, workdir string) (passed bool, output string, err error)
}

// CommandTestRunner runs a shell command, treating exit code zero as a
// pass.
type CommandTestRunner struct {
	Command string
}

// Run executes the configured command in workdir.
func (r *CommandTestRunner) Run(ctx context.Context, workdir string) (bool, string, error) {
	parts := strings.Fields(r.Command)
	if len(parts) == 0 {
		return true, "", nil
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, string(out), nil
		}
		return false, string(out), err
	}
	return true, string(out), nil
}
