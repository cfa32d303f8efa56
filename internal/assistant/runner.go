package assistant

import (
	"context"
	"io"
	"os/exec"
	"syscall"

	apperrors "github.com/taskloop/taskloop/internal/common/errors"
)

// Invocation describes one assistant subprocess launch. A non-empty
// SessionID resumes an existing conversation; image paths are only
// accepted on fresh invocations.
type Invocation struct {
	Prompt     string
	SessionID  string
	ImagePaths []string
	WorkDir    string
}

// Args builds the assistant's command-line arguments.
func (inv Invocation) Args() []string {
	var args []string
	if inv.SessionID != "" {
		args = append(args, "-r", inv.SessionID)
	}
	args = append(args, "-p", inv.Prompt, "--output-format", "stream-json")
	if inv.SessionID == "" {
		args = append(args, "--verbose")
		for _, img := range inv.ImagePaths {
			args = append(args, "--image", img)
		}
	}
	return args
}

// Process is a handle to a running assistant subprocess.
type Process interface {
	// PID returns the operating-system process id.
	PID() int
	// Stdout is the NDJSON stream.
	Stdout() io.Reader
	// Interrupt signals the process group to stop gracefully.
	Interrupt() error
	// Kill force-terminates the process group.
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
}

// Runner spawns assistant subprocesses. Swappable in tests.
type Runner interface {
	Start(ctx context.Context, inv Invocation) (Process, error)
}

// ExecRunner launches the configured assistant command in its own
// process group so interrupts reach child processes too.
type ExecRunner struct {
	Command string
}

// NewExecRunner creates a runner for the given assistant command.
func NewExecRunner(command string) *ExecRunner {
	if command == "" {
		command = "assistant"
	}
	return &ExecRunner{Command: command}
}

// Start spawns the assistant. The context is intentionally not wired to
// exec.CommandContext: cancellation is handled by the caller through
// Interrupt/Kill so the 2 second drain window can run after cancel.
func (r *ExecRunner) Start(ctx context.Context, inv Invocation) (Process, error) {
	cmd := exec.Command(r.Command, inv.Args()...)
	cmd.Dir = inv.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.SpawnFailed(r.Command, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperrors.SpawnFailed(r.Command, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Interrupt() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGINT)
}

func (p *execProcess) Kill() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
