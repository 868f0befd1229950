package session

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"hooktun/internal/model"
	"hooktun/internal/security"
)

// Injector is the external primitive that loads the hook script into a
// target window and tells it which port to dial back to.
type Injector interface {
	InjectHook(ctx context.Context, handle model.WindowHandle, port int) error
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// ExecInjector shells out to the configured inject command, invoked as
// "cmd args... <window-handle> <port>". Any failure is InjectionDenied:
// there is no internal retry that can fix a missing automation permission.
type ExecInjector struct {
	command []string
	timeout time.Duration
	runner  Runner
}

func NewExecInjector(command []string, timeout time.Duration) *ExecInjector {
	return &ExecInjector{
		command: command,
		timeout: timeout,
		runner:  OSRunner{},
	}
}

func NewExecInjectorWithRunner(command []string, timeout time.Duration, runner Runner) *ExecInjector {
	i := NewExecInjector(command, timeout)
	i.runner = runner
	return i
}

func (i *ExecInjector) InjectHook(ctx context.Context, handle model.WindowHandle, port int) error {
	if len(i.command) == 0 {
		return fmt.Errorf("inject command not configured: %w", model.ErrInjectionDenied)
	}
	runCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	args := append(append([]string{}, i.command[1:]...), string(handle), strconv.Itoa(port))
	out, err := i.runner.Run(runCtx, i.command[0], args...)
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		// Tool output can echo page content; scrub it before it reaches
		// logs and the stored session error.
		return fmt.Errorf("inject hook for %s: %s: %w", handle, security.Redact(detail), model.ErrInjectionDenied)
	}
	return nil
}
