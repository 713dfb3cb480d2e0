package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecChecker verifies a deployment by running a command on the host,
// e.g. ["nginx", "-t"] after dropping a new certificate in place.
type ExecChecker struct {
	// Command is the command and its arguments
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string, timeout time.Duration) *ExecChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecChecker{
		Command: command,
		Timeout: timeout,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("command timed out after %v", e.Timeout),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("command failed: %v: %s", err, truncate(output.String(), 200)),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "command succeeded",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
