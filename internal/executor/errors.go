package executor

import (
	"fmt"
	"strings"
	"time"
)

// maxStderrInError caps how much stderr is embedded in error strings.
const maxStderrInError = 2048

// TimeoutError reports that a command was killed after its timeout expired.
type TimeoutError struct {
	User    string
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.User == "" {
		return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
	}
	return fmt.Sprintf("command timed out after %s as user %s: %s", e.Timeout, e.User, e.Command)
}

// NotFoundError reports that the command binary could not be resolved.
type NotFoundError struct {
	Command string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("command not found: %s", e.Command)
}

// ExitError reports a non-zero exit from a command that was required to
// succeed. Stderr is truncated so the error stays loggable.
type ExitError struct {
	User     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > maxStderrInError {
		stderr = stderr[:maxStderrInError] + " [truncated]"
	}
	msg := fmt.Sprintf("command failed: %s (exit %d)", e.Command, e.ExitCode)
	if e.User != "" {
		msg = fmt.Sprintf("command failed as user %s: %s (exit %d)", e.User, e.Command, e.ExitCode)
	}
	if stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
