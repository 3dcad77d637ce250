package executor

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-cmd/cmd"
)

// LineCallback receives one output line at a time during a streaming
// execution. stream is "stdout" or "stderr".
type LineCallback func(stream, line string)

// RunStreaming executes a command like RunAs but delivers output line by
// line as it is produced. It exists for long-running git operations where
// progress is worth surfacing while the command runs; the full (capped)
// output is still returned in the Result.
func (r *SudoRunner) RunStreaming(ctx context.Context, spec Spec, callback LineCallback) (Result, error) {
	argv, err := buildArgv(spec)
	if err != nil {
		return Result{}, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultCloneTimeout
	}

	c := cmd.NewCmdOptions(cmd.Options{
		Buffered:  false,
		Streaming: true,
	}, argv[0], argv[1:]...)
	if spec.User == "" && len(spec.Env) > 0 {
		c.Env = append(os.Environ(), flattenEnv(spec.Env)...)
	}

	statusChan := c.Start()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdoutBuf, stderrBuf strings.Builder
	var stdoutBytes, stderrBytes int
	done := make(chan struct{})

	appendLine := func(buf *strings.Builder, n *int, stream, line string) {
		*n += len(line) + 1
		if *n <= maxOutputBytes {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		if callback != nil {
			callback(stream, line)
		}
	}

	go func() {
		defer close(done)
		stdoutCh, stderrCh := c.Stdout, c.Stderr
		for stdoutCh != nil || stderrCh != nil {
			select {
			case line, ok := <-stdoutCh:
				if !ok {
					stdoutCh = nil
					continue
				}
				appendLine(&stdoutBuf, &stdoutBytes, "stdout", line)
			case line, ok := <-stderrCh:
				if !ok {
					stderrCh = nil
					continue
				}
				appendLine(&stderrBuf, &stderrBytes, "stderr", line)
			}
		}
	}()

	timedOut := false
	canceled := false
	var status cmd.Status
	select {
	case status = <-statusChan:
	case <-timer.C:
		timedOut = true
		c.Stop()
		status = <-statusChan
	case <-ctx.Done():
		// An expired parent deadline is a timeout; anything else is an
		// operator cancel and must not be reported as one.
		if ctx.Err() == context.DeadlineExceeded {
			timedOut = true
		} else {
			canceled = true
		}
		c.Stop()
		status = <-statusChan
	}
	<-done

	result := Result{
		ExitCode: status.Exit,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}
	if stdoutBytes > maxOutputBytes {
		result.Stdout += "\n[output truncated]"
	}
	if stderrBytes > maxOutputBytes {
		result.Stderr += "\n[output truncated]"
	}

	if timedOut {
		return result, &TimeoutError{User: spec.User, Command: spec.Argv[0], Timeout: timeout}
	}
	if canceled {
		return result, ctx.Err()
	}
	if status.Error != nil {
		return result, &ExitError{User: spec.User, Command: spec.Argv[0], ExitCode: status.Exit, Stderr: result.Stderr}
	}
	if spec.RequireSuccess && status.Exit != 0 {
		return result, &ExitError{User: spec.User, Command: spec.Argv[0], ExitCode: status.Exit, Stderr: result.Stderr}
	}
	return result, nil
}
