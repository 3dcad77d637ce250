// Package executor runs commands as other Linux users through sudo.
//
// It is the single process boundary the rest of the agent crosses for
// privileged work: every filesystem mutation and git operation in a user
// workspace goes through a Runner. Runner is an interface so tests can
// substitute a fake instead of exec'ing sudo.
package executor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"time"
)

// maxOutputBytes caps captured output per stream.
const maxOutputBytes = 1 << 20 // 1 MiB

// Default timeouts by operation class. Callers override per Spec.
const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultMutateTimeout = 30 * time.Second
	DefaultCloneTimeout  = 300 * time.Second
)

// Result holds the captured outcome of a command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Spec describes a single command execution.
//
// User is the target Linux account; the command is wrapped in
// `sudo -n -u <user>`. An empty User runs the command directly as the
// agent's own account (used for ssh-agent, which must belong to the
// server process).
type Spec struct {
	User    string
	Argv    []string
	Timeout time.Duration
	// Env is injected through `env K=V ...` inside the sudo invocation,
	// since sudo resets the environment.
	Env   map[string]string
	Stdin io.Reader
	// RequireSuccess turns a non-zero exit into an *ExitError. When false
	// the Result is returned for caller-side branching.
	RequireSuccess bool
}

// Runner executes commands across the privilege boundary.
type Runner interface {
	RunAs(ctx context.Context, spec Spec) (Result, error)
}

// SudoRunner is the production Runner. It spawns exactly one child process
// per call and never retries; retries belong to the caller.
type SudoRunner struct {
	logger *slog.Logger
}

// NewSudoRunner returns a Runner backed by sudo. sudo is always invoked
// with -n: a password prompt means the sudoers grant is missing, which is
// a fatal misconfiguration rather than something to wait on.
func NewSudoRunner(logger *slog.Logger) *SudoRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SudoRunner{logger: logger}
}

// limitWriter wraps a bytes.Buffer and stops writing after limit bytes.
// It silently discards excess data to avoid failing the underlying command.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
	n     int
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.n
	lw.n += len(p)
	if remaining <= 0 {
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	_, err := lw.buf.Write(toWrite)
	return len(p), err // report full write to avoid cmd failure
}

func (lw *limitWriter) String() string {
	s := lw.buf.String()
	if lw.n > lw.limit {
		s += "\n[output truncated]"
	}
	return s
}

// buildArgv assembles the full command line for a Spec. For a non-empty
// User the command is resolved to an absolute path first, since sudoers
// rules match on full paths.
func buildArgv(spec Spec) ([]string, error) {
	if len(spec.Argv) == 0 {
		return nil, &NotFoundError{Command: ""}
	}
	command := spec.Argv[0]
	if spec.User == "" {
		return spec.Argv, nil
	}
	absPath, err := exec.LookPath(command)
	if err != nil {
		return nil, &NotFoundError{Command: command}
	}
	argv := []string{"sudo", "-n", "-u", spec.User}
	if len(spec.Env) > 0 {
		argv = append(argv, "env")
		argv = append(argv, flattenEnv(spec.Env)...)
	}
	argv = append(argv, absPath)
	argv = append(argv, spec.Argv[1:]...)
	return argv, nil
}

// RunAs executes the command described by spec and blocks until it exits
// or the timeout kills it.
func (r *SudoRunner) RunAs(ctx context.Context, spec Spec) (Result, error) {
	argv, err := buildArgv(spec)
	if err != nil {
		return Result{}, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultMutateTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cctx, argv[0], argv[1:]...)
	if spec.User == "" && len(spec.Env) > 0 {
		c.Env = append(c.Environ(), flattenEnv(spec.Env)...)
	}
	if spec.Stdin != nil {
		c.Stdin = spec.Stdin
	}

	stdout := &limitWriter{buf: &bytes.Buffer{}, limit: maxOutputBytes}
	stderr := &limitWriter{buf: &bytes.Buffer{}, limit: maxOutputBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	runErr := c.Run()

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
	}

	if cctx.Err() == context.DeadlineExceeded {
		return result, &TimeoutError{User: spec.User, Command: spec.Argv[0], Timeout: timeout}
	}
	// A cancel from the parent context is the caller's own signal, not a
	// timeout, and not a command failure either.
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			if execErr, ok := runErr.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
				return result, &NotFoundError{Command: spec.Argv[0]}
			}
			return result, &ExitError{User: spec.User, Command: spec.Argv[0], ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
	}
	if spec.RequireSuccess && !result.Success() {
		return result, &ExitError{User: spec.User, Command: spec.Argv[0], ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	r.logger.Debug("command finished",
		"user", spec.User,
		"command", spec.Argv[0],
		"exit_code", result.ExitCode,
	)
	return result, nil
}

// flattenEnv converts an env map to KEY=VALUE form in deterministic order.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
