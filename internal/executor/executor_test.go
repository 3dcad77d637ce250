package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgv_DirectWhenNoUser(t *testing.T) {
	argv, err := buildArgv(Spec{Argv: []string{"echo", "hello"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello"}, argv)
}

func TestBuildArgv_WrapsInSudo(t *testing.T) {
	argv, err := buildArgv(Spec{User: "alice", Argv: []string{"echo", "hello"}})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(argv), 6)
	assert.Equal(t, []string{"sudo", "-n", "-u", "alice"}, argv[:4])
	// sudoers rules match full paths, so the command must be resolved
	assert.True(t, strings.HasPrefix(argv[4], "/"), "command should be absolute, got %q", argv[4])
	assert.True(t, strings.HasSuffix(argv[4], "/echo"))
	assert.Equal(t, "hello", argv[5])
}

func TestBuildArgv_InjectsEnvSorted(t *testing.T) {
	argv, err := buildArgv(Spec{
		User: "alice",
		Argv: []string{"echo"},
		Env:  map[string]string{"ZVAR": "z", "AVAR": "a"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"sudo", "-n", "-u", "alice", "env", "AVAR=a", "ZVAR=z"}, argv[:7])
}

func TestBuildArgv_EmptyArgv(t *testing.T) {
	_, err := buildArgv(Spec{User: "alice"})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestBuildArgv_UnknownCommand(t *testing.T) {
	_, err := buildArgv(Spec{User: "alice", Argv: []string{"definitely-not-a-binary-xyz"}})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "definitely-not-a-binary-xyz", notFound.Command)
}

func TestRunAs_CapturesOutput(t *testing.T) {
	r := NewSudoRunner(nil)
	result, err := r.RunAs(context.Background(), Spec{
		Argv: []string{"sh", "-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
}

func TestRunAs_NonZeroExitWithoutRequireSuccess(t *testing.T) {
	r := NewSudoRunner(nil)
	result, err := r.RunAs(context.Background(), Spec{
		Argv: []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Success())
}

func TestRunAs_RequireSuccess(t *testing.T) {
	r := NewSudoRunner(nil)
	_, err := r.RunAs(context.Background(), Spec{
		Argv:           []string{"sh", "-c", "echo broken >&2; exit 2"},
		RequireSuccess: true,
	})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "broken")
}

func TestRunAs_Timeout(t *testing.T) {
	r := NewSudoRunner(nil)
	start := time.Now()
	_, err := r.RunAs(context.Background(), Spec{
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunAs_CancelIsNotATimeout(t *testing.T) {
	r := NewSudoRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.RunAs(ctx, Spec{
		Argv:    []string{"sleep", "10"},
		Timeout: 30 * time.Second,
	})
	require.ErrorIs(t, err, context.Canceled)
	var timeoutErr *TimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestRunAs_CommandNotFound(t *testing.T) {
	r := NewSudoRunner(nil)
	_, err := r.RunAs(context.Background(), Spec{
		Argv: []string{"definitely-not-a-binary-xyz"},
	})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRunAs_Stdin(t *testing.T) {
	r := NewSudoRunner(nil)
	result, err := r.RunAs(context.Background(), Spec{
		Argv:  []string{"cat"},
		Stdin: strings.NewReader("piped data"),
	})
	require.NoError(t, err)
	assert.Equal(t, "piped data", result.Stdout)
}

func TestRunStreaming_DeliversLines(t *testing.T) {
	r := NewSudoRunner(nil)
	var lines []string
	result, err := r.RunStreaming(context.Background(), Spec{
		Argv: []string{"sh", "-c", "echo one; echo two"},
	}, func(stream, line string) {
		lines = append(lines, stream+":"+line)
	})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, []string{"stdout:one", "stdout:two"}, lines)
	assert.Equal(t, "one\ntwo\n", result.Stdout)
}

func TestRunStreaming_Timeout(t *testing.T) {
	r := NewSudoRunner(nil)
	_, err := r.RunStreaming(context.Background(), Spec{
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	}, nil)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestRunStreaming_CancelIsNotATimeout(t *testing.T) {
	r := NewSudoRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.RunStreaming(ctx, Spec{
		Argv:    []string{"sleep", "10"},
		Timeout: 30 * time.Second,
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
	var timeoutErr *TimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestLimitWriter_Truncates(t *testing.T) {
	lw := &limitWriter{buf: &bytes.Buffer{}, limit: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	// the writer must report the full write or the command would fail
	assert.Equal(t, 16, n)
	assert.Equal(t, "0123456789\n[output truncated]", lw.String())
}

func TestLimitWriter_UnderLimit(t *testing.T) {
	lw := &limitWriter{buf: &bytes.Buffer{}, limit: 100}
	_, err := lw.Write([]byte("short"))
	require.NoError(t, err)
	assert.Equal(t, "short", lw.String())
}

func TestFlattenEnv(t *testing.T) {
	out := flattenEnv(map[string]string{"B": "2", "A": "1", "C": "3"})
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, out)
}
