package sshkey

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aiops-dev/workspace-agent/internal/executor"
)

// Broker loads decrypted keys into ephemeral ssh-agent processes. Each
// WithAgent call owns a fresh agent; agents are never shared between
// concurrent operations.
type Broker struct {
	cipher  *Cipher
	runner  executor.Runner
	dataDir string
	logger  *slog.Logger
}

// NewBroker builds a Broker. runner executes ssh-agent, ssh-add and kill
// as the agent's own account (empty Spec.User).
func NewBroker(cipher *Cipher, runner executor.Runner, dataDir string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{cipher: cipher, runner: runner, dataDir: dataDir, logger: logger}
}

// WithAgent decrypts the given material, starts a dedicated ssh-agent with
// the key loaded, and calls fn with the agent's socket path. The agent is
// terminated on every exit path, including an error from fn. A failed
// termination is logged as a leaked agent but does not fail the operation.
func (b *Broker) WithAgent(ctx context.Context, encrypted []byte, fn func(authSock string) error) error {
	privateKey, err := b.cipher.Decrypt(encrypted)
	if err != nil {
		return err
	}

	authSock, agentPID, err := b.startAgent(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if killErr := b.killAgent(context.WithoutCancel(ctx), agentPID); killErr != nil {
			b.logger.Warn("leaked ssh-agent: termination failed", "pid", agentPID, "error", killErr)
		}
	}()

	if err := b.addKey(ctx, authSock, privateKey); err != nil {
		return err
	}

	return fn(authSock)
}

// startAgent spawns a fresh ssh-agent and parses its sh-style
// announcement for the socket path and PID.
func (b *Broker) startAgent(ctx context.Context) (authSock string, agentPID int, err error) {
	result, err := b.runner.RunAs(ctx, executor.Spec{
		Argv:           []string{"ssh-agent", "-s"},
		Timeout:        executor.DefaultProbeTimeout,
		RequireSuccess: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("start ssh-agent: %w", err)
	}

	authSock, agentPID, err = parseAgentOutput(result.Stdout)
	if err != nil {
		return "", 0, err
	}
	return authSock, agentPID, nil
}

// parseAgentOutput extracts SSH_AUTH_SOCK and SSH_AGENT_PID from the
// output of `ssh-agent -s`.
func parseAgentOutput(out string) (string, int, error) {
	var authSock string
	var agentPID int
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, "SSH_AUTH_SOCK="); idx >= 0 {
			rest := line[idx+len("SSH_AUTH_SOCK="):]
			authSock = strings.SplitN(rest, ";", 2)[0]
		} else if idx := strings.Index(line, "SSH_AGENT_PID="); idx >= 0 {
			rest := line[idx+len("SSH_AGENT_PID="):]
			pid, err := strconv.Atoi(strings.SplitN(rest, ";", 2)[0])
			if err != nil {
				return "", 0, fmt.Errorf("parse ssh-agent pid: %w", err)
			}
			agentPID = pid
		}
	}
	if authSock == "" || agentPID == 0 {
		return "", 0, fmt.Errorf("unexpected ssh-agent output: missing socket or pid")
	}
	return authSock, agentPID, nil
}

// addKey writes the decrypted key to a 0600 temp file, feeds it to
// ssh-add against the given agent, and removes the file no matter what.
func (b *Broker) addKey(ctx context.Context, authSock string, privateKey []byte) error {
	f, err := os.CreateTemp(b.dataDir, "agent-key-*")
	if err != nil {
		return fmt.Errorf("stage key file: %w", err)
	}
	keyPath := f.Name()
	defer os.Remove(keyPath)

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return fmt.Errorf("restrict key file: %w", err)
	}
	if _, err := f.Write(privateKey); err != nil {
		f.Close()
		return fmt.Errorf("stage key file: %w", err)
	}
	// ssh-add wants a trailing newline on PEM input.
	if len(privateKey) > 0 && privateKey[len(privateKey)-1] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return fmt.Errorf("stage key file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("stage key file: %w", err)
	}

	_, err = b.runner.RunAs(ctx, executor.Spec{
		Argv:           []string{"ssh-add", keyPath},
		Timeout:        executor.DefaultProbeTimeout,
		Env:            map[string]string{"SSH_AUTH_SOCK": authSock},
		RequireSuccess: true,
	})
	if err != nil {
		return fmt.Errorf("load key into ssh-agent: %w", err)
	}
	return nil
}

// killAgent terminates the spawned agent process.
func (b *Broker) killAgent(ctx context.Context, pid int) error {
	_, err := b.runner.RunAs(ctx, executor.Spec{
		Argv:           []string{"kill", strconv.Itoa(pid)},
		Timeout:        executor.DefaultProbeTimeout,
		RequireSuccess: true,
	})
	return err
}
