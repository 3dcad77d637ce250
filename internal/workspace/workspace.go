// Package workspace provisions per-user git checkouts.
//
// A workspace is a clone of a project repository living under the target
// Linux user's home directory, owned by that user. The agent process never
// touches workspace files itself; everything goes through the sudo
// boundary so ownership stays correct.
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aiops-dev/workspace-agent/internal/executor"
	"github.com/aiops-dev/workspace-agent/internal/identity"
	"github.com/aiops-dev/workspace-agent/internal/sshkey"
	"github.com/aiops-dev/workspace-agent/internal/store"
)

// Project describes the repository a workspace is cloned from.
type Project struct {
	Tenant        string
	Name          string
	RepoURL       string
	DefaultBranch string
	// SSHKeyName names a managed key in the credential store; empty means
	// the target user's own ambient SSH configuration is used.
	SSHKeyName string
}

// KeySource looks up managed keys. *store.Store satisfies this.
type KeySource interface {
	KeyByName(ctx context.Context, name string) (*store.ManagedKey, error)
}

// IdentityResolver maps application users to Linux accounts.
// *identity.Resolver satisfies this.
type IdentityResolver interface {
	ResolveOSIdentity(ctx context.Context, u identity.User) (*identity.OSIdentity, error)
}

// streamRunner is satisfied by *executor.SudoRunner; fakes may omit it,
// in which case clones go through plain RunAs.
type streamRunner interface {
	RunStreaming(ctx context.Context, spec executor.Spec, callback executor.LineCallback) (executor.Result, error)
}

// Status reports the observed state of a workspace. It is always fully
// populated: failures to determine state land in Err with Exists and
// HasGit defaulted to false.
type Status struct {
	Exists bool
	HasGit bool
	Path   string
	Err    string
}

// Manager resolves, inspects and initializes workspaces.
type Manager struct {
	resolver IdentityResolver
	runner   executor.Runner
	broker   *sshkey.Broker
	keys     KeySource
	logger   *slog.Logger

	cloneTimeout   time.Duration
	knownHostsFile string
}

// Option configures a Manager.
type Option func(*Manager)

// WithCloneTimeout overrides the default git clone timeout.
func WithCloneTimeout(d time.Duration) Option {
	return func(m *Manager) { m.cloneTimeout = d }
}

// WithKnownHostsFile pins the UserKnownHostsFile used for clones.
func WithKnownHostsFile(path string) Option {
	return func(m *Manager) { m.knownHostsFile = path }
}

// NewManager builds a Manager. broker and keys may be nil, which disables
// the managed-key credential path entirely.
func NewManager(resolver IdentityResolver, runner executor.Runner, broker *sshkey.Broker, keys KeySource, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		resolver:     resolver,
		runner:       runner,
		broker:       broker,
		keys:         keys,
		logger:       logger,
		cloneTimeout: executor.DefaultCloneTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Slug derives a filesystem-safe name: lowercased, with runs of anything
// outside [a-z0-9] collapsed to a single dash and dashes trimmed.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ResolvePath returns the workspace directory for a user and project.
//
// The canonical layout is {home}/workspace/{tenant-slug}/{project-slug}.
// Workspaces provisioned before tenant scoping live at the legacy
// {home}/workspace/{project-slug}; an existing legacy checkout wins over
// a not-yet-created canonical path so work is never re-cloned.
func (m *Manager) ResolvePath(ctx context.Context, user identity.User, project Project) (string, error) {
	id, err := m.resolver.ResolveOSIdentity(ctx, user)
	if err != nil {
		return "", err
	}
	return m.resolvePathFor(ctx, id, project)
}

func (m *Manager) resolvePathFor(ctx context.Context, id *identity.OSIdentity, project Project) (string, error) {
	// An empty slug would collapse the path onto its parent directory,
	// which later cleanup would then remove wholesale. Refuse it.
	projectSlug := Slug(project.Name)
	if projectSlug == "" {
		return "", &InvalidNameError{Name: project.Name}
	}
	tenantSlug := Slug(project.Tenant)
	if project.Tenant != "" && tenantSlug == "" {
		return "", &InvalidNameError{Name: project.Tenant}
	}

	canonical := filepath.Join(id.Home, "workspace", tenantSlug, projectSlug)
	legacy := filepath.Join(id.Home, "workspace", projectSlug)

	if m.pathExists(ctx, id.Username, canonical) {
		return canonical, nil
	}
	if m.pathExists(ctx, id.Username, legacy) {
		return legacy, nil
	}
	return canonical, nil
}

// pathExists checks a path directly and falls back to a privileged probe
// when the agent cannot stat it (workspace parents are owned by the
// target user and often not traversable by the agent account).
func (m *Manager) pathExists(ctx context.Context, username, path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	} else if os.IsNotExist(err) {
		return false
	}
	return executor.PathExists(ctx, m.runner, username, path)
}

// GetStatus inspects a workspace. It never returns an error; anything
// that prevents a determination is reported in Status.Err.
func (m *Manager) GetStatus(ctx context.Context, user identity.User, project Project) Status {
	id, err := m.resolver.ResolveOSIdentity(ctx, user)
	if err != nil {
		return Status{Err: err.Error()}
	}
	path, err := m.resolvePathFor(ctx, id, project)
	if err != nil {
		return Status{Err: err.Error()}
	}
	exists := m.pathExists(ctx, id.Username, path)
	hasGit := exists && m.pathExists(ctx, id.Username, filepath.Join(path, ".git"))
	return Status{
		Exists: exists,
		HasGit: hasGit,
		Path:   path,
	}
}

// Initialize creates and clones a workspace, returning its path. It is
// idempotent: an already-initialized workspace is returned unchanged.
func (m *Manager) Initialize(ctx context.Context, user identity.User, project Project) (string, error) {
	id, err := m.resolver.ResolveOSIdentity(ctx, user)
	if err != nil {
		return "", err
	}
	path, err := m.resolvePathFor(ctx, id, project)
	if err != nil {
		return "", err
	}

	if m.pathExists(ctx, id.Username, filepath.Join(path, ".git")) {
		m.logger.Info("workspace already initialized", "user", id.Username, "path", path)
		return path, nil
	}

	if err := executor.Mkdir(ctx, m.runner, id.Username, path, true); err != nil {
		return "", &DirCreateError{Path: path, Err: err}
	}

	if err := m.cloneWithCredentials(ctx, id.Username, project, path); err != nil {
		m.cleanupPartialClone(ctx, id.Username, path)
		return "", err
	}

	m.logger.Info("workspace initialized",
		"user", id.Username,
		"project", project.Name,
		"path", path,
	)
	return path, nil
}

// cloneWithCredentials picks a credential source and runs the clone.
//
// Priority: a managed key stored encrypted; then a managed key existing as
// a plain file readable by the target user; then the user's own ~/.ssh.
// Managed-key problems are soft: they disable that path and fall through,
// they never fail the clone outright.
func (m *Manager) cloneWithCredentials(ctx context.Context, username string, project Project, path string) error {
	key := m.lookupManagedKey(ctx, project)

	if key != nil && len(key.EncryptedPrivateKey) > 0 {
		if m.broker == nil {
			m.logger.Warn("managed key is encrypted but no encryption secret is configured, falling back to ambient ssh",
				"key", key.Name)
		} else {
			err := m.broker.WithAgent(ctx, key.EncryptedPrivateKey, func(authSock string) error {
				return m.clone(ctx, username, project, path, cloneEnv{agentSock: authSock})
			})
			// A decrypt failure means the stored material is unusable; fall
			// back to the remaining credential sources rather than giving up.
			var decryptErr *sshkey.DecryptError
			if errors.As(err, &decryptErr) {
				m.logger.Warn("managed key undecryptable, falling back", "key", key.Name, "error", err)
			} else {
				return err
			}
		}
	}

	if key != nil && key.Path != "" {
		if executor.PathReadable(ctx, m.runner, username, key.Path) {
			return m.clone(ctx, username, project, path, cloneEnv{keyFile: key.Path})
		}
		m.logger.Warn("managed key file not readable by target user, falling back to ambient ssh",
			"key", key.Name, "path", key.Path, "user", username)
	}

	return m.clone(ctx, username, project, path, cloneEnv{})
}

func (m *Manager) lookupManagedKey(ctx context.Context, project Project) *store.ManagedKey {
	if project.SSHKeyName == "" || m.keys == nil {
		return nil
	}
	key, err := m.keys.KeyByName(ctx, project.SSHKeyName)
	if err != nil {
		m.logger.Warn("managed key lookup failed, falling back to ambient ssh",
			"key", project.SSHKeyName, "error", err)
		return nil
	}
	return key
}

type cloneEnv struct {
	agentSock string
	keyFile   string
}

// gitSSHCommand builds the GIT_SSH_COMMAND for a clone. BatchMode keeps
// git from ever prompting; accept-new auto-accepts unseen host keys. That
// is trust-on-first-use: an unattended clone must not hang on a prompt,
// at the cost of trusting whatever host answers first.
func (m *Manager) gitSSHCommand(env cloneEnv) string {
	parts := []string{"ssh"}
	if env.keyFile != "" {
		parts = append(parts, "-i", env.keyFile, "-o", "IdentitiesOnly=yes")
	}
	parts = append(parts, "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new")
	if m.knownHostsFile != "" {
		parts = append(parts, "-o", "UserKnownHostsFile="+m.knownHostsFile)
	}
	return strings.Join(parts, " ")
}

func (m *Manager) clone(ctx context.Context, username string, project Project, path string, env cloneEnv) error {
	spec := executor.Spec{
		User:           username,
		Argv:           []string{"git", "clone", "--branch", project.DefaultBranch, project.RepoURL, path},
		Timeout:        m.cloneTimeout,
		Env:            map[string]string{"GIT_SSH_COMMAND": m.gitSSHCommand(env)},
		RequireSuccess: true,
	}
	if env.agentSock != "" {
		spec.Env["SSH_AUTH_SOCK"] = env.agentSock
	}

	var result executor.Result
	var err error
	if sr, ok := m.runner.(streamRunner); ok {
		result, err = sr.RunStreaming(ctx, spec, func(stream, line string) {
			m.logger.Debug("git clone", "user", username, stream, line)
		})
	} else {
		result, err = m.runner.RunAs(ctx, spec)
	}
	if err != nil {
		return &CloneError{RepoURL: project.RepoURL, Stderr: result.Stderr, Err: err}
	}
	return nil
}

// cleanupPartialClone removes a clone target that exists without a .git
// directory, so a failed attempt never leaves a half-formed workspace for
// a later status check to misreport. A directory that already has .git is
// left alone. Note this deletes any non-git content found at the target;
// the aggressive policy is intentional.
func (m *Manager) cleanupPartialClone(ctx context.Context, username, path string) {
	if !m.pathExists(ctx, username, path) {
		return
	}
	if m.pathExists(ctx, username, filepath.Join(path, ".git")) {
		return
	}
	if err := executor.RemoveRecursive(ctx, m.runner, username, path); err != nil {
		m.logger.Warn("failed to clean up partial clone", "path", path, "error", err)
	}
}
