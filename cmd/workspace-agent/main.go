// Package main is the entry point for the workspace agent CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/term"

	"github.com/aiops-dev/workspace-agent/internal/config"
	"github.com/aiops-dev/workspace-agent/internal/executor"
	"github.com/aiops-dev/workspace-agent/internal/identity"
	"github.com/aiops-dev/workspace-agent/internal/perms"
	"github.com/aiops-dev/workspace-agent/internal/setup"
	"github.com/aiops-dev/workspace-agent/internal/sshkey"
	"github.com/aiops-dev/workspace-agent/internal/store"
	"github.com/aiops-dev/workspace-agent/internal/validate"
	"github.com/aiops-dev/workspace-agent/internal/workspace"
)

// version is set at build time via -ldflags.
var version = "dev"

const lockRetryDelay = 250 * time.Millisecond

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("workspace-agent %s\n", version)
	case "setup":
		runSetup(os.Args[2:])
	case "identity":
		runIdentity(os.Args[2:])
	case "workspace":
		runWorkspace(os.Args[2:])
	case "perms":
		runPerms(os.Args[2:])
	case "keys":
		runKeys(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: workspace-agent <command> [flags]

Commands:
  setup       install the sudoers policy for the service account
  identity    resolve and manage Linux user mappings
  workspace   resolve, inspect and initialize per-user workspaces
  perms       check or fix permissions on shared resources
  keys        manage encrypted SSH keys
  version     print the agent version`)
}

// app bundles the components most subcommands need.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	runner   *executor.SudoRunner
	resolver *identity.Resolver
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	runner := executor.NewSudoRunner(logger)
	resolver := identity.NewResolver(st, identity.Config{
		Strategy: cfg.Identity.Strategy,
		Mapping:  cfg.Identity.Mapping,
		MinUID:   cfg.Identity.MinUID,
	})
	return &app{cfg: cfg, logger: logger, store: st, runner: runner, resolver: resolver}, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// broker returns the credential broker, or nil when no secret is
// configured (which disables the managed-key path).
func (a *app) broker() *sshkey.Broker {
	cipher, err := sshkey.NewCipher(a.cfg.SSH.Secret, a.cfg.DataDir)
	if err != nil {
		a.logger.Warn("managed ssh keys disabled", "error", err)
		return nil
	}
	return sshkey.NewBroker(cipher, a.runner, a.cfg.DataDir, a.logger)
}

func (a *app) manager() *workspace.Manager {
	return workspace.NewManager(a.resolver, a.runner, a.broker(), a.store, a.logger,
		workspace.WithCloneTimeout(a.cfg.Timeouts.Clone),
		workspace.WithKnownHostsFile(a.cfg.SSH.KnownHostsFile),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// cliUser adapts command-line flags to the identity.User contract.
type cliUser struct {
	explicit string
	email    string
	username string
	display  string
}

func (u cliUser) ExplicitOSUsername() string { return u.explicit }
func (u cliUser) Email() string              { return u.email }
func (u cliUser) Username() string           { return u.username }
func (u cliUser) DisplayName() string        { return u.display }

// runSetup installs the agent's sudoers configuration.
// Usage: workspace-agent setup [--user USER]
func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	user := fs.String("user", "syseng", "Service account name for sudoers")
	fs.Parse(args)

	fmt.Printf("Installing sudoers for user: %s\n", *user)
	if err := setup.InstallSudoers(*user); err != nil {
		fatal(err)
	}
	fmt.Println("Sudoers installed successfully")
}

// runIdentity resolves and edits Linux user mappings.
func runIdentity(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: workspace-agent identity <resolve|list|map|unmap> [flags]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	email := fs.String("email", "", "Application user email")
	username := fs.String("username", "", "Application user name")
	name := fs.String("name", "", "Application user display name")
	key := fs.String("key", "", "Mapping key (email, preferably)")
	linuxUser := fs.String("user", "", "Linux username")
	fs.Parse(args[1:])

	a, err := newApp(*configPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	switch args[0] {
	case "resolve":
		u := cliUser{email: *email, username: *username, display: *name}
		id, err := a.resolver.ResolveOSIdentity(ctx, u)
		if err != nil {
			fatal(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "USERNAME\tUID\tGID\tHOME\tSHELL\n")
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", id.Username, id.UID, id.GID, id.Home, id.Shell)
		w.Flush()
	case "list":
		users, err := a.resolver.ListCandidateOSUsers(ctx)
		if err != nil {
			fatal(err)
		}
		for _, u := range users {
			fmt.Println(u)
		}
	case "map":
		if *key == "" || *linuxUser == "" {
			fatal(fmt.Errorf("identity map requires --key and --user"))
		}
		if !validate.IsValidLinuxName(*linuxUser) {
			fatal(fmt.Errorf("invalid Linux username: %q", *linuxUser))
		}
		if err := a.store.SetMapping(ctx, *key, *linuxUser); err != nil {
			fatal(err)
		}
		fmt.Printf("Mapped %s -> %s\n", *key, *linuxUser)
	case "unmap":
		if *key == "" {
			fatal(fmt.Errorf("identity unmap requires --key"))
		}
		if err := a.store.DeleteMapping(ctx, *key); err != nil {
			fatal(err)
		}
		fmt.Printf("Unmapped %s\n", *key)
	default:
		fatal(fmt.Errorf("unknown identity subcommand: %s", args[0]))
	}
}

// runWorkspace resolves, inspects and initializes workspaces.
func runWorkspace(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: workspace-agent workspace <path|status|init> [flags]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("workspace", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	email := fs.String("email", "", "Application user email")
	username := fs.String("username", "", "Application user name")
	tenant := fs.String("tenant", "", "Tenant display name")
	project := fs.String("project", "", "Project display name")
	repo := fs.String("repo", "", "Repository URL (init only)")
	branch := fs.String("branch", "main", "Default branch (init only)")
	keyName := fs.String("ssh-key", "", "Managed SSH key name (init only)")
	fs.Parse(args[1:])

	if *project == "" {
		fatal(fmt.Errorf("--project is required"))
	}

	a, err := newApp(*configPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	user := cliUser{email: *email, username: *username}
	proj := workspace.Project{
		Tenant:        *tenant,
		Name:          *project,
		RepoURL:       *repo,
		DefaultBranch: *branch,
		SSHKeyName:    *keyName,
	}
	mgr := a.manager()

	switch args[0] {
	case "path":
		path, err := mgr.ResolvePath(ctx, user, proj)
		if err != nil {
			fatal(err)
		}
		fmt.Println(path)
	case "status":
		status := mgr.GetStatus(ctx, user, proj)
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		if status.Err != "" {
			os.Exit(1)
		}
	case "init":
		if *repo == "" {
			fatal(fmt.Errorf("--repo is required for init"))
		}
		// The manager provides no cross-process exclusion for concurrent
		// initializes of the same workspace; the advisory lock here is
		// that serialization.
		unlock, err := acquireWorkspaceLock(ctx, a, user, proj)
		if err != nil {
			fatal(err)
		}
		defer unlock()

		path, err := mgr.Initialize(ctx, user, proj)
		if err != nil {
			fatal(err)
		}
		fmt.Println(path)
	default:
		fatal(fmt.Errorf("unknown workspace subcommand: %s", args[0]))
	}
}

// acquireWorkspaceLock takes a flock keyed by the resolved user and
// project so two invocations cannot race the mkdir+clone sequence.
func acquireWorkspaceLock(ctx context.Context, a *app, user identity.User, proj workspace.Project) (func(), error) {
	linuxUser, err := a.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	lockDir := filepath.Join(a.cfg.DataDir, "locks")
	if err := os.MkdirAll(lockDir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	name := strings.Join([]string{linuxUser, workspace.Slug(proj.Tenant), workspace.Slug(proj.Name)}, "-")
	fl := flock.New(filepath.Join(lockDir, name+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is locked by another operation", name)
	}
	return func() { fl.Unlock() }, nil
}

// runPerms checks or fixes permissions on shared resources.
func runPerms(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: workspace-agent perms <check|fix> [flags]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("perms", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	jsonOut := fs.Bool("json", false, "JSON output")
	fs.Parse(args[1:])

	a, err := newApp(*configPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	reconciler := perms.NewReconciler(a.runner, a.cfg.FixAsUser, a.logger)
	manifest := perms.DefaultManifest(a.cfg.InstancePath, a.cfg.ShareGroup)

	var result perms.CheckResult
	switch args[0] {
	case "check":
		result = reconciler.Check(manifest)
	case "fix":
		result = reconciler.Fix(ctx, manifest)
	default:
		fatal(fmt.Errorf("unknown perms subcommand: %s", args[0]))
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		printPermsResult(result)
	}
	if len(result.Issues) > 0 && args[0] == "check" {
		os.Exit(1)
	}
	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}

func printPermsResult(result perms.CheckResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "PATH\tISSUE\tEXPECTED\tACTUAL\n")
	for _, issue := range result.Issues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", issue.Path, issue.Kind, issue.Expected, issue.Actual)
	}
	w.Flush()
	fmt.Printf("checked=%d issues=%d fixed=%d errors=%d\n",
		result.Checked, len(result.Issues), result.Fixed, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
}

// runKeys manages encrypted SSH key records.
func runKeys(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: workspace-agent keys <import|list|delete> [flags]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	name := fs.String("name", "", "Key name")
	file := fs.String("file", "", "Private key file to import")
	keyPath := fs.String("path", "", "Plain key file path to record as fallback")
	fs.Parse(args[1:])

	a, err := newApp(*configPath)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	switch args[0] {
	case "import":
		if *name == "" || *file == "" {
			fatal(fmt.Errorf("keys import requires --name and --file"))
		}
		secret := a.cfg.SSH.Secret
		if len(secret) == 0 {
			secret, err = promptSecret()
			if err != nil {
				fatal(err)
			}
		}
		cipher, err := sshkey.NewCipher(secret, a.cfg.DataDir)
		if err != nil {
			fatal(err)
		}
		raw, err := os.ReadFile(*file)
		if err != nil {
			fatal(err)
		}
		encrypted, err := cipher.Encrypt(raw)
		if err != nil {
			fatal(err)
		}
		id, err := a.store.SaveKey(ctx, *name, encrypted, *keyPath)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Imported key %s (%s)\n", *name, id)
	case "list":
		keys, err := a.store.ListKeys(ctx)
		if err != nil {
			fatal(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "NAME\tID\tENCRYPTED\tFALLBACK PATH\tCREATED\n")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
				k.Name, k.ID, len(k.EncryptedPrivateKey) > 0, k.Path,
				k.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
	case "delete":
		if *name == "" {
			fatal(fmt.Errorf("keys delete requires --name"))
		}
		if err := a.store.DeleteKey(ctx, *name); err != nil {
			fatal(err)
		}
		fmt.Printf("Deleted key %s\n", *name)
	default:
		fatal(fmt.Errorf("unknown keys subcommand: %s", args[0]))
	}
}

func promptSecret() ([]byte, error) {
	fmt.Fprintf(os.Stderr, "Encryption secret (%s not set): ", config.SecretEnv)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, sshkey.ErrNoSecret
	}
	return secret, nil
}
