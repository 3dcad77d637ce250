// Package perms checks and repairs filesystem permissions on the shared
// resources every mapped user needs to reach: AI tool config directories,
// the agent database, metadata files and the SSH key directory.
//
// Per-user workspaces are deliberately absent from the manifest; they are
// owned by individual users under their home directories. The manifest is
// static and reviewed by hand whenever a new shared resource appears —
// rules are never inferred at runtime.
package perms

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/aiops-dev/workspace-agent/internal/executor"
)

// IssueKind classifies a deviation found during a check.
type IssueKind string

const (
	IssueMode    IssueKind = "mode"
	IssueGroup   IssueKind = "group"
	IssueMissing IssueKind = "missing"
	IssueType    IssueKind = "type"
)

// Rule declares the expected mode and group for one path.
type Rule struct {
	Path      string
	Mode      fs.FileMode
	Group     string
	IsFile    bool
	Recursive bool
	Desc      string
}

// Issue describes one deviation from a rule.
type Issue struct {
	Path     string
	Kind     IssueKind
	Expected string
	Actual   string
	// Mode and Group are the values a fix should apply for this path.
	Mode  fs.FileMode
	Group string
}

// CheckResult accumulates the outcome of a Check or Fix pass.
type CheckResult struct {
	Checked int
	Fixed   int
	Issues  []Issue
	Errors  []string
}

// sharedFileMode is the default for files nested under a recursive
// directory rule, except under the key directory which gets keyFileMode.
const (
	sharedFileMode = fs.FileMode(0o664)
	keyFileMode    = fs.FileMode(0o640)
)

// DefaultManifest returns the permission rules for an instance directory.
// The keys directory is stricter than the rest: never group writable.
func DefaultManifest(instancePath, group string) []Rule {
	dirMode := fs.FileMode(0o775) | fs.ModeSetgid
	return []Rule{
		{Path: filepath.Join(instancePath, "agents"), Mode: dirMode, Group: group, Recursive: true, Desc: "AI agent configurations"},
		{Path: filepath.Join(instancePath, "codex"), Mode: dirMode, Group: group, Recursive: true, Desc: "Codex configurations"},
		{Path: filepath.Join(instancePath, "gemini"), Mode: dirMode, Group: group, Recursive: true, Desc: "Gemini configurations"},
		{Path: filepath.Join(instancePath, "claude"), Mode: dirMode, Group: group, Recursive: true, Desc: "Claude configurations"},
		{Path: filepath.Join(instancePath, "agent.db"), Mode: 0o664, Group: group, IsFile: true, Desc: "agent database"},
		{Path: filepath.Join(instancePath, "current_branch.txt"), Mode: 0o664, Group: group, IsFile: true, Desc: "current branch tracker"},
		{Path: filepath.Join(instancePath, "tmux_tools.json"), Mode: 0o664, Group: group, IsFile: true, Desc: "tmux tools metadata"},
		{Path: filepath.Join(instancePath, "known_hosts"), Mode: 0o664, Group: group, IsFile: true, Desc: "SSH known hosts"},
		{Path: filepath.Join(instancePath, "tmux.conf"), Mode: 0o664, Group: group, IsFile: true, Desc: "tmux configuration"},
		{Path: filepath.Join(instancePath, "keys"), Mode: fs.FileMode(0o750) | fs.ModeSetgid, Group: group, Recursive: true, Desc: "SSH private keys (restricted)"},
	}
}

// Reconciler evaluates rules against the live filesystem. Checks read the
// filesystem directly (shared paths are group accessible to the agent);
// fixes go through sudo since files may be owned by other accounts.
type Reconciler struct {
	runner executor.Runner
	// fixAs is the account privileged chgrp/chmod run as.
	fixAs  string
	logger *slog.Logger
}

// NewReconciler builds a Reconciler. fixAs defaults to root.
func NewReconciler(runner executor.Runner, fixAs string, logger *slog.Logger) *Reconciler {
	if fixAs == "" {
		fixAs = "root"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{runner: runner, fixAs: fixAs, logger: logger}
}

// Check walks the manifest and reports deviations without mutating
// anything. Missing paths are their own issue kind, not folded into mode
// or group mismatches.
func (r *Reconciler) Check(manifest []Rule) CheckResult {
	result := CheckResult{}
	for _, rule := range manifest {
		r.checkRule(rule, &result)
	}
	return result
}

func (r *Reconciler) checkRule(rule Rule, result *CheckResult) {
	info, err := os.Stat(rule.Path)
	if os.IsNotExist(err) {
		result.Issues = append(result.Issues, Issue{
			Path:     rule.Path,
			Kind:     IssueMissing,
			Expected: "exists",
			Actual:   "missing",
			Mode:     rule.Mode,
			Group:    rule.Group,
		})
		return
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rule.Path, err))
		return
	}

	result.Checked++

	// A rule declared for a file but found as a directory (or the other
	// way around) cannot be repaired by chmod/chgrp; mode and group
	// comparisons against the wrong kind would only mislead.
	if rule.IsFile == info.IsDir() {
		expected, actual := "file", "directory"
		if !rule.IsFile {
			expected, actual = actual, expected
		}
		result.Issues = append(result.Issues, Issue{
			Path:     rule.Path,
			Kind:     IssueType,
			Expected: expected,
			Actual:   actual,
			Mode:     rule.Mode,
			Group:    rule.Group,
		})
		return
	}

	result.Issues = append(result.Issues, checkPath(rule.Path, info, rule.Mode, rule.Group)...)

	if !rule.Recursive || !info.IsDir() {
		return
	}
	keyDir := filepath.Base(rule.Path) == "keys"
	walkErr := filepath.WalkDir(rule.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if path == rule.Path {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		mode := childMode(rule, keyDir, info.IsDir())
		result.Checked++
		result.Issues = append(result.Issues, checkPath(path, info, mode, rule.Group)...)
		return nil
	})
	if walkErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rule.Path, walkErr))
	}
}

// childMode picks the expected mode for an entry nested under a recursive
// rule: directories inherit the rule mode, files get the shared default,
// and key files get the restricted mode.
func childMode(rule Rule, keyDir, isDir bool) fs.FileMode {
	if isDir {
		return rule.Mode
	}
	if keyDir {
		return keyFileMode
	}
	return sharedFileMode
}

// checkPath compares one path against its expected mode and group.
func checkPath(path string, info fs.FileInfo, mode fs.FileMode, group string) []Issue {
	var issues []Issue

	actual := info.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	expected := mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	if actual != expected {
		issues = append(issues, Issue{
			Path:     path,
			Kind:     IssueMode,
			Expected: executor.ModeString(expected),
			Actual:   executor.ModeString(actual),
			Mode:     mode,
			Group:    group,
		})
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return issues
	}
	actualGroup := groupName(int(stat.Gid))
	if actualGroup != group {
		issues = append(issues, Issue{
			Path:     path,
			Kind:     IssueGroup,
			Expected: group,
			Actual:   actualGroup,
			Mode:     mode,
			Group:    group,
		})
	}
	return issues
}

func groupName(gid int) string {
	g, err := user.LookupGroupId(fmt.Sprintf("%d", gid))
	if err != nil {
		return fmt.Sprintf("gid:%d", gid)
	}
	return g.Name
}

// Fix checks the manifest and repairs every issue found with a privileged
// chgrp followed by chmod. Failures are accumulated per path so one bad
// entry never blocks the rest of the manifest. Missing paths are reported
// as errors; Fix does not create anything.
func (r *Reconciler) Fix(ctx context.Context, manifest []Rule) CheckResult {
	result := r.Check(manifest)

	fixed := map[string]bool{}
	for _, issue := range result.Issues {
		if issue.Kind == IssueMissing {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: missing, cannot fix", issue.Path))
			continue
		}
		if issue.Kind == IssueType {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: expected %s, found %s, cannot fix", issue.Path, issue.Expected, issue.Actual))
			continue
		}
		if fixed[issue.Path] {
			result.Fixed++
			continue
		}
		if err := r.fixPath(ctx, issue.Path, issue.Mode, issue.Group); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", issue.Path, err))
			continue
		}
		fixed[issue.Path] = true
		result.Fixed++
	}
	return result
}

func (r *Reconciler) fixPath(ctx context.Context, path string, mode fs.FileMode, group string) error {
	if err := executor.ChgrpAs(ctx, r.runner, r.fixAs, path, group); err != nil {
		return fmt.Errorf("chgrp %s: %w", group, err)
	}
	if err := executor.ChmodAs(ctx, r.runner, r.fixAs, path, executor.ModeString(mode)); err != nil {
		return fmt.Errorf("chmod %s: %w", executor.ModeString(mode), err)
	}
	r.logger.Info("fixed permissions", "path", path, "mode", executor.ModeString(mode), "group", group)
	return nil
}
