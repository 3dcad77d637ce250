package workspace

import (
	"fmt"
	"strings"
)

// InvalidNameError reports a tenant or project name whose slug is empty,
// which cannot address a workspace directory of its own.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("name %q produces an empty workspace path segment", e.Name)
}

// DirCreateError reports a failed privileged mkdir for a workspace.
type DirCreateError struct {
	Path string
	Err  error
}

func (e *DirCreateError) Error() string {
	return fmt.Sprintf("create workspace directory %s: %v", e.Path, e.Err)
}

func (e *DirCreateError) Unwrap() error { return e.Err }

// CloneError reports a failed git clone. Stderr carries git's own
// diagnostics; transient causes (network, timeout) are safe to retry once
// the caller is ready, since the partial target has been cleaned up.
type CloneError struct {
	RepoURL string
	Stderr  string
	Err     error
}

func (e *CloneError) Error() string {
	msg := fmt.Sprintf("clone %s: %v", e.RepoURL, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CloneError) Unwrap() error { return e.Err }
