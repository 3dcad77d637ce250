// Package setup installs the sudoers policy the agent depends on: the
// service account must be able to run the workspace command set as any
// target user without a password, since sudo is always invoked with -n.
package setup

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/aiops-dev/workspace-agent/internal/validate"
)

//go:embed sudoers.tmpl
var sudoersTmpl string

// SudoersData holds template data for rendering the sudoers file.
type SudoersData struct {
	User string
}

// InstallSudoers renders the embedded sudoers template and installs it to
// /etc/sudoers.d/<user>. The file is validated with visudo before
// installation. Must be run as root.
func InstallSudoers(user string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be run as root")
	}
	if !validate.IsValidLinuxName(user) {
		return fmt.Errorf("invalid user name: %q", user)
	}

	content, err := renderSudoers(user)
	if err != nil {
		return err
	}

	dest := fmt.Sprintf("/etc/sudoers.d/%s", user)
	tmpFile := dest + ".tmp"

	if err := os.WriteFile(tmpFile, []byte(content), 0440); err != nil {
		return fmt.Errorf("create temp sudoers file: %w", err)
	}

	// Validate syntax with visudo
	if err := exec.Command("visudo", "-c", "-f", tmpFile).Run(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("sudoers validation failed: %w", err)
	}

	// Atomically move into place
	if err := os.Rename(tmpFile, dest); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("install sudoers file: %w", err)
	}

	if err := exec.Command("chown", "root:root", dest).Run(); err != nil {
		return fmt.Errorf("set sudoers ownership: %w", err)
	}

	return nil
}

// renderSudoers renders the embedded sudoers template for a service account.
func renderSudoers(user string) (string, error) {
	tmpl, err := template.New("sudoers").Parse(sudoersTmpl)
	if err != nil {
		return "", fmt.Errorf("parse sudoers template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, SudoersData{User: user}); err != nil {
		return "", fmt.Errorf("render sudoers template: %w", err)
	}
	return b.String(), nil
}
