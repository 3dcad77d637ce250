// Filesystem helpers built on the Runner primitive. The sudo variants run
// as the named user; the direct variants assume the calling process already
// has sufficient rights on the path.
package executor

import (
	"context"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// PathExists checks whether a path exists as seen by the given user via
// `test -e`. Any execution failure is treated as "does not exist" and is
// never propagated; existence probes must not take an operation down.
func PathExists(ctx context.Context, r Runner, username, path string) bool {
	result, err := r.RunAs(ctx, Spec{
		User:    username,
		Argv:    []string{"test", "-e", path},
		Timeout: DefaultProbeTimeout,
	})
	return err == nil && result.Success()
}

// PathReadable checks whether the given user can read a path via `test -r`.
func PathReadable(ctx context.Context, r Runner, username, path string) bool {
	result, err := r.RunAs(ctx, Spec{
		User:    username,
		Argv:    []string{"test", "-r", path},
		Timeout: DefaultProbeTimeout,
	})
	return err == nil && result.Success()
}

// Mkdir creates a directory as the given user.
func Mkdir(ctx context.Context, r Runner, username, path string, parents bool) error {
	argv := []string{"mkdir"}
	if parents {
		argv = append(argv, "-p")
	}
	argv = append(argv, path)
	_, err := r.RunAs(ctx, Spec{
		User:           username,
		Argv:           argv,
		Timeout:        DefaultMutateTimeout,
		RequireSuccess: true,
	})
	return err
}

// RemoveRecursive removes a path and its contents as the given user.
func RemoveRecursive(ctx context.Context, r Runner, username, path string) error {
	_, err := r.RunAs(ctx, Spec{
		User:           username,
		Argv:           []string{"rm", "-rf", path},
		Timeout:        DefaultMutateTimeout,
		RequireSuccess: true,
	})
	return err
}

// ChgrpAs changes the group of a path through sudo as the given user
// (typically root), for paths the agent itself cannot touch.
func ChgrpAs(ctx context.Context, r Runner, username, path, group string) error {
	_, err := r.RunAs(ctx, Spec{
		User:           username,
		Argv:           []string{"chgrp", group, path},
		Timeout:        DefaultMutateTimeout,
		RequireSuccess: true,
	})
	return err
}

// ChmodAs changes the mode of a path through sudo as the given user.
// mode is passed in octal text form, e.g. "2750".
func ChmodAs(ctx context.Context, r Runner, username, path, mode string) error {
	_, err := r.RunAs(ctx, Spec{
		User:           username,
		Argv:           []string{"chmod", mode, path},
		Timeout:        DefaultMutateTimeout,
		RequireSuccess: true,
	})
	return err
}

// Chmod changes the mode of a path directly, without sudo.
func Chmod(path string, mode fs.FileMode) error {
	return os.Chmod(path, mode)
}

// Chgrp changes the group of a path directly, without sudo. The owning
// user is left unchanged.
func Chgrp(path, group string) error {
	g, err := user.LookupGroup(strings.TrimSpace(group))
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return err
	}
	return os.Chown(path, -1, gid)
}

// ModeString formats a file mode as the octal text chmod expects,
// including setuid/setgid/sticky bits (e.g. 02775 -> "2775").
func ModeString(mode fs.FileMode) string {
	perm := int64(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		perm |= 0o1000
	}
	return strconv.FormatInt(perm, 8)
}
