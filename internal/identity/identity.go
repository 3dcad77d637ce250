// Package identity maps application users to real Linux accounts.
//
// The mapping is deliberately fail-closed: a user with no configured Linux
// account cannot have workspace operations executed on their behalf, and
// nothing ever falls back to the agent's own account.
package identity

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// User is the minimal identity surface a caller's user representation
// must provide. It replaces duck-typed attribute probing with an explicit
// contract.
type User interface {
	// ExplicitOSUsername returns a Linux username pinned directly on the
	// user record, or "" when none is set.
	ExplicitOSUsername() string
	Email() string
	Username() string
	DisplayName() string
}

// MappingStore loads the persisted application-user -> Linux-username map.
// An absent record is an empty map, not an error.
type MappingStore interface {
	LinuxUserMapping(ctx context.Context) (map[string]string, error)
}

// OSIdentity describes a Linux account as found in the password database.
// It is looked up fresh on every call and never cached; home directories
// and accounts can change underneath a long-lived process.
type OSIdentity struct {
	Username string
	UID      int
	GID      int
	Home     string
	Shell    string
}

// Config controls resolution behavior.
type Config struct {
	// Strategy is "mapping" (default) or "direct". Under "direct" a user's
	// own username is used as the Linux username when no mapping matches.
	Strategy string
	// Mapping is the static configuration fallback consulted after the
	// persisted store.
	Mapping map[string]string
	// MinUID is the lowest UID treated as a human account when listing
	// candidates. Zero means 1000.
	MinUID int
}

// NoMappingError reports that a user has no Linux account mapping.
type NoMappingError struct {
	Key string // email when available, otherwise username
}

func (e *NoMappingError) Error() string {
	return fmt.Sprintf("no Linux user mapping for %q", e.Key)
}

// getentFunc runs `getent passwd [name]` and returns its stdout. Split out
// so tests can substitute canned passwd content.
type getentFunc func(ctx context.Context, args ...string) (string, error)

func runGetent(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "getent", append([]string{"passwd"}, args...)...).Output()
	return string(out), err
}

// Resolver resolves application users to Linux accounts.
type Resolver struct {
	store  MappingStore
	cfg    Config
	getent getentFunc
}

// NewResolver builds a Resolver. store may be nil when no persisted
// mapping exists (e.g. in one-shot CLI use before the store is seeded).
func NewResolver(store MappingStore, cfg Config) *Resolver {
	if cfg.Strategy == "" {
		cfg.Strategy = "mapping"
	}
	if cfg.MinUID <= 0 {
		cfg.MinUID = 1000
	}
	return &Resolver{store: store, cfg: cfg, getent: runGetent}
}

// Resolve returns the Linux username for an application user.
//
// Priority: the explicit field on the user record, then the persisted
// mapping store, then the static config mapping (each keyed by email,
// username, display name in that order), then the "direct" strategy.
// First match wins; no merging. A miss is a *NoMappingError.
func (r *Resolver) Resolve(ctx context.Context, u User) (string, error) {
	if explicit := strings.TrimSpace(u.ExplicitOSUsername()); explicit != "" {
		return explicit, nil
	}

	if r.store != nil {
		mapping, err := r.store.LinuxUserMapping(ctx)
		if err != nil {
			return "", fmt.Errorf("load user mapping: %w", err)
		}
		if name, ok := lookupMapping(mapping, u); ok {
			return name, nil
		}
	}

	if name, ok := lookupMapping(r.cfg.Mapping, u); ok {
		return name, nil
	}

	if r.cfg.Strategy == "direct" {
		if name := strings.TrimSpace(u.Username()); name != "" {
			return name, nil
		}
	}

	key := u.Email()
	if key == "" {
		key = u.Username()
	}
	return "", &NoMappingError{Key: key}
}

func lookupMapping(mapping map[string]string, u User) (string, bool) {
	if len(mapping) == 0 {
		return "", false
	}
	for _, key := range []string{u.Email(), u.Username(), u.DisplayName()} {
		if key == "" {
			continue
		}
		if name, ok := mapping[key]; ok && name != "" {
			return name, true
		}
	}
	return "", false
}

// LookupOSIdentity resolves a Linux username against the password
// database. A missing account returns (nil, nil) rather than an error.
func (r *Resolver) LookupOSIdentity(ctx context.Context, username string) (*OSIdentity, error) {
	out, err := r.getent(ctx, username)
	if err != nil {
		// getent exits 2 when the key is not found.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 2 {
			return nil, nil
		}
		return nil, fmt.Errorf("getent passwd %s: %w", username, err)
	}
	line := strings.TrimSpace(out)
	if line == "" {
		return nil, nil
	}
	id, err := parsePasswdEntry(line)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// ResolveOSIdentity combines Resolve and LookupOSIdentity. A mapping that
// points at a nonexistent account is reported as a *NoMappingError too:
// the capability to act as that user does not exist either way.
func (r *Resolver) ResolveOSIdentity(ctx context.Context, u User) (*OSIdentity, error) {
	username, err := r.Resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	id, err := r.LookupOSIdentity(ctx, username)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, &NoMappingError{Key: username}
	}
	return id, nil
}

// ListCandidateOSUsers enumerates accounts with UID >= MinUID, excluding
// the nobody account. This is for administrative listings only and must
// never feed a security decision.
func (r *Resolver) ListCandidateOSUsers(ctx context.Context) ([]string, error) {
	out, err := r.getent(ctx)
	if err != nil {
		return nil, fmt.Errorf("getent passwd: %w", err)
	}
	var users []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := parsePasswdEntry(line)
		if err != nil {
			continue
		}
		if id.UID < r.cfg.MinUID || id.Username == "nobody" {
			continue
		}
		users = append(users, id.Username)
	}
	return users, nil
}

// parsePasswdEntry parses one passwd(5) line:
// username:x:uid:gid:comment:home:shell
func parsePasswdEntry(line string) (*OSIdentity, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 7 {
		return nil, fmt.Errorf("invalid passwd entry: %q", line)
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid uid in passwd entry: %q", fields[2])
	}
	gid, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("invalid gid in passwd entry: %q", fields[3])
	}
	return &OSIdentity{
		Username: fields[0],
		UID:      uid,
		GID:      gid,
		Home:     fields[5],
		Shell:    fields[6],
	}, nil
}
