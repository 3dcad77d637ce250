package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	explicit string
	email    string
	username string
	display  string
}

func (u testUser) ExplicitOSUsername() string { return u.explicit }
func (u testUser) Email() string              { return u.email }
func (u testUser) Username() string           { return u.username }
func (u testUser) DisplayName() string        { return u.display }

type fakeStore struct {
	mapping map[string]string
	err     error
}

func (f *fakeStore) LinuxUserMapping(_ context.Context) (map[string]string, error) {
	return f.mapping, f.err
}

const passwdFixture = `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
nobody:x:65534:65534:nobody:/nonexistent:/usr/sbin/nologin
alice:x:1001:1001:Alice:/home/alice:/bin/bash
bob:x:1002:1002:Bob:/home/bob:/bin/zsh
`

func fixtureGetent(entries string) getentFunc {
	return func(_ context.Context, args ...string) (string, error) {
		if len(args) == 0 {
			return entries, nil
		}
		for _, line := range strings.Split(entries, "\n") {
			if strings.HasPrefix(line, args[0]+":") {
				return line + "\n", nil
			}
		}
		return "", nil
	}
}

func TestResolve_ExplicitFieldWins(t *testing.T) {
	r := NewResolver(&fakeStore{mapping: map[string]string{"a@x.com": "mapped"}}, Config{})

	name, err := r.Resolve(context.Background(), testUser{explicit: "pinned", email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "pinned", name)
}

func TestResolve_StoreBeforeConfig(t *testing.T) {
	r := NewResolver(
		&fakeStore{mapping: map[string]string{"a@x.com": "fromstore"}},
		Config{Mapping: map[string]string{"a@x.com": "fromconfig"}},
	)

	name, err := r.Resolve(context.Background(), testUser{email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "fromstore", name)
}

func TestResolve_ConfigFallback(t *testing.T) {
	r := NewResolver(&fakeStore{}, Config{Mapping: map[string]string{"a@x.com": "fromconfig"}})

	name, err := r.Resolve(context.Background(), testUser{email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "fromconfig", name)
}

func TestResolve_KeyPriority(t *testing.T) {
	mapping := map[string]string{
		"a@x.com": "byemail",
		"appuser": "byusername",
		"Alice A": "bydisplay",
	}
	r := NewResolver(&fakeStore{mapping: mapping}, Config{})

	name, err := r.Resolve(context.Background(), testUser{email: "a@x.com", username: "appuser", display: "Alice A"})
	require.NoError(t, err)
	assert.Equal(t, "byemail", name)

	name, err = r.Resolve(context.Background(), testUser{username: "appuser", display: "Alice A"})
	require.NoError(t, err)
	assert.Equal(t, "byusername", name)

	name, err = r.Resolve(context.Background(), testUser{display: "Alice A"})
	require.NoError(t, err)
	assert.Equal(t, "bydisplay", name)
}

func TestResolve_DirectStrategy(t *testing.T) {
	r := NewResolver(&fakeStore{}, Config{Strategy: "direct"})

	name, err := r.Resolve(context.Background(), testUser{username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestResolve_MappingStrategyNeverFallsThrough(t *testing.T) {
	r := NewResolver(&fakeStore{}, Config{Strategy: "mapping"})

	_, err := r.Resolve(context.Background(), testUser{email: "a@x.com", username: "alice"})
	var noMapping *NoMappingError
	require.ErrorAs(t, err, &noMapping)
	assert.Equal(t, "a@x.com", noMapping.Key)
}

func TestResolve_NoMappingKeyFallsBackToUsername(t *testing.T) {
	r := NewResolver(&fakeStore{}, Config{})

	_, err := r.Resolve(context.Background(), testUser{username: "onlyname"})
	var noMapping *NoMappingError
	require.ErrorAs(t, err, &noMapping)
	assert.Equal(t, "onlyname", noMapping.Key)
}

func TestResolve_StoreErrorPropagates(t *testing.T) {
	r := NewResolver(&fakeStore{err: errors.New("db locked")}, Config{})

	_, err := r.Resolve(context.Background(), testUser{email: "a@x.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db locked")
}

func TestResolve_NilStore(t *testing.T) {
	r := NewResolver(nil, Config{Mapping: map[string]string{"a@x.com": "alice"}})

	name, err := r.Resolve(context.Background(), testUser{email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestLookupOSIdentity(t *testing.T) {
	r := NewResolver(nil, Config{})
	r.getent = fixtureGetent(passwdFixture)

	id, err := r.LookupOSIdentity(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, 1001, id.UID)
	assert.Equal(t, 1001, id.GID)
	assert.Equal(t, "/home/alice", id.Home)
	assert.Equal(t, "/bin/bash", id.Shell)
}

func TestLookupOSIdentity_Missing(t *testing.T) {
	r := NewResolver(nil, Config{})
	r.getent = fixtureGetent(passwdFixture)

	id, err := r.LookupOSIdentity(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestResolveOSIdentity_MappingToMissingAccount(t *testing.T) {
	r := NewResolver(nil, Config{Mapping: map[string]string{"a@x.com": "ghost"}})
	r.getent = fixtureGetent(passwdFixture)

	_, err := r.ResolveOSIdentity(context.Background(), testUser{email: "a@x.com"})
	var noMapping *NoMappingError
	require.ErrorAs(t, err, &noMapping)
	assert.Equal(t, "ghost", noMapping.Key)
}

func TestListCandidateOSUsers(t *testing.T) {
	r := NewResolver(nil, Config{MinUID: 1000})
	r.getent = fixtureGetent(passwdFixture)

	users, err := r.ListCandidateOSUsers(context.Background())
	require.NoError(t, err)
	// system accounts and nobody are filtered out
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestParsePasswdEntry(t *testing.T) {
	id, err := parsePasswdEntry("bob:x:1002:1002:Bob:/home/bob:/bin/zsh")
	require.NoError(t, err)
	assert.Equal(t, &OSIdentity{Username: "bob", UID: 1002, GID: 1002, Home: "/home/bob", Shell: "/bin/zsh"}, id)
}

func TestParsePasswdEntry_Invalid(t *testing.T) {
	_, err := parsePasswdEntry("not-a-passwd-line")
	require.Error(t, err)

	_, err = parsePasswdEntry("bob:x:notanumber:1002:Bob:/home/bob:/bin/zsh")
	require.Error(t, err)
}
