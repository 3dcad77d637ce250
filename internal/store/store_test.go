package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
}

func TestLinuxUserMapping_AbsentIsEmpty(t *testing.T) {
	s := newTestStore(t)

	mapping, err := s.LinuxUserMapping(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, mapping)
	assert.Empty(t, mapping)
}

func TestLinuxUserMapping_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := map[string]string{"a@x.com": "alice", "b@x.com": "bob"}
	require.NoError(t, s.SaveLinuxUserMapping(ctx, in))

	out, err := s.LinuxUserMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSetMapping_AddsAndOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMapping(ctx, "a@x.com", "alice"))
	require.NoError(t, s.SetMapping(ctx, "b@x.com", "bob"))
	require.NoError(t, s.SetMapping(ctx, "a@x.com", "alice2"))

	mapping, err := s.LinuxUserMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@x.com": "alice2", "b@x.com": "bob"}, mapping)
}

func TestDeleteMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMapping(ctx, "a@x.com", "alice"))
	require.NoError(t, s.DeleteMapping(ctx, "a@x.com"))
	// deleting an absent entry is not an error
	require.NoError(t, s.DeleteMapping(ctx, "ghost@x.com"))

	mapping, err := s.LinuxUserMapping(ctx)
	require.NoError(t, err)
	assert.Empty(t, mapping)
}

func TestSaveKey_AndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveKey(ctx, "deploy", []byte("encrypted-bytes"), "/etc/keys/deploy")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	k, err := s.KeyByName(ctx, "deploy")
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, id, k.ID)
	assert.Equal(t, "deploy", k.Name)
	assert.Equal(t, []byte("encrypted-bytes"), k.EncryptedPrivateKey)
	assert.Equal(t, "/etc/keys/deploy", k.Path)
	assert.False(t, k.CreatedAt.IsZero())
}

func TestSaveKey_UpsertKeepsOriginalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.SaveKey(ctx, "deploy", []byte("v1"), "")
	require.NoError(t, err)
	_, err = s.SaveKey(ctx, "deploy", []byte("v2"), "/new/path")
	require.NoError(t, err)

	k, err := s.KeyByName(ctx, "deploy")
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, id1, k.ID)
	assert.Equal(t, []byte("v2"), k.EncryptedPrivateKey)
	assert.Equal(t, "/new/path", k.Path)
}

func TestKeyByName_Missing(t *testing.T) {
	s := newTestStore(t)

	k, err := s.KeyByName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestListKeys_OrderedByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveKey(ctx, "zeta", []byte("z"), "")
	require.NoError(t, err)
	_, err = s.SaveKey(ctx, "alpha", []byte("a"), "")
	require.NoError(t, err)

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "alpha", keys[0].Name)
	assert.Equal(t, "zeta", keys[1].Name)
}

func TestDeleteKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveKey(ctx, "deploy", []byte("x"), "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteKey(ctx, "deploy"))

	k, err := s.KeyByName(ctx, "deploy")
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestStore_ReopenPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SetMapping(ctx, "a@x.com", "alice"))
	require.NoError(t, s1.Close())

	s2, err := New(dir)
	require.NoError(t, err)
	defer s2.Close()

	mapping, err := s2.LinuxUserMapping(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@x.com": "alice"}, mapping)
}
