package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok, "new store should be empty")

	require.NoError(t, s.Save("token-1"))
	require.NoError(t, s.Save("token-2"))

	tok, ok, err := s.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "token-2", tok)

	require.NoError(t, s.Delete())
	_, ok, err = s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(), "deleting a missing token is not an error")
	assert.Error(t, s.Save(""))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, &MemoryStore{})
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), "alice")
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStoreFormat(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, "")
	require.NoError(t, err)
	require.NoError(t, s.Save("abc"))

	path := filepath.Join(dir, "default", "token")
	assert.Equal(t, path, s.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := TokenOutput{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "dal/v1", out.APIVersion)
	assert.Equal(t, "SessionCredential", out.Kind)
	assert.Equal(t, "abc", out.Status.Token)
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, "bob")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{"), 0o600))

	_, _, err = s.Load()
	assert.Error(t, err)
}

func TestFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("", "alice")
	assert.Error(t, err)
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	exerciseStore(t, NewKeyringStore("alice"))
}

func TestNew(t *testing.T) {
	s, err := New("memory", "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New("file", t.TempDir(), "alice")
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = New("keyring", "", "alice")
	require.NoError(t, err)
	assert.IsType(t, &KeyringStore{}, s)

	_, err = New("vault", "", "")
	assert.Error(t, err)
}
