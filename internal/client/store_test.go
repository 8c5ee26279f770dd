package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()

	_, ok, err := store.Get("topology-load")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put("topology-load", "op-1"))
	require.NoError(t, store.Put("site-scrape", "op-2"))

	id, ok, err := store.Get("topology-load")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "op-1", id)

	require.NoError(t, store.Put("topology-load", "op-3"))
	id, _, err = store.Get("topology-load")
	require.NoError(t, err)
	assert.Equal(t, "op-3", id)

	require.NoError(t, store.Clear("topology-load"))
	require.NoError(t, store.Clear("topology-load"), "clearing twice is fine")
	_, ok, err = store.Get("topology-load")
	require.NoError(t, err)
	assert.False(t, ok)

	id, ok, err = store.Get("site-scrape")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "op-2", id)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "active.yaml")
	exerciseStore(t, NewFileStore(path))

	// a second store over the same file sees what the first wrote
	id, ok, err := NewFileStore(path).Get("site-scrape")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "op-2", id)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed or removed")
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- one\n- two\n"), 0o600))

	_, _, err := NewFileStore(path).Get("topology-load")
	assert.Error(t, err)
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	exerciseStore(t, NewKeyringStore())
}

func TestNewStore(t *testing.T) {
	store, err := NewStore("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = NewStore("file", filepath.Join(t.TempDir(), "a.yaml"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = NewStore("keyring", "")
	require.NoError(t, err)
	assert.IsType(t, &KeyringStore{}, store)

	_, err = NewStore("s3", "")
	assert.Error(t, err)
}
