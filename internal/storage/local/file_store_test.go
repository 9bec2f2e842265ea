// Package local_test tests the local filesystem store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happidaswork-netizen/d2ilite/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "out")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutAndCopy(t *testing.T) {
	ctx := context.Background()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	full, err := store.Put(ctx, "downloads/images/ab/abc.jpg", []byte("jpeg"))
	require.NoError(t, err)
	got, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), got)
	assert.True(t, store.Exists("downloads/images/ab/abc.jpg"))

	named, err := store.Copy(ctx, "downloads/images/ab/abc.jpg", "named/张三.jpg")
	require.NoError(t, err)
	got, err = os.ReadFile(named)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), got)

	entries, err := os.ReadDir(filepath.Dir(full))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestPathTraversalRejected(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "../escape.jpg", []byte("x"))
	require.Error(t, err)
	require.Error(t, store.RemoveAll(".."))
	assert.False(t, store.Exists("../escape.jpg"))
}

func TestRemoveAll(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "raw/a.jsonl", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, store.RemoveAll("raw"))
	assert.False(t, store.Exists("raw/a.jsonl"))
	require.NoError(t, store.RemoveAll("raw"))
}

func TestPutHonoursCanceledContext(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, "a.jpg", []byte("x"))
	require.Error(t, err)
}
