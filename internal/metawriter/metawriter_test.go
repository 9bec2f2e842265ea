package metawriter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClock struct{}

func (stubClock) Now() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }

func TestSidecarWritesFields(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "Ann.jpg")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o600))

	w := NewSidecar(stubClock{})
	require.NoError(t, w.Write(context.Background(), img, map[string]string{"name": "Ann", "court": "Supreme"}))

	raw, err := os.ReadFile(img + SidecarSuffix)
	require.NoError(t, err)
	var doc sidecarDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "Ann.jpg", doc.Image)
	assert.Equal(t, []string{"court", "name"}, doc.Keys)
	assert.Equal(t, "Ann", doc.Fields["name"])

	_, err = os.Stat(img + SidecarSuffix + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSidecarRequiresImage(t *testing.T) {
	w := NewSidecar(stubClock{})
	err := w.Write(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"), nil)
	require.Error(t, err)
}

func TestDisabled(t *testing.T) {
	require.NoError(t, Disabled{}.Write(context.Background(), "/nonexistent", nil))
}
