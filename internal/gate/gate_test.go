package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happidaswork-netizen/d2ilite/internal/checkpoint/memory"
	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
	"github.com/happidaswork-netizen/d2ilite/internal/hash/sha256"
	"github.com/happidaswork-netizen/d2ilite/internal/storage/local"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

func newTestGate(t *testing.T) (*Gate, *memory.Store, string) {
	t.Helper()
	root := t.TempDir()
	files, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	store := memory.New()
	return New(Config{RequiredFields: []string{"name", "image_url"}, MaxImageBytes: 1 << 20}, sha256.New(), store, files, nil), store, root
}

func TestValidate(t *testing.T) {
	g, _, _ := newTestGate(t)

	p, err := g.Validate(crawler.ProfileRecord{DetailURL: "d", Name: "Ann", ImageURL: "https://img/1.jpg"})
	require.NoError(t, err)
	assert.True(t, p.Complete())

	p, err = g.Validate(crawler.ProfileRecord{DetailURL: "d", Name: "  "})
	require.Error(t, err)
	var verr *crawler.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"name", "image_url"}, verr.Missing())
	assert.Equal(t, crawler.ValidationIncomplete, p.ValidationStatus)
	assert.Equal(t, []string{"name", "image_url"}, p.MissingFields)
}

func TestValidateStructuredField(t *testing.T) {
	root := t.TempDir()
	files, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	g := New(Config{RequiredFields: []string{"name", "title"}}, sha256.New(), memory.New(), files, nil)

	_, err = g.Validate(crawler.ProfileRecord{Name: "A", StructuredFields: map[string]string{"title": "Judge"}})
	require.NoError(t, err)
	_, err = g.Validate(crawler.ProfileRecord{Name: "A"})
	require.Error(t, err)
}

func TestCheckPayload(t *testing.T) {
	ext, err := CheckPayload("u", "image/png", pngBytes, 0)
	require.NoError(t, err)
	assert.Equal(t, ".png", ext)

	ext, err = CheckPayload("u", "application/octet-stream", jpegBytes, 0)
	require.NoError(t, err, "sniffed signature wins over a generic content type")
	assert.Equal(t, ".jpg", ext)

	_, err = CheckPayload("u", "image/jpeg", []byte("<!DOCTYPE html><html><body>Just a moment</body></html>"), 0)
	var perr *crawler.PayloadError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Reason, "html")

	_, err = CheckPayload("u", "image/png", pngBytes, 4)
	require.True(t, errors.As(err, &perr))

	_, err = CheckPayload("u", "image/png", nil, 0)
	require.True(t, errors.As(err, &perr))

	_, err = CheckPayload("u", "application/json", []byte(`{"a":1}`), 0)
	require.True(t, errors.As(err, &perr))
}

func TestPlaceDeduplicatesIdenticalBytes(t *testing.T) {
	ctx := context.Background()
	g, store, root := newTestGate(t)

	first, err := g.Place(ctx, "https://img.example.org/a.png", pngBytes, ".png")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, ContentPath(first.Hash, ".png"), first.RelPath)

	second, err := g.Place(ctx, "https://cdn.example.org/copy.png", pngBytes, ".png")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RelPath, second.RelPath)

	var files []string
	require.NoError(t, filepath.WalkDir(filepath.Join(root, "downloads", "images"), func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, p)
		}
		return err
	}))
	assert.Len(t, files, 1, "identical bytes must be stored once")

	for _, u := range []string{"https://img.example.org/a.png", "https://cdn.example.org/copy.png"} {
		hash, found, err := store.LookupURL(ctx, u)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first.Hash, hash)
	}
}

func TestPlaceConcurrentIdenticalBytes(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := g.Place(ctx, "https://img.example.org/"+string(rune('a'+i))+".jpg", jpegBytes, ".jpg")
			assert.NoError(t, err)
			if p.Duplicate {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 9, duplicates)
}

func TestPlaceHealsMissingFile(t *testing.T) {
	ctx := context.Background()
	g, _, root := newTestGate(t)
	p, err := g.Place(ctx, "https://img/1.png", pngBytes, ".png")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, filepath.FromSlash(p.RelPath))))

	again, err := g.Place(ctx, "https://img/1.png", pngBytes, ".png")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, filepath.FromSlash(again.RelPath)))
}

func TestContentPath(t *testing.T) {
	assert.Equal(t, "downloads/images/ab/abcdef.jpg", ContentPath("abcdef", ".jpg"))
}

func TestKnown(t *testing.T) {
	ctx := context.Background()
	g, _, root := newTestGate(t)

	_, ok, err := g.Known(ctx, "https://img/1.png")
	require.NoError(t, err)
	assert.False(t, ok)

	placed, err := g.Place(ctx, "https://img/1.png", pngBytes, ".png")
	require.NoError(t, err)

	known, ok, err := g.Known(ctx, "https://img/1.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, placed.RelPath, known.RelPath)
	assert.Equal(t, placed.Hash, known.Hash)

	require.NoError(t, os.Remove(filepath.Join(root, filepath.FromSlash(placed.RelPath))))
	_, ok, err = g.Known(ctx, "https://img/1.png")
	require.NoError(t, err)
	assert.False(t, ok, "a missing file forces a refetch")
}
