package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	return store
}

func markDone(e crawler.CheckpointEntry, _ bool) (crawler.CheckpointEntry, error) {
	e.Status = crawler.CheckpointDone
	e.Attempts++
	return e, nil
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := openTestStore(t, dir)
	_, err := store.Update(ctx, crawler.StageExtraction, "https://example.org/p/1", markDone)
	require.NoError(t, err)
	require.NoError(t, store.SetPosition(ctx, "discovery.frontier", []byte(`["a"]`)))
	require.NoError(t, store.SaveBackoff(ctx, crawler.BackoffState{
		Active:        true,
		RetryAfter:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		TriggerReason: "http_429",
	}))
	require.NoError(t, store.Close())

	store = openTestStore(t, dir)
	defer func() { require.NoError(t, store.Close()) }()

	entry, found, err := store.Get(ctx, crawler.StageExtraction, "https://example.org/p/1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, crawler.CheckpointDone, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, crawler.StageExtraction, entry.Stage)

	raw, found, err := store.Position(ctx, "discovery.frontier")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `["a"]`, string(raw))

	backoff, err := store.LoadBackoff(ctx)
	require.NoError(t, err)
	assert.True(t, backoff.Active)
	assert.Equal(t, "http_429", backoff.TriggerReason)
}

func TestListScopedByStage(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	defer func() { require.NoError(t, store.Close()) }()

	for _, id := range []string{"a", "b"} {
		_, err := store.Update(ctx, crawler.StageAcquisition, id, markDone)
		require.NoError(t, err)
	}
	_, err := store.Update(ctx, crawler.StageWrite, "a", markDone)
	require.NoError(t, err)

	entries, err := store.List(ctx, crawler.StageAcquisition)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].EntityID)
	assert.Equal(t, "b", entries[1].EntityID)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	defer func() { require.NoError(t, store.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, crawler.StageDiscovery, "seed", markDone)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, found, err := store.Get(ctx, crawler.StageDiscovery, "seed")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 8, entry.Attempts)
}

func TestHashClaimAndURLBinding(t *testing.T) {
	ctx := context.Background()
	store, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	owner, claimed, err := store.ClaimHash(ctx, "deadbeef", "downloads/images/de/deadbeef.jpg")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "downloads/images/de/deadbeef.jpg", owner)

	owner, claimed, err = store.ClaimHash(ctx, "deadbeef", "other.jpg")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "downloads/images/de/deadbeef.jpg", owner)

	_, found, err := store.LookupURL(ctx, "https://img.example.org/1.jpg")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.BindURL(ctx, "https://img.example.org/1.jpg", "deadbeef"))
	hash, found, err := store.LookupURL(ctx, "https://img.example.org/1.jpg")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "deadbeef", hash)
}
