package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

func TestUpdateErrorLeavesEntryUntouched(t *testing.T) {
	ctx := context.Background()
	store := New()
	_, err := store.Update(ctx, crawler.StageWrite, "a", func(e crawler.CheckpointEntry, _ bool) (crawler.CheckpointEntry, error) {
		e.Status = crawler.CheckpointDone
		return e, nil
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, crawler.StageWrite, "a", func(e crawler.CheckpointEntry, _ bool) (crawler.CheckpointEntry, error) {
		e.Status = crawler.CheckpointFailed
		return e, errors.New("abort")
	})
	require.Error(t, err)

	got, found, err := store.Get(ctx, crawler.StageWrite, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, crawler.CheckpointDone, got.Status)
	require.Equal(t, crawler.StageWrite, got.Stage)
}

func TestListIsScopedByStage(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, id := range []string{"b", "a"} {
		_, err := store.Update(ctx, crawler.StageDiscovery, id, func(e crawler.CheckpointEntry, _ bool) (crawler.CheckpointEntry, error) {
			return e, nil
		})
		require.NoError(t, err)
	}
	_, err := store.Update(ctx, crawler.StageWrite, "c", func(e crawler.CheckpointEntry, _ bool) (crawler.CheckpointEntry, error) {
		return e, nil
	})
	require.NoError(t, err)

	entries, err := store.List(ctx, crawler.StageDiscovery)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].EntityID)
}

func TestClaimHashAndURLIndex(t *testing.T) {
	ctx := context.Background()
	store := New()
	owner, claimed, err := store.ClaimHash(ctx, "abc", "downloads/images/ab/abc.jpg")
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "downloads/images/ab/abc.jpg", owner)

	owner, claimed, err = store.ClaimHash(ctx, "abc", "downloads/images/ab/abc.png")
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "downloads/images/ab/abc.jpg", owner)

	require.NoError(t, store.BindURL(ctx, "https://img/1.jpg", "abc"))
	hash, found, err := store.LookupURL(ctx, "https://img/1.jpg")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc", hash)
}

func TestBackoffRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	state := crawler.BackoffState{
		Active:        true,
		TriggeredAt:   time.Unix(100, 0).UTC(),
		RetryAfter:    time.Unix(200, 0).UTC(),
		TriggerReason: "http_403",
	}
	require.NoError(t, store.SaveBackoff(ctx, state))
	got, err := store.LoadBackoff(ctx)
	require.NoError(t, err)
	require.Equal(t, state, got)
	require.NoError(t, store.Close())
}
