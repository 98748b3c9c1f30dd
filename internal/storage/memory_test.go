package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreScenarios(t *testing.T) {
	runStoreScenarios(t, func(t *testing.T) SessionStore {
		return NewMemoryStore(nil)
	})
}

func TestMemoryStorePurgeRespectsCutoff(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	created, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, created.ID))

	purged, err := store.PurgeTombstones(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, purged)

	_, err = store.BeginTeardown(ctx, "m1")
	require.ErrorIs(t, err, ErrAlreadyEnded)

	purged, err = store.PurgeTombstones(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = store.BeginTeardown(ctx, "m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsBlankExternalID(t *testing.T) {
	store := NewMemoryStore(nil)
	_, err := store.Create(context.Background(), "  ", "rtmp://x", "edge-a")
	require.Error(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	created, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
	require.NoError(t, err)
	created.Frontends[0].Viewers = 99

	found, err := store.FindByExternalID(ctx, "m1")
	require.NoError(t, err)
	require.Zero(t, found.Frontends[0].Viewers)
}
