package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
)

type storeFactory func(t *testing.T) SessionStore

// runStoreScenarios exercises the SessionStore contract against any backend.
func runStoreScenarios(t *testing.T, newStore storeFactory) {
	t.Run("create and find", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		created, err := store.Create(ctx, "m1", "rtmp://edge-a/stream/k", "edge-a")
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		require.Equal(t, models.SessionOpen, created.State)
		require.Equal(t, []string{"edge-a"}, created.FrontendIDs())

		_, err = store.Create(ctx, "m1", "rtmp://other", "edge-b")
		require.ErrorIs(t, err, ErrAlreadyExists)

		found, err := store.FindByExternalID(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, created.ID, found.ID)
		require.Equal(t, "rtmp://edge-a/stream/k", found.RTMPURI)

		_, err = store.FindByExternalID(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindByInternalID(ctx, "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent creates are exclusive", func(t *testing.T) {
		store := newStore(t)
		var (
			wg        sync.WaitGroup
			created   atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Create(context.Background(), "race", "rtmp://x", "edge-a")
				switch {
				case err == nil:
					created.Add(1)
				case isAlreadyExists(err):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), created.Load())
		require.Equal(t, int32(7), conflicts.Load())
	})

	t.Run("bind frontend is idempotent and ordered", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)

		_, err = store.BindFrontend(ctx, "m1", "edge-b")
		require.NoError(t, err)
		session, err := store.BindFrontend(ctx, "m1", "edge-b")
		require.NoError(t, err)
		require.Equal(t, []string{"edge-a", "edge-b"}, session.FrontendIDs())
		require.Equal(t, 1, session.Frontends[1].Position)
		require.Zero(t, session.Frontends[1].Viewers)

		_, err = store.BindFrontend(ctx, "missing", "edge-b")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("increment viewer balances bindings", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)
		_, err = store.BindFrontend(ctx, "m1", "edge-b")
		require.NoError(t, err)

		var picked []string
		for i := 0; i < 4; i++ {
			b, err := store.IncrementViewer(ctx, "m1", "")
			require.NoError(t, err)
			picked = append(picked, b.FrontendID)
		}
		require.Equal(t, []string{"edge-a", "edge-b", "edge-a", "edge-b"}, picked)

		b, err := store.IncrementViewer(ctx, "m1", "edge-b")
		require.NoError(t, err)
		require.Equal(t, 3, b.Viewers)

		_, err = store.IncrementViewer(ctx, "m1", "edge-z")
		require.ErrorIs(t, err, ErrFrontendNotBound)
		_, err = store.IncrementViewer(ctx, "missing", "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)
		_, err = store.BindFrontend(ctx, "m1", "edge-b")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = store.IncrementViewer(ctx, "m1", "")
			}()
		}
		wg.Wait()

		session, err := store.FindByExternalID(ctx, "m1")
		require.NoError(t, err)
		total := 0
		for _, b := range session.Frontends {
			total += b.Viewers
		}
		require.Equal(t, 40, total)
		require.Equal(t, 20, session.Frontends[0].Viewers)
	})

	t.Run("bind chat and encoder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)

		session, err := store.BindChatAndEncoder(ctx, "m1", "chat-1", "enc-1", "int-1")
		require.NoError(t, err)
		require.Equal(t, models.SessionStarted, session.State)
		require.NoError(t, store.SetMeetingPassword(ctx, "m1", "ap"))

		byInternal, err := store.FindByInternalID(ctx, "int-1")
		require.NoError(t, err)
		require.Equal(t, "m1", byInternal.ExternalID)
		require.Equal(t, "chat-1", byInternal.ChatBridge)
		require.Equal(t, "enc-1", byInternal.LiveEncoder)
		require.Equal(t, "ap", byInternal.MeetingPassword)

		_, err = store.BindChatAndEncoder(ctx, "missing", "chat-1", "enc-1", "int-9")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, store.SetMeetingPassword(ctx, "missing", "x"), ErrNotFound)
	})

	t.Run("teardown claim is exclusive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)
		_, err = store.BindChatAndEncoder(ctx, "m1", "chat-1", "enc-1", "int-1")
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			losers  atomic.Int32
		)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					_, err = store.BeginTeardown(ctx, "m1")
				} else {
					_, err = store.BeginTeardownByInternalID(ctx, "int-1")
				}
				if err == nil {
					winners.Add(1)
				} else if isAlreadyEnded(err) {
					losers.Add(1)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, int32(1), winners.Load())
		require.Equal(t, int32(5), losers.Load())

		_, err = store.BeginTeardown(ctx, "unknown")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.BeginTeardownByInternalID(ctx, "unknown")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete leaves tombstone", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		created, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)
		_, err = store.BindChatAndEncoder(ctx, "m1", "chat-1", "enc-1", "int-1")
		require.NoError(t, err)
		claimed, err := store.BeginTeardown(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, models.SessionEnding, claimed.State)
		require.Equal(t, []string{"edge-a"}, claimed.FrontendIDs())

		require.NoError(t, store.Delete(ctx, created.ID))
		require.NoError(t, store.Delete(ctx, created.ID))
		require.NoError(t, store.Delete(ctx, "00000000-0000-0000-0000-000000000000"))

		_, err = store.FindByExternalID(ctx, "m1")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindByInternalID(ctx, "int-1")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.BeginTeardown(ctx, "m1")
		require.ErrorIs(t, err, ErrAlreadyEnded)
		_, err = store.BeginTeardownByInternalID(ctx, "int-1")
		require.ErrorIs(t, err, ErrAlreadyEnded)

		reopened, err := store.Create(ctx, "m1", "rtmp://y", "edge-b")
		require.NoError(t, err)
		require.NotEqual(t, created.ID, reopened.ID)

		purged, err := store.PurgeTombstones(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, purged)
		_, err = store.BeginTeardownByInternalID(ctx, "int-1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("claimed session rejects bindings", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Create(ctx, "m1", "rtmp://x", "edge-a")
		require.NoError(t, err)
		_, err = store.BeginTeardown(ctx, "m1")
		require.NoError(t, err)

		_, err = store.BindChatAndEncoder(ctx, "m1", "chat-1", "enc-1", "int-1")
		require.ErrorIs(t, err, ErrAlreadyEnded)
		_, err = store.BindFrontend(ctx, "m1", "edge-b")
		require.ErrorIs(t, err, ErrAlreadyEnded)
		require.ErrorIs(t, store.SetMeetingPassword(ctx, "m1", "ap"), ErrAlreadyEnded)

		session, err := store.FindByExternalID(ctx, "m1")
		require.NoError(t, err)
		require.Empty(t, session.LiveEncoder)
		require.Empty(t, session.MeetingPassword)
		require.Equal(t, []string{"edge-a"}, session.FrontendIDs())

		_, err = store.BindFrontend(ctx, "missing", "edge-b")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, store.SetMeetingPassword(ctx, "missing", "ap"), ErrNotFound)
	})

	t.Run("count by peer", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"m1", "m2", "m3"} {
			_, err := store.Create(ctx, id, "rtmp://x", "edge-a")
			require.NoError(t, err)
		}
		_, err := store.BindFrontend(ctx, "m2", "edge-b")
		require.NoError(t, err)
		_, err = store.BindChatAndEncoder(ctx, "m1", "chat-1", "enc-2", "int-1")
		require.NoError(t, err)
		_, err = store.BindChatAndEncoder(ctx, "m2", "chat-1", "enc-1", "int-2")
		require.NoError(t, err)

		frontends, err := store.CountByPeer(ctx, peers.RoleFrontend)
		require.NoError(t, err)
		require.Equal(t, map[string]int{"edge-a": 3, "edge-b": 1}, frontends)

		encoders, err := store.CountByPeer(ctx, peers.RoleEncoder)
		require.NoError(t, err)
		require.Equal(t, map[string]int{"enc-1": 1, "enc-2": 1}, encoders)

		chats, err := store.CountByPeer(ctx, peers.RoleChatBridge)
		require.NoError(t, err)
		require.Equal(t, map[string]int{"chat-1": 2}, chats)

		conferences, err := store.CountByPeer(ctx, peers.RoleConference)
		require.NoError(t, err)
		require.Empty(t, conferences)
	})
}

func isAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func isAlreadyEnded(err error) bool  { return errors.Is(err, ErrAlreadyEnded) }
