// Package storagetest holds the behaviour every domain.ConversationStore must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T, opts domain.StoreOptions) domain.ConversationStore

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func turn(role domain.Role, content string, at time.Time) domain.Turn {
	return domain.Turn{Role: role, Content: content, At: at}
}

// appendOne reads the current version and appends a single turn.
func appendOne(t *testing.T, store domain.ConversationStore, id domain.Identity, tr domain.Turn) *domain.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := store.Get(ctx, id)
	require.NoError(t, err)
	out, err := store.Append(ctx, id, sess.Version, tr)
	require.NoError(t, err)
	return out
}

// RunConversationStore runs the shared contract against stores built by newStore.
func RunConversationStore(t *testing.T, newStore Factory) {
	t.Run("GetMissingReturnsEmpty", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{})
		sess, err := store.Get(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Equal(t, domain.Identity("nobody"), sess.Identity)
		assert.True(t, sess.Empty())
		assert.True(t, sess.LastActivityAt.IsZero())

		_, ok, err := store.TimeUntilExpiry(context.Background(), "nobody", base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AppendKeepsNewestTurnsInOrder", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{MaxHistory: 4})
		for i := 0; i < 7; i++ {
			appendOne(t, store, "alice", turn(domain.RoleUser, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
		}

		sess, err := store.Get(context.Background(), "alice")
		require.NoError(t, err)
		require.Len(t, sess.History, 4)
		for i, tr := range sess.History {
			assert.Equal(t, fmt.Sprintf("m%d", i+3), tr.Content)
		}
		assert.True(t, sess.LastActivityAt.Equal(base.Add(6*time.Second)))
	})

	t.Run("AppendBelowLimitKeepsEverything", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{MaxHistory: 10})
		ctx := context.Background()
		_, err := store.Append(ctx, "alice", 0,
			turn(domain.RoleUser, "hello", base),
			turn(domain.RoleAssistant, "hi there", base.Add(time.Second)),
		)
		require.NoError(t, err)

		sess, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, sess.History, 2)
		assert.Equal(t, domain.RoleUser, sess.History[0].Role)
		assert.Equal(t, domain.RoleAssistant, sess.History[1].Role)
		assert.Equal(t, "hi there", sess.History[1].Content)
	})

	t.Run("StaleVersionIsRejected", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{})
		ctx := context.Background()

		first := appendOne(t, store, "alice", turn(domain.RoleUser, "one", base))
		second := appendOne(t, store, "alice", turn(domain.RoleUser, "two", base.Add(time.Second)))
		assert.NotEqual(t, first.Version, second.Version)

		_, err := store.Append(ctx, "alice", first.Version, turn(domain.RoleUser, "late", base.Add(2*time.Second)))
		require.ErrorIs(t, err, domain.ErrVersionConflict)

		_, err = store.Append(ctx, "bob", 42, turn(domain.RoleUser, "ghost", base))
		require.ErrorIs(t, err, domain.ErrVersionConflict)

		sess, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, sess.History, 2)
		assert.Equal(t, "two", sess.History[1].Content)

		bob, err := store.Get(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, bob.Empty())
	})

	t.Run("ResetClearsOneIdentity", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{})
		ctx := context.Background()

		appendOne(t, store, "alice", turn(domain.RoleUser, "a", base))
		before := appendOne(t, store, "bob", turn(domain.RoleUser, "b", base))

		cleared, err := store.Reset(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, cleared)

		sess, err := store.Get(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, sess.Empty())
		_, ok, err := store.TimeUntilExpiry(ctx, "bob", base)
		require.NoError(t, err)
		assert.False(t, ok)

		// A request that read the session before the reset cannot write after it.
		_, err = store.Append(ctx, "bob", before.Version, turn(domain.RoleUser, "late", base.Add(time.Second)))
		require.ErrorIs(t, err, domain.ErrVersionConflict)

		cleared, err = store.Reset(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, cleared)

		alice, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, alice.History, 1)
	})

	t.Run("ResetMissingIdentityInvalidatesEmptyRead", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{})
		ctx := context.Background()

		empty, err := store.Get(ctx, "carol")
		require.NoError(t, err)

		cleared, err := store.Reset(ctx, "carol")
		require.NoError(t, err)
		assert.False(t, cleared)

		_, err = store.Append(ctx, "carol", empty.Version, turn(domain.RoleUser, "late", base))
		require.ErrorIs(t, err, domain.ErrVersionConflict)

		// A fresh read can write again.
		appendOne(t, store, "carol", turn(domain.RoleUser, "fresh", base))
	})

	t.Run("ResetAllClearsEverySession", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{})
		ctx := context.Background()

		for _, id := range []domain.Identity{"a", "b", "c"} {
			appendOne(t, store, id, turn(domain.RoleUser, "x", base))
		}

		n, err := store.ResetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for _, id := range []domain.Identity{"a", "b", "c"} {
			sess, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, sess.Empty(), "identity %s", id)
		}

		stats, err := store.Stats(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total)
	})

	t.Run("TimeUntilExpiry", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{TTL: 7 * 24 * time.Hour})
		ctx := context.Background()
		appendOne(t, store, "alice", turn(domain.RoleUser, "x", base))

		left, ok, err := store.TimeUntilExpiry(ctx, "alice", base.Add(24*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 6*24*time.Hour, left)

		left, ok, err = store.TimeUntilExpiry(ctx, "alice", base.Add(8*24*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Duration(0), left)
	})

	t.Run("StatsAndSweep", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{TTL: time.Hour})
		ctx := context.Background()

		appendOne(t, store, "old", turn(domain.RoleUser, "x", base))
		appendOne(t, store, "new", turn(domain.RoleUser, "y", base.Add(90*time.Minute)))

		now := base.Add(2 * time.Hour)
		stats, err := store.Stats(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, domain.StoreStats{Total: 2, Active: 1}, stats)

		removed, err := store.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		old, err := store.Get(ctx, "old")
		require.NoError(t, err)
		assert.True(t, old.Empty())
		fresh, err := store.Get(ctx, "new")
		require.NoError(t, err)
		assert.Len(t, fresh.History, 1)
	})

	t.Run("ConcurrentAppendsNeverInterleave", func(t *testing.T) {
		store := newStore(t, domain.StoreOptions{})
		ctx := context.Background()

		const workers, perWorker = 6, 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					q := turn(domain.RoleUser, fmt.Sprintf("q-%d-%d", w, i), base)
					a := turn(domain.RoleAssistant, fmt.Sprintf("a-%d-%d", w, i), base)
					for {
						sess, err := store.Get(ctx, "shared")
						if err != nil {
							errs <- err
							return
						}
						_, err = store.Append(ctx, "shared", sess.Version, q, a)
						if errors.Is(err, domain.ErrVersionConflict) {
							continue
						}
						if err != nil {
							errs <- err
							return
						}
						break
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		sess, err := store.Get(ctx, "shared")
		require.NoError(t, err)
		require.Len(t, sess.History, 2*workers*perWorker)

		seen := make(map[string]bool)
		for i := 0; i < len(sess.History); i += 2 {
			q, a := sess.History[i], sess.History[i+1]
			require.Equal(t, domain.RoleUser, q.Role)
			require.Equal(t, domain.RoleAssistant, a.Role)
			require.Equal(t, "a"+q.Content[1:], a.Content, "pair split at %d", i)
			require.False(t, seen[q.Content], "duplicate %s", q.Content)
			seen[q.Content] = true
		}
	})
}
