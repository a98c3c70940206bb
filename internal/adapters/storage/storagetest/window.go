package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

// WindowFactory builds a fresh, empty window store for one subtest.
type WindowFactory func(t *testing.T) domain.RateWindowStore

// RunWindowStore runs the fixed-window contract against stores built by newStore.
func RunWindowStore(t *testing.T, newStore WindowFactory) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buckets := []domain.RateBucket{
		{Key: "user:a", Limit: 10, Window: time.Minute},
		{Key: "global", Limit: 1, Window: time.Minute},
	}

	t.Run("ConsumeIsAllOrNothing", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		v, err := store.Consume(ctx, now, buckets)
		require.NoError(t, err)
		require.True(t, v.Admitted)
		assert.Equal(t, -1, v.Denied)

		v, err = store.Consume(ctx, now.Add(15*time.Second), buckets)
		require.NoError(t, err)
		assert.False(t, v.Admitted)
		assert.Equal(t, 1, v.Denied)
		assert.Equal(t, 45*time.Second, v.RetryAfter)

		states, err := store.Peek(ctx, now.Add(15*time.Second), buckets)
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, 1, states[0].Count, "denied request must not count in the user window")
		assert.Equal(t, 1, states[1].Count)
		assert.Equal(t, 45*time.Second, states[1].ResetIn)
	})

	t.Run("WindowRestartsAtBoundary", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.Consume(ctx, now, buckets)
		require.NoError(t, err)

		v, err := store.Consume(ctx, now.Add(time.Minute-time.Millisecond), buckets)
		require.NoError(t, err)
		assert.False(t, v.Admitted)

		v, err = store.Consume(ctx, now.Add(time.Minute), buckets)
		require.NoError(t, err)
		assert.True(t, v.Admitted)

		states, err := store.Peek(ctx, now.Add(time.Minute), buckets)
		require.NoError(t, err)
		assert.Equal(t, 1, states[1].Count)
		assert.Equal(t, time.Minute, states[1].ResetIn)
	})

	t.Run("PeekUnknownKey", func(t *testing.T) {
		store := newStore(t)
		states, err := store.Peek(context.Background(), now, []domain.RateBucket{{Key: "nope", Limit: 1, Window: time.Second}})
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, domain.WindowState{}, states[0])
	})

	t.Run("ConcurrentConsumeNeverOvershoots", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		limited := []domain.RateBucket{{Key: "global", Limit: 25, Window: time.Minute}}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 60; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := store.Consume(ctx, now, limited)
				if err != nil {
					t.Error(err)
					return
				}
				if v.Admitted {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 25, admitted)
	})
}
