package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/storage/memory"
	"github.com/PabloGalante/intel-relay/internal/adapters/storage/storagetest"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestSessionStoreContract(t *testing.T) {
	storagetest.RunConversationStore(t, func(t *testing.T, opts domain.StoreOptions) domain.ConversationStore {
		return memory.NewSessionStore(opts)
	})
}

func TestSessionStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore(domain.StoreOptions{})

	_, err := store.Append(ctx, "alice", 0, domain.Turn{Role: domain.RoleUser, Content: "hello", At: time.Now()})
	require.NoError(t, err)

	sess, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	sess.History[0].Content = "mutated"

	again, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.History[0].Content)
}

func TestWindowStoreContract(t *testing.T) {
	storagetest.RunWindowStore(t, func(t *testing.T) domain.RateWindowStore {
		return memory.NewWindowStore()
	})
}

func TestWindowStorePruneDropsFinishedWindows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewWindowStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Consume(ctx, now, []domain.RateBucket{{Key: "user:a", Limit: 5, Window: time.Minute}})
	require.NoError(t, err)
	_, err = store.Consume(ctx, now, []domain.RateBucket{{Key: "user:b", Limit: 5, Window: time.Hour}})
	require.NoError(t, err)

	removed, err := store.Prune(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	states, err := store.Peek(ctx, now.Add(2*time.Minute), []domain.RateBucket{{Key: "user:b", Limit: 5, Window: time.Hour}})
	require.NoError(t, err)
	assert.Equal(t, 1, states[0].Count)
}
