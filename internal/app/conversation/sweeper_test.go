package conversation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/storage/memory"
	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/app/ratelimit"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestSweeperStartStop(t *testing.T) {
	store := memory.NewSessionStore(domain.StoreOptions{})
	sweeper := conversation.NewSweeper(store, nil, 10*time.Millisecond)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.IsRunning())
	require.NoError(t, sweeper.Start(context.Background()))

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
	sweeper.Stop()
}

func TestSweeperDisabledByZeroInterval(t *testing.T) {
	sweeper := conversation.NewSweeper(memory.NewSessionStore(domain.StoreOptions{}), nil, 0)
	require.NoError(t, sweeper.Start(context.Background()))
	assert.False(t, sweeper.IsRunning())
}

func TestSweeperEvictsStaleSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore(domain.StoreOptions{TTL: time.Hour})
	limiter := ratelimit.NewLimiter(memory.NewWindowStore(), ratelimit.DefaultUserRule, ratelimit.DefaultGlobalRule)

	old := time.Now().Add(-2 * time.Hour)
	_, err := store.Append(ctx, "stale", 0, domain.Turn{Role: domain.RoleUser, Content: "x", At: old})
	require.NoError(t, err)
	_, err = store.Append(ctx, "fresh", 0, domain.Turn{Role: domain.RoleUser, Content: "y", At: time.Now()})
	require.NoError(t, err)

	sweeper := conversation.NewSweeper(store, limiter, time.Hour)
	assert.Equal(t, 1, sweeper.SweepOnce(ctx, nil))

	stats, err := store.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}
