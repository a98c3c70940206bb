package sqlstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/storage/sqlstore"
	"github.com/PabloGalante/intel-relay/internal/adapters/storage/storagetest"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func openSQLite(t *testing.T, path string, opts domain.StoreOptions) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(context.Background(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	storagetest.RunConversationStore(t, func(t *testing.T, opts domain.StoreOptions) domain.ConversationStore {
		return openSQLite(t, filepath.Join(t.TempDir(), "relay.db"), opts)
	})
}

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set")
	}
	storagetest.RunConversationStore(t, func(t *testing.T, opts domain.StoreOptions) domain.ConversationStore {
		s, err := sqlstore.OpenPostgres(context.Background(), dsn, opts)
		require.NoError(t, err)
		_, err = s.ResetAll(context.Background())
		require.NoError(t, err)
		_, err = s.Sweep(context.Background(), time.Now().Add(365*24*time.Hour))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first, err := sqlstore.OpenSQLite(ctx, path, domain.StoreOptions{})
	require.NoError(t, err)
	written, err := first.Append(ctx, "alice", 0,
		domain.Turn{Role: domain.RoleUser, Content: "remember me", At: at},
		domain.Turn{Role: domain.RoleAssistant, Content: "noted", At: at.Add(time.Second)},
	)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openSQLite(t, path, domain.StoreOptions{})
	sess, err := second.Get(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "remember me", sess.History[0].Content)
	assert.True(t, sess.History[1].At.Equal(at.Add(time.Second)))
	assert.True(t, sess.LastActivityAt.Equal(at.Add(time.Second)))
	assert.Equal(t, written.Version, sess.Version)
}

func TestSQLiteDSN(t *testing.T) {
	_, err := sqlstore.SQLiteDSNForFile("  ")
	require.Error(t, err)

	dsn, err := sqlstore.SQLiteDSNForFile("/tmp/relay.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "_txlock=immediate")
}
