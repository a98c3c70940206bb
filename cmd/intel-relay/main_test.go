package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/config"
)

func TestConfigCommandRedactsSecrets(t *testing.T) {
	t.Setenv("RELAY_HTTP_TOKEN", "super-secret")
	t.Setenv("RELAY_BOT_NAME", "Test Intel")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "bot_name: Test Intel")
	assert.Contains(t, out.String(), "[redacted]")
	assert.NotContains(t, out.String(), "super-secret")
}

func TestBuildLimiterRejectsUnknownBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimit.Backend = "carrier-pigeon"

	_, _, err := buildLimiter(&cfg)
	require.Error(t, err)
}

func TestBuildStoreDefaultsToMemory(t *testing.T) {
	cfg := config.Defaults()

	store, closeStore, err := buildStore(context.Background(), &cfg)
	require.NoError(t, err)
	defer closeStore()
	assert.NotNil(t, store)

	model, err := buildModel(context.Background(), &cfg)
	require.NoError(t, err)
	assert.NotNil(t, model)
}

func TestBuildStoreOpensSQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = t.TempDir() + "/relay.db"

	store, closeStore, err := buildStore(context.Background(), &cfg)
	require.NoError(t, err)
	defer closeStore()

	stats, err := store.Stats(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestBuildSearcherNeedsKey(t *testing.T) {
	cfg := config.Defaults()

	searcher, err := buildSearcher(&cfg)
	require.NoError(t, err)
	assert.Nil(t, searcher)

	cfg.Search.SerpAPIKey = "serp-key"
	searcher, err = buildSearcher(&cfg)
	require.NoError(t, err)
	assert.NotNil(t, searcher)
}
