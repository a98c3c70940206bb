package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/PabloGalante/intel-relay/internal/adapters/llm"
	"github.com/PabloGalante/intel-relay/internal/adapters/search"
	"github.com/PabloGalante/intel-relay/internal/adapters/storage/dynamo"
	firestorestore "github.com/PabloGalante/intel-relay/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/intel-relay/internal/adapters/storage/memory"
	"github.com/PabloGalante/intel-relay/internal/adapters/storage/redisstore"
	"github.com/PabloGalante/intel-relay/internal/adapters/storage/sqlstore"
	"github.com/PabloGalante/intel-relay/internal/app/ratelimit"
	"github.com/PabloGalante/intel-relay/internal/config"
	"github.com/PabloGalante/intel-relay/internal/domain"
	"github.com/PabloGalante/intel-relay/internal/observability"
)

func buildModel(ctx context.Context, cfg *config.Config) (domain.ModelClient, error) {
	log := observability.WithFields("component", "main")

	switch cfg.Model.Provider {
	case "gemini":
		log.Info("using Gemini model client", "model", cfg.Model.Name, "project", cfg.Model.GCPProjectID)
		return llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:   cfg.Model.GeminiAPIKey,
			Project:  cfg.Model.GCPProjectID,
			Location: cfg.Model.GCPLocation,
			Model:    cfg.Model.Name,
		})
	case "openai":
		log.Info("using OpenAI model client", "model", cfg.Model.Name)
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.Model.OpenAIAPIKey,
			BaseURL: cfg.Model.OpenAIBaseURL,
			Model:   cfg.Model.Name,
		})
	default:
		log.Info("using mock model client")
		return llm.NewMockLLM(), nil
	}
}

// buildSearcher returns nil when no SerpAPI key is configured, which leaves
// the search command disabled.
func buildSearcher(cfg *config.Config) (domain.Searcher, error) {
	if cfg.Search.SerpAPIKey == "" {
		return nil, nil
	}
	observability.WithFields("component", "main").Info("web search enabled", "results", cfg.Search.Results)
	client, err := search.NewSerpAPIClient(search.SerpAPIConfig{
		APIKey:  cfg.Search.SerpAPIKey,
		BaseURL: cfg.Search.BaseURL,
		Results: cfg.Search.Results,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
}

// buildStore opens the configured conversation store. The returned func
// releases whatever the store holds open.
func buildStore(ctx context.Context, cfg *config.Config) (domain.ConversationStore, func(), error) {
	log := observability.WithFields("component", "main")
	opts := domain.StoreOptions{TTL: cfg.Session.TTL, MaxHistory: cfg.Session.MaxHistory}
	noop := func() {}

	switch cfg.Storage.Backend {
	case "sqlite":
		log.Info("using SQLite storage", "path", cfg.Storage.SQLitePath)
		s, err := sqlstore.OpenSQLite(ctx, cfg.Storage.SQLitePath, opts)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		log.Info("using Postgres storage")
		s, err := sqlstore.OpenPostgres(ctx, cfg.Storage.PostgresDSN, opts)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil

	case "redis":
		log.Info("using Redis storage", "addr", cfg.Storage.RedisAddr)
		rdb := newRedisClient(cfg)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("connect to redis: %w", err)
		}
		return redisstore.NewSessionStore(rdb, "", opts), func() { _ = rdb.Close() }, nil

	case "firestore":
		log.Info("using Firestore storage", "project", cfg.Model.GCPProjectID, "collection", cfg.Storage.FirestoreCollection)
		s, err := firestorestore.NewStore(ctx, cfg.Model.GCPProjectID, cfg.Storage.FirestoreCollection, opts)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil

	case "dynamodb":
		log.Info("using DynamoDB storage", "table", cfg.Storage.DynamoTable, "region", cfg.Storage.AWSRegion)
		client, err := dynamo.NewClient(ctx, cfg.Storage.AWSRegion, cfg.Storage.DynamoEndpoint)
		if err != nil {
			return nil, noop, err
		}
		s := dynamo.NewStore(client, cfg.Storage.DynamoTable, opts)
		if cfg.Storage.DynamoEndpoint != "" {
			if err := s.EnsureTable(ctx); err != nil {
				return nil, noop, err
			}
		}
		return s, noop, nil

	default:
		log.Info("using in-memory storage")
		return memstore.NewSessionStore(opts), noop, nil
	}
}

func buildLimiter(cfg *config.Config) (*ratelimit.Limiter, func(), error) {
	user := ratelimit.Rule{Limit: cfg.RateLimit.UserLimit, Window: cfg.RateLimit.UserWindow}
	global := ratelimit.Rule{Limit: cfg.RateLimit.GlobalLimit, Window: cfg.RateLimit.GlobalWindow}

	switch cfg.RateLimit.Backend {
	case "redis":
		rdb := newRedisClient(cfg)
		return ratelimit.NewLimiter(redisstore.NewWindowStore(rdb, ""), user, global), func() { _ = rdb.Close() }, nil
	case "memory", "":
		return ratelimit.NewLimiter(memstore.NewWindowStore(), user, global), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}

func admins(ids []string) []domain.Identity {
	out := make([]domain.Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Identity(id))
	}
	return out
}
