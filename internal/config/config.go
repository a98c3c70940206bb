package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

const redacted = "[redacted]"

type Config struct {
	Mode     Mode   `yaml:"mode"`
	LogLevel string `yaml:"log_level"`
	BotName  string `yaml:"bot_name"`
	// Admins may clear every conversation regardless of gateway permissions.
	Admins []string `yaml:"admins"`

	Model     ModelConfig     `yaml:"model"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Search    SearchConfig    `yaml:"search"`
	HTTP      HTTPConfig      `yaml:"http"`
	Discord   DiscordConfig   `yaml:"discord"`
}

type ModelConfig struct {
	Provider      string        `yaml:"provider"` // "mock", "gemini" or "openai"
	Name          string        `yaml:"name"`
	GCPProjectID  string        `yaml:"gcp_project"`
	GCPLocation   string        `yaml:"gcp_location"`
	GeminiAPIKey  string        `yaml:"gemini_api_key"`
	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	Attempts      int           `yaml:"attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type StorageConfig struct {
	Backend             string `yaml:"backend"` // "memory", "sqlite", "postgres", "redis", "firestore" or "dynamodb"
	SQLitePath          string `yaml:"sqlite_path"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	FirestoreCollection string `yaml:"firestore_collection"`
	DynamoTable         string `yaml:"dynamo_table"`
	DynamoEndpoint      string `yaml:"dynamo_endpoint"`
	AWSRegion           string `yaml:"aws_region"`
}

type RateLimitConfig struct {
	Backend      string        `yaml:"backend"` // "memory" or "redis"
	UserLimit    int           `yaml:"user_limit"`
	UserWindow   time.Duration `yaml:"user_window"`
	GlobalLimit  int           `yaml:"global_limit"`
	GlobalWindow time.Duration `yaml:"global_window"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxHistory    int           `yaml:"max_history"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SearchConfig enables the search command when SerpAPIKey is set.
type SearchConfig struct {
	SerpAPIKey string `yaml:"serpapi_key"`
	BaseURL    string `yaml:"base_url"`
	Results    int    `yaml:"results"`
}

type HTTPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	APIToken     string `yaml:"api_token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type DiscordConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Token              string `yaml:"token"`
	Prefix             string `yaml:"prefix"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Mode:     ModeLocal,
		LogLevel: "info",
		BotName:  "911 Intel",
		Model: ModelConfig{
			Provider:      "mock",
			Name:          "gemini-2.5-flash-lite",
			GCPLocation:   "us-central1",
			Timeout:       60 * time.Second,
			Attempts:      3,
			RetryInterval: 2 * time.Second,
		},
		Storage: StorageConfig{
			Backend:             "memory",
			SQLitePath:          "intel-relay.db",
			RedisAddr:           "localhost:6379",
			FirestoreCollection: "conversations",
			DynamoTable:         "Conversations",
			AWSRegion:           "us-east-1",
		},
		RateLimit: RateLimitConfig{
			Backend:      "memory",
			UserLimit:    5,
			UserWindow:   time.Minute,
			GlobalLimit:  30,
			GlobalWindow: time.Minute,
		},
		Session: SessionConfig{
			TTL:           7 * 24 * time.Hour,
			MaxHistory:    50,
			SweepInterval: 24 * time.Hour,
		},
		Search: SearchConfig{
			BaseURL: "https://serpapi.com",
			Results: 8,
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			Addr:         ":8080",
			MaxBodyBytes: 32 << 20,
		},
		Discord: DiscordConfig{
			Prefix:             ">",
			MaxAttachmentBytes: 25 << 20,
		},
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func getIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64Env(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getListEnv(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load builds the configuration from defaults, then the optional YAML file at
// path, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	ints := func(key string, dst *int) {
		if err == nil {
			*dst, err = getIntEnv(key, *dst)
		}
	}
	int64s := func(key string, dst *int64) {
		if err == nil {
			*dst, err = getInt64Env(key, *dst)
		}
	}
	durations := func(key string, dst *time.Duration) {
		if err == nil {
			*dst, err = getDurationEnv(key, *dst)
		}
	}

	switch getEnv("RELAY_MODE", string(c.Mode)) {
	case "gcp":
		c.Mode = ModeGCP
	default:
		c.Mode = ModeLocal
	}
	c.LogLevel = getEnv("RELAY_LOG_LEVEL", c.LogLevel)
	c.BotName = getEnv("RELAY_BOT_NAME", c.BotName)
	c.Admins = getListEnv("RELAY_ADMINS", c.Admins)

	// In gcp mode the real model is the default.
	defProvider := c.Model.Provider
	if c.Mode == ModeGCP && defProvider == "mock" {
		defProvider = "gemini"
	}
	c.Model.Provider = getEnv("RELAY_MODEL_PROVIDER", defProvider)
	c.Model.Name = getEnv("RELAY_MODEL_NAME", c.Model.Name)
	c.Model.GCPProjectID = getEnv("RELAY_GCP_PROJECT", c.Model.GCPProjectID)
	c.Model.GCPLocation = getEnv("RELAY_GCP_LOCATION", c.Model.GCPLocation)
	c.Model.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.Model.GeminiAPIKey)
	c.Model.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.Model.OpenAIAPIKey)
	c.Model.OpenAIBaseURL = getEnv("RELAY_OPENAI_BASE_URL", c.Model.OpenAIBaseURL)
	durations("RELAY_MODEL_TIMEOUT", &c.Model.Timeout)
	ints("RELAY_MODEL_ATTEMPTS", &c.Model.Attempts)
	durations("RELAY_MODEL_RETRY_INTERVAL", &c.Model.RetryInterval)

	c.Storage.Backend = getEnv("RELAY_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.SQLitePath = getEnv("RELAY_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = getEnv("RELAY_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.RedisAddr = getEnv("RELAY_REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.RedisPassword = getEnv("RELAY_REDIS_PASSWORD", c.Storage.RedisPassword)
	ints("RELAY_REDIS_DB", &c.Storage.RedisDB)
	c.Storage.FirestoreCollection = getEnv("RELAY_FIRESTORE_COLLECTION", c.Storage.FirestoreCollection)
	c.Storage.DynamoTable = getEnv("RELAY_DYNAMO_TABLE", c.Storage.DynamoTable)
	c.Storage.DynamoEndpoint = getEnv("RELAY_DYNAMO_ENDPOINT", c.Storage.DynamoEndpoint)
	c.Storage.AWSRegion = getEnv("AWS_REGION", c.Storage.AWSRegion)

	c.RateLimit.Backend = getEnv("RELAY_RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	ints("RELAY_USER_RATE_LIMIT", &c.RateLimit.UserLimit)
	durations("RELAY_USER_RATE_WINDOW", &c.RateLimit.UserWindow)
	ints("RELAY_GLOBAL_RATE_LIMIT", &c.RateLimit.GlobalLimit)
	durations("RELAY_GLOBAL_RATE_WINDOW", &c.RateLimit.GlobalWindow)

	durations("RELAY_SESSION_TTL", &c.Session.TTL)
	ints("RELAY_MAX_HISTORY", &c.Session.MaxHistory)
	durations("RELAY_SWEEP_INTERVAL", &c.Session.SweepInterval)

	c.Search.SerpAPIKey = getEnv("SERPAPI_KEY", c.Search.SerpAPIKey)
	c.Search.BaseURL = getEnv("RELAY_SERPAPI_BASE_URL", c.Search.BaseURL)
	ints("RELAY_SEARCH_RESULTS", &c.Search.Results)

	c.HTTP.Enabled = getBoolEnv("RELAY_HTTP_ENABLED", c.HTTP.Enabled)
	c.HTTP.Addr = getEnv("RELAY_HTTP_ADDR", c.HTTP.Addr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("RELAY_HTTP_ADDR") == "" {
		c.HTTP.Addr = ":" + port
	}
	c.HTTP.APIToken = getEnv("RELAY_HTTP_TOKEN", c.HTTP.APIToken)
	int64s("RELAY_HTTP_MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes)

	c.Discord.Token = getEnv("DISCORD_BOT_TOKEN", c.Discord.Token)
	c.Discord.Enabled = getBoolEnv("RELAY_DISCORD_ENABLED", c.Discord.Enabled || c.Discord.Token != "")
	c.Discord.Prefix = getEnv("RELAY_DISCORD_PREFIX", c.Discord.Prefix)
	int64s("RELAY_MAX_ATTACHMENT_BYTES", &c.Discord.MaxAttachmentBytes)

	return err
}

// Validate reports the first setting that would stop the relay from starting.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "mock":
	case "gemini":
		if c.Model.GeminiAPIKey == "" && c.Model.GCPProjectID == "" {
			return fmt.Errorf("gemini provider needs GEMINI_API_KEY or RELAY_GCP_PROJECT")
		}
	case "openai":
		if c.Model.OpenAIAPIKey == "" {
			return fmt.Errorf("openai provider needs OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}

	switch c.Storage.Backend {
	case "memory", "redis", "dynamodb":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite storage needs RELAY_SQLITE_PATH")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("postgres storage needs RELAY_POSTGRES_DSN")
		}
	case "firestore":
		if c.Model.GCPProjectID == "" {
			return fmt.Errorf("firestore storage needs RELAY_GCP_PROJECT")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.UserLimit > 0 && c.RateLimit.UserWindow <= 0 {
		return fmt.Errorf("user rate window must be positive")
	}
	if c.RateLimit.GlobalLimit > 0 && c.RateLimit.GlobalWindow <= 0 {
		return fmt.Errorf("global rate window must be positive")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Session.MaxHistory < 0 {
		return fmt.Errorf("max history must not be negative")
	}
	if c.Model.Timeout <= 0 {
		return fmt.Errorf("model timeout must be positive")
	}
	if c.Model.Attempts < 1 {
		return fmt.Errorf("model attempts must be at least 1")
	}

	if c.Search.SerpAPIKey != "" && c.Search.Results < 1 {
		return fmt.Errorf("search results must be at least 1")
	}

	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord gateway needs DISCORD_BOT_TOKEN")
	}
	if !c.Discord.Enabled && !c.HTTP.Enabled {
		return fmt.Errorf("no gateway enabled")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	hide := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	hide(&c.Model.GeminiAPIKey)
	hide(&c.Model.OpenAIAPIKey)
	hide(&c.Storage.PostgresDSN)
	hide(&c.Storage.RedisPassword)
	hide(&c.Search.SerpAPIKey)
	hide(&c.HTTP.APIToken)
	hide(&c.Discord.Token)
	c.Admins = append([]string(nil), c.Admins...)
	return c
}

// YAML renders the configuration in the file format Load accepts.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
