// Package config defines the top-level configuration for the prediction
// market indexer and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PMINDEX_* environment variables.
type Config struct {
	Indexer  IndexerConfig  `toml:"indexer"`
	Chain    ChainConfig    `toml:"chain"`
	Goldsky  GoldskyConfig  `toml:"goldsky"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// IndexerConfig controls the sequential consumer.
type IndexerConfig struct {
	// Source selects the log feed: "chain" or "goldsky".
	Source string `toml:"source"`
	// Checkpoint is the consumer name the position is stored under.
	Checkpoint    string   `toml:"checkpoint"`
	BatchSize     int      `toml:"batch_size"`
	PollInterval  duration `toml:"poll_interval"`
	UnitTimeout   duration `toml:"unit_timeout"`
	RetryInitial  duration `toml:"retry_initial"`
	RetryMax      duration `toml:"retry_max_interval"`
	RetryElapsed  duration `toml:"retry_max_elapsed"`
	LockKey       string   `toml:"lock_key"`
	LockTTL       duration `toml:"lock_ttl"`
	ClaimedPolicy string   `toml:"claimed_policy"`
}

// ChainConfig holds the JSON-RPC feed parameters.
type ChainConfig struct {
	RPCURL        string `toml:"rpc_url"`
	Contract      string `toml:"contract"`
	StartBlock    uint64 `toml:"start_block"`
	BlockWindow   uint64 `toml:"block_window"`
	Confirmations uint64 `toml:"confirmations"`
}

// GoldskyConfig holds the subgraph feed parameters.
type GoldskyConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// StorageConfig selects the aggregate and event store backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory". The memory backend loses all state
	// on exit and is meant for local runs.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs without
// Redis: no lease, cache, bus or rate limiting.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	MarketTTL  duration `toml:"market_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the cold export of raw events.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	// Batch is the number of events per exported object.
	Batch int `toml:"batch"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	// TokenDecimals scales raw token amounts into the *_display fields.
	TokenDecimals int `toml:"token_decimals"`
	// WSBackfill is the number of recent events a new stream client
	// receives before live ones.
	WSBackfill int `toml:"ws_backfill"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Indexer: IndexerConfig{
			Source:        "chain",
			Checkpoint:    "indexer",
			BatchSize:     500,
			PollInterval:  duration{5 * time.Second},
			UnitTimeout:   duration{10 * time.Second},
			RetryInitial:  duration{200 * time.Millisecond},
			RetryMax:      duration{5 * time.Second},
			RetryElapsed:  duration{time.Minute},
			LockKey:       "indexer",
			LockTTL:       duration{30 * time.Second},
			ClaimedPolicy: "skip",
		},
		Chain: ChainConfig{
			BlockWindow:   2000,
			Confirmations: 5,
		},
		Storage: StorageConfig{
			Backend: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pmindex",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			MarketTTL:  duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pmindex-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Cron:    "0 3 * * *",
			Batch:   10000,
		},
		Server: ServerConfig{
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:     120,
			RateWindow:    duration{time.Minute},
			TokenDecimals: 6,
			WSBackfill:    50,
		},
		Notify: NotifyConfig{
			Events:   []string{"unknown_event", "duplicate_event", "projector_warning", "rejected_event"},
			Cooldown: duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"index":   true,
	"serve":   true,
	"full":    true,
	"rebuild": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Indexes reports whether the mode runs the sequential consumer.
func (c *Config) Indexes() bool {
	m := strings.ToLower(c.Mode)
	return m == "index" || m == "full"
}

// Serves reports whether the mode runs the HTTP API.
func (c *Config) Serves() bool {
	m := strings.ToLower(c.Mode)
	return m == "serve" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: index, serve, full, rebuild)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Indexer
	if c.Indexes() {
		switch c.Indexer.Source {
		case "chain":
			if c.Chain.RPCURL == "" {
				errs = append(errs, "chain: rpc_url is required when indexer.source is chain")
			}
			if !common.IsHexAddress(c.Chain.Contract) {
				errs = append(errs, fmt.Sprintf("chain: contract %q is not a hex address", c.Chain.Contract))
			}
			if c.Chain.BlockWindow == 0 {
				errs = append(errs, "chain: block_window must be > 0")
			}
		case "goldsky":
			if c.Goldsky.URL == "" {
				errs = append(errs, "goldsky: url is required when indexer.source is goldsky")
			}
		default:
			errs = append(errs, fmt.Sprintf("indexer: unknown source %q (valid: chain, goldsky)", c.Indexer.Source))
		}
		if c.Indexer.BatchSize < 1 {
			errs = append(errs, "indexer: batch_size must be >= 1")
		}
		if c.Indexer.PollInterval.Duration <= 0 {
			errs = append(errs, "indexer: poll_interval must be > 0")
		}
	}
	if c.Indexer.Checkpoint == "" {
		errs = append(errs, "indexer: checkpoint must not be empty")
	}
	if c.Indexer.UnitTimeout.Duration <= 0 {
		errs = append(errs, "indexer: unit_timeout must be > 0")
	}
	if c.Indexer.LockKey != "" && c.Indexer.LockTTL.Duration < time.Second {
		errs = append(errs, "indexer: lock_ttl must be at least 1s when lock_key is set")
	}
	if c.Indexer.ClaimedPolicy != "skip" && c.Indexer.ClaimedPolicy != "create" {
		errs = append(errs, fmt.Sprintf("indexer: claimed_policy must be skip or create, got %q", c.Indexer.ClaimedPolicy))
	}

	// Storage
	switch c.Storage.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
		if strings.ToLower(c.Mode) == "rebuild" {
			errs = append(errs, "storage: rebuild needs a persistent backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: invalid cron %q: %v", c.Archive.Cron, err))
		}
		if c.Archive.Batch < 1 {
			errs = append(errs, "archive: batch must be >= 1")
		}
		if c.Storage.Backend == "memory" {
			errs = append(errs, "archive: needs a persistent storage backend")
		}
	}

	// Server
	if c.Serves() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.TokenDecimals < 0 || c.Server.TokenDecimals > 36 {
			errs = append(errs, fmt.Sprintf("server: token_decimals must be 0-36, got %d", c.Server.TokenDecimals))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
