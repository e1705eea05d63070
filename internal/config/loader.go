package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PMINDEX_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PMINDEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Indexer ──
	setStr(&cfg.Indexer.Source, "PMINDEX_INDEXER_SOURCE")
	setStr(&cfg.Indexer.Checkpoint, "PMINDEX_INDEXER_CHECKPOINT")
	setInt(&cfg.Indexer.BatchSize, "PMINDEX_INDEXER_BATCH_SIZE")
	setDuration(&cfg.Indexer.PollInterval, "PMINDEX_INDEXER_POLL_INTERVAL")
	setDuration(&cfg.Indexer.UnitTimeout, "PMINDEX_INDEXER_UNIT_TIMEOUT")
	setDuration(&cfg.Indexer.RetryElapsed, "PMINDEX_INDEXER_RETRY_MAX_ELAPSED")
	setStr(&cfg.Indexer.LockKey, "PMINDEX_INDEXER_LOCK_KEY")
	setDuration(&cfg.Indexer.LockTTL, "PMINDEX_INDEXER_LOCK_TTL")
	setStr(&cfg.Indexer.ClaimedPolicy, "PMINDEX_INDEXER_CLAIMED_POLICY")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "PMINDEX_CHAIN_RPC_URL")
	setStr(&cfg.Chain.Contract, "PMINDEX_CHAIN_CONTRACT")
	setUint64(&cfg.Chain.StartBlock, "PMINDEX_CHAIN_START_BLOCK")
	setUint64(&cfg.Chain.BlockWindow, "PMINDEX_CHAIN_BLOCK_WINDOW")
	setUint64(&cfg.Chain.Confirmations, "PMINDEX_CHAIN_CONFIRMATIONS")

	// ── Goldsky ──
	setStr(&cfg.Goldsky.URL, "PMINDEX_GOLDSKY_URL")
	setStr(&cfg.Goldsky.APIKey, "PMINDEX_GOLDSKY_API_KEY")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "PMINDEX_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PMINDEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PMINDEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PMINDEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PMINDEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PMINDEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PMINDEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PMINDEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PMINDEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PMINDEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PMINDEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PMINDEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PMINDEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PMINDEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PMINDEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PMINDEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PMINDEX_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.MarketTTL, "PMINDEX_REDIS_MARKET_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PMINDEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PMINDEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "PMINDEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PMINDEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PMINDEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PMINDEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PMINDEX_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PMINDEX_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "PMINDEX_ARCHIVE_CRON")
	setInt(&cfg.Archive.Batch, "PMINDEX_ARCHIVE_BATCH")

	// ── Server ──
	setInt(&cfg.Server.Port, "PMINDEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PMINDEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PMINDEX_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PMINDEX_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PMINDEX_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.TokenDecimals, "PMINDEX_SERVER_TOKEN_DECIMALS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PMINDEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PMINDEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PMINDEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PMINDEX_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "PMINDEX_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "PMINDEX_MODE")
	setStr(&cfg.LogLevel, "PMINDEX_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
