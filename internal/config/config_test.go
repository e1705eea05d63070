package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "index"

[indexer]
source = "goldsky"
poll_interval = "2s"

[goldsky]
url = "https://example.test/subgraphs/pm/gn"

[archive]
enabled = true
cron = "*/15 * * * *"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "index" || cfg.Indexer.Source != "goldsky" {
		t.Fatalf("mode=%q source=%q", cfg.Mode, cfg.Indexer.Source)
	}
	if cfg.Indexer.PollInterval.Duration != 2*time.Second {
		t.Errorf("poll_interval=%v", cfg.Indexer.PollInterval.Duration)
	}
	// Untouched keys keep their defaults.
	if cfg.Indexer.BatchSize != 500 || cfg.Postgres.Port != 5432 || cfg.Archive.Batch != 10000 {
		t.Errorf("defaults lost: batch=%d port=%d archive_batch=%d", cfg.Indexer.BatchSize, cfg.Postgres.Port, cfg.Archive.Batch)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `mode = "serve"`)
	t.Setenv("PMINDEX_SERVER_PORT", "9100")
	t.Setenv("PMINDEX_SERVER_CORS_ORIGINS", " https://a.test, ,https://b.test ")
	t.Setenv("PMINDEX_CHAIN_START_BLOCK", "123456")
	t.Setenv("PMINDEX_NOTIFY_COOLDOWN", "30s")
	t.Setenv("PMINDEX_REDIS_POOL_SIZE", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port=%d", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Server.CORSOrigins, "|"); got != "https://a.test|https://b.test" {
		t.Errorf("cors=%q", got)
	}
	if cfg.Chain.StartBlock != 123456 {
		t.Errorf("start_block=%d", cfg.Chain.StartBlock)
	}
	if cfg.Notify.Cooldown.Duration != 30*time.Second {
		t.Errorf("cooldown=%v", cfg.Notify.Cooldown.Duration)
	}
	if cfg.Redis.PoolSize != 20 {
		t.Errorf("unparsable override changed pool_size to %d", cfg.Redis.PoolSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name: "valid chain indexer",
			mutate: func(c *Config) {
				c.Chain.RPCURL = "http://localhost:8545"
				c.Chain.Contract = "0x00000000000000000000000000000000000000aa"
			},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "trade" },
			wantErr: `unknown mode "trade"`,
		},
		{
			name:    "chain needs rpc and contract",
			mutate:  func(c *Config) { c.Chain.Contract = "nope" },
			wantErr: "rpc_url is required",
		},
		{
			name: "serve mode skips feed checks",
			mutate: func(c *Config) {
				c.Mode = "serve"
			},
		},
		{
			name: "bad claimed policy",
			mutate: func(c *Config) {
				c.Mode = "serve"
				c.Indexer.ClaimedPolicy = "ignore"
			},
			wantErr: "claimed_policy",
		},
		{
			name: "bad archive cron",
			mutate: func(c *Config) {
				c.Mode = "serve"
				c.Archive.Enabled = true
				c.Archive.Cron = "every day"
			},
			wantErr: "invalid cron",
		},
		{
			name: "rebuild on memory",
			mutate: func(c *Config) {
				c.Mode = "rebuild"
				c.Storage.Backend = "memory"
			},
			wantErr: "persistent backend",
		},
		{
			name: "rate limit without window",
			mutate: func(c *Config) {
				c.Mode = "serve"
				c.Server.RateWindow.Duration = 0
			},
			wantErr: "rate_window",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "secret"
	cfg.Chain.RPCURL = "https://rpc.test/v2/key"

	out := RedactedConfig(&cfg)
	if out.Postgres.Password != redacted || out.Server.APIKey != redacted || out.Chain.RPCURL != redacted {
		t.Fatalf("secrets leaked: %+v", out)
	}
	if out.S3.SecretKey != "" {
		t.Errorf("empty secret became %q", out.S3.SecretKey)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("original mutated")
	}
	out.Notify.Events[0] = "changed"
	if cfg.Notify.Events[0] == "changed" {
		t.Errorf("events slice shared with original")
	}
}
