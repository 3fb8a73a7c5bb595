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
// built-in defaults, applies TRAILSTOP_* environment variable overrides, and
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

// applyEnvOverrides reads well-known TRAILSTOP_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRAILSTOP_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRAILSTOP_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRAILSTOP_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRAILSTOP_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRAILSTOP_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRAILSTOP_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRAILSTOP_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRAILSTOP_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRAILSTOP_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRAILSTOP_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRAILSTOP_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRAILSTOP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRAILSTOP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRAILSTOP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRAILSTOP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRAILSTOP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRAILSTOP_REDIS_TLS_ENABLED")

	// ── Binance ──
	setStr(&cfg.Binance.ApiKey, "TRAILSTOP_BINANCE_API_KEY")
	setStr(&cfg.Binance.ApiSecret, "TRAILSTOP_BINANCE_API_SECRET")
	setDuration(&cfg.Binance.RequestTimeout, "TRAILSTOP_BINANCE_REQUEST_TIMEOUT")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRAILSTOP_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRAILSTOP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRAILSTOP_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRAILSTOP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRAILSTOP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRAILSTOP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRAILSTOP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRAILSTOP_S3_FORCE_PATH_STYLE")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "TRAILSTOP_MONITOR_INTERVAL")
	setInt(&cfg.Monitor.Workers, "TRAILSTOP_MONITOR_WORKERS")
	setInt(&cfg.Monitor.MaxAttempts, "TRAILSTOP_MONITOR_MAX_ATTEMPTS")
	setDuration(&cfg.Monitor.LockTTL, "TRAILSTOP_MONITOR_LOCK_TTL")
	setInt(&cfg.Monitor.ClaimBatch, "TRAILSTOP_MONITOR_CLAIM_BATCH")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRAILSTOP_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TRAILSTOP_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.SweepInterval, "TRAILSTOP_ARCHIVE_SWEEP_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRAILSTOP_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRAILSTOP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRAILSTOP_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRAILSTOP_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRAILSTOP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRAILSTOP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRAILSTOP_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "TRAILSTOP_LOG_LEVEL")
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
