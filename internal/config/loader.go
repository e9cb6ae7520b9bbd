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
// built-in defaults, applies CFO_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// A file that declares its own venues replaces the default paper venue
	// instead of merging with it.
	var probe struct {
		Venues map[string]VenueConfig `toml:"venues"`
	}
	if _, err := toml.DecodeFile(path, &probe); err != nil {
		return nil, err
	}
	if len(probe.Venues) > 0 {
		cfg.Venues = nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CFO_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Agent ──
	setStr(&cfg.Agent.ID, "CFO_AGENT_ID")
	setBool(&cfg.Agent.DryRun, "CFO_AGENT_DRY_RUN")
	setDuration(&cfg.Agent.DecisionInterval, "CFO_AGENT_DECISION_INTERVAL")
	setDuration(&cfg.Agent.CycleTimeout, "CFO_AGENT_CYCLE_TIMEOUT")
	setDuration(&cfg.Agent.MonitorInterval, "CFO_AGENT_MONITOR_INTERVAL")
	setDuration(&cfg.Agent.HeartbeatInterval, "CFO_AGENT_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Agent.DigestInterval, "CFO_AGENT_DIGEST_INTERVAL")
	setDuration(&cfg.Agent.Cooldown, "CFO_AGENT_COOLDOWN")
	setFloat64(&cfg.Agent.DustUSD, "CFO_AGENT_DUST_USD")

	// ── Approval / pause ──
	setDuration(&cfg.Approval.TTL, "CFO_APPROVAL_TTL")
	setDuration(&cfg.Approval.SweepInterval, "CFO_APPROVAL_SWEEP_INTERVAL")
	setDuration(&cfg.Pause.Cooldown, "CFO_PAUSE_COOLDOWN")

	// ── Executor ──
	setDuration(&cfg.Executor.CallTimeout, "CFO_EXECUTOR_CALL_TIMEOUT")
	setDuration(&cfg.Executor.ConfirmTimeout, "CFO_EXECUTOR_CONFIRM_TIMEOUT")
	setInt(&cfg.Executor.MaxAttempts, "CFO_EXECUTOR_MAX_ATTEMPTS")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CFO_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CFO_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CFO_WALLET_KEY_PASSWORD")
	setBool(&cfg.Wallet.SignMessages, "CFO_WALLET_SIGN_MESSAGES")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "CFO_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "CFO_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "CFO_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "CFO_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "CFO_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "CFO_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "CFO_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "CFO_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "CFO_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "CFO_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "CFO_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CFO_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CFO_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CFO_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CFO_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "CFO_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CFO_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CFO_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CFO_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CFO_S3_REGION")
	setStr(&cfg.S3.Bucket, "CFO_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CFO_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CFO_S3_SECRET_KEY")
	setInt(&cfg.S3.ArchiveRetentionDays, "CFO_S3_ARCHIVE_RETENTION_DAYS")

	// ── Kafka / bus / producer ──
	setStringSlice(&cfg.Kafka.Brokers, "CFO_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "CFO_KAFKA_TOPIC")
	setStr(&cfg.Bus.Orchestrator, "CFO_BUS_ORCHESTRATOR")
	setStr(&cfg.Bus.Security, "CFO_BUS_SECURITY")
	setStr(&cfg.Bus.Audit, "CFO_BUS_AUDIT")
	setDuration(&cfg.Producer.MaxAge, "CFO_PRODUCER_MAX_AGE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CFO_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CFO_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "CFO_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CFO_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CFO_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CFO_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CFO_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CFO_MODE")
	setStr(&cfg.LogLevel, "CFO_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
