// Package config defines the top-level configuration for the CFO agent
// and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CFO_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Agent    AgentConfig            `toml:"agent"`
	Approval ApprovalConfig         `toml:"approval"`
	Pause    PauseConfig            `toml:"pause"`
	Executor ExecutorConfig         `toml:"executor"`
	Wallet   WalletConfig           `toml:"wallet"`
	Supabase SupabaseConfig         `toml:"supabase"`
	Redis    RedisConfig            `toml:"redis"`
	S3       S3Config               `toml:"s3"`
	Kafka    KafkaConfig            `toml:"kafka"`
	Bus      BusConfig              `toml:"bus"`
	Producer ProducerConfig         `toml:"producer"`
	Venues   map[string]VenueConfig `toml:"venues"`
	Server   ServerConfig           `toml:"server"`
	Notify   NotifyConfig           `toml:"notify"`
}

// AgentConfig holds the identity and timer intervals of the agent.
type AgentConfig struct {
	ID                string   `toml:"id"`
	DryRun            bool     `toml:"dry_run"`
	DecisionInterval  duration `toml:"decision_interval"`
	CycleTimeout      duration `toml:"cycle_timeout"`
	MonitorInterval   duration `toml:"monitor_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	DigestInterval    duration `toml:"digest_interval"`
	InboxInterval     duration `toml:"inbox_interval"`
	// Cooldown is how long a decision type is held back after it executed.
	Cooldown duration `toml:"cooldown"`
	// DustUSD is the value below which a venue holding is ignored.
	DustUSD float64 `toml:"dust_usd"`
}

// ApprovalConfig controls the human approval queue.
type ApprovalConfig struct {
	TTL           duration `toml:"ttl"`
	SweepInterval duration `toml:"sweep_interval"`
}

// PauseConfig controls the emergency pause.
type PauseConfig struct {
	Cooldown duration `toml:"cooldown"`
}

// ExecutorConfig bounds every venue interaction.
type ExecutorConfig struct {
	CallTimeout    duration `toml:"call_timeout"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	PollInterval   duration `toml:"poll_interval"`
	MaxAttempts    int      `toml:"max_attempts"`
	RetryBackoff   duration `toml:"retry_backoff"`
}

// WalletConfig holds the agent's EVM wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// SignMessages signs outbound bus messages with the wallet key.
	SignMessages bool `toml:"sign_messages"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	StreamWait duration `toml:"stream_wait"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Enabled              bool   `toml:"enabled"`
	Endpoint             string `toml:"endpoint"`
	Region               string `toml:"region"`
	Bucket               string `toml:"bucket"`
	AccessKey            string `toml:"access_key"`
	SecretKey            string `toml:"secret_key"`
	UseSSL               bool   `toml:"use_ssl"`
	ForcePathStyle       bool   `toml:"force_path_style"`
	Prefix               string `toml:"prefix"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
}

// KafkaConfig configures the optional outbound event sink. An empty broker
// list disables it.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// BusConfig names the peer agents on the message bus.
type BusConfig struct {
	Orchestrator string `toml:"orchestrator"`
	Security     string `toml:"security"`
	Audit        string `toml:"audit"`
	Broadcast    string `toml:"broadcast"`
}

// ProducerConfig locates the decision producer's streams.
type ProducerConfig struct {
	DecisionStream   string   `toml:"decision_stream"`
	IntelStream      string   `toml:"intel_stream"`
	PortfolioChannel string   `toml:"portfolio_channel"`
	MaxAge           duration `toml:"max_age"`
}

// VenueConfig describes one venue under [venues.<name>].
type VenueConfig struct {
	Enabled    bool     `toml:"enabled"`
	Paper      bool     `toml:"paper"`
	Strategies []string `toml:"strategies"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
	// FeeBps and Marks only apply to paper venues.
	FeeBps float64            `toml:"fee_bps"`
	Marks  map[string]float64 `toml:"marks"`
}

// StrategyList converts Strategies to domain values.
func (v VenueConfig) StrategyList() []domain.Strategy {
	out := make([]domain.Strategy, 0, len(v.Strategies))
	for _, s := range v.Strategies {
		out = append(out, domain.Strategy(s))
	}
	return out
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

// ServerConfig holds operator API parameters.
type ServerConfig struct {
	Enabled    bool    `toml:"enabled"`
	Port       int     `toml:"port"`
	APIKey     string  `toml:"api_key"`
	RatePerSec float64 `toml:"rate_per_sec"`
	RateBurst  int     `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Bus forwards notifications to peers as broadcast alerts.
	Bus bool `toml:"bus"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Agent: AgentConfig{
			ID:                "cfo",
			DecisionInterval:  duration{15 * time.Minute},
			CycleTimeout:      duration{5 * time.Minute},
			MonitorInterval:   duration{time.Minute},
			HeartbeatInterval: duration{5 * time.Minute},
			DigestInterval:    duration{24 * time.Hour},
			InboxInterval:     duration{5 * time.Second},
			Cooldown:          duration{time.Hour},
			DustUSD:           1.0,
		},
		Approval: ApprovalConfig{
			TTL:           duration{30 * time.Minute},
			SweepInterval: duration{2 * time.Minute},
		},
		Pause: PauseConfig{
			Cooldown: duration{4 * time.Hour},
		},
		Executor: ExecutorConfig{
			CallTimeout:    duration{30 * time.Second},
			ConfirmTimeout: duration{60 * time.Second},
			PollInterval:   duration{3 * time.Second},
			MaxAttempts:    3,
			RetryBackoff:   duration{500 * time.Millisecond},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
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
			StreamWait: duration{2 * time.Second},
		},
		S3: S3Config{
			Endpoint:             "http://localhost:9000",
			Region:               "us-east-1",
			Bucket:               "cfo-audit",
			ForcePathStyle:       true,
			ArchiveRetentionDays: 90,
		},
		Kafka: KafkaConfig{
			Topic: "cfo.events",
		},
		Bus: BusConfig{
			Orchestrator: "orchestrator",
			Security:     "security",
			Broadcast:    "agents:broadcast",
		},
		Producer: ProducerConfig{
			DecisionStream:   "cfo:decisions",
			IntelStream:      "cfo:intel",
			PortfolioChannel: "cfo:portfolio",
			MaxAge:           duration{20 * time.Minute},
		},
		Venues: map[string]VenueConfig{
			"paper": {
				Enabled:    true,
				Paper:      true,
				Strategies: []string{string(domain.StrategyPredictionMarket), string(domain.StrategyLiquidStaking), string(domain.StrategySwap)},
				RatePerSec: 5,
				Burst:      5,
			},
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RatePerSec: 10,
			RateBurst:  20,
		},
		Notify: NotifyConfig{
			Events: []string{
				domain.EventApprovalCreated,
				domain.EventApprovalReminder,
				domain.EventDecisionFailed,
				domain.EventPauseEntered,
				domain.EventPauseExited,
				domain.EventDigest,
			},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":      true,
	"paper":     true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Paper reports whether the agent runs on in-process stores and venues.
func (c *Config) Paper() bool {
	return strings.EqualFold(c.Mode, "paper")
}

// VenueNames returns the configured venue names in sorted order.
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for n := range c.Venues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Agent
	if strings.TrimSpace(c.Agent.ID) == "" {
		errs = append(errs, "agent: id must not be empty")
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"agent: decision_interval", c.Agent.DecisionInterval.Duration},
		{"agent: cycle_timeout", c.Agent.CycleTimeout.Duration},
		{"agent: monitor_interval", c.Agent.MonitorInterval.Duration},
		{"agent: heartbeat_interval", c.Agent.HeartbeatInterval.Duration},
		{"agent: digest_interval", c.Agent.DigestInterval.Duration},
		{"agent: inbox_interval", c.Agent.InboxInterval.Duration},
		{"approval: ttl", c.Approval.TTL.Duration},
		{"approval: sweep_interval", c.Approval.SweepInterval.Duration},
		{"pause: cooldown", c.Pause.Cooldown.Duration},
		{"executor: call_timeout", c.Executor.CallTimeout.Duration},
		{"executor: confirm_timeout", c.Executor.ConfirmTimeout.Duration},
		{"executor: poll_interval", c.Executor.PollInterval.Duration},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, p.name+" must be > 0")
		}
	}
	if c.Agent.CycleTimeout.Duration > c.Agent.DecisionInterval.Duration {
		errs = append(errs, "agent: cycle_timeout must not exceed decision_interval")
	}
	if c.Agent.Cooldown.Duration < 0 {
		errs = append(errs, "agent: cooldown must be >= 0")
	}
	if c.Agent.DustUSD < 0 {
		errs = append(errs, "agent: dust_usd must be >= 0")
	}
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.SignMessages && c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: sign_messages requires private_key or encrypted_key_path")
	}

	// Stores are only dialled outside paper mode.
	if !c.Paper() {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.ArchiveRetentionDays < 1 {
			errs = append(errs, "s3: archive_retention_days must be >= 1 when enabled")
		}
	}

	// Kafka
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka: topic must not be empty when brokers are set")
	}

	// Producer
	if c.Producer.DecisionStream == "" {
		errs = append(errs, "producer: decision_stream must not be empty")
	}
	if c.Producer.MaxAge.Duration <= 0 {
		errs = append(errs, "producer: max_age must be > 0")
	}

	// Venues
	enabled := 0
	for _, name := range c.VenueNames() {
		v := c.Venues[name]
		if !v.Enabled {
			continue
		}
		enabled++
		if len(v.Strategies) == 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: strategies must not be empty", name))
		}
		for _, s := range v.StrategyList() {
			if !s.Valid() {
				errs = append(errs, fmt.Sprintf("venues.%s: unknown strategy %q", name, s))
			}
		}
		if v.RatePerSec < 0 || v.Burst < 0 {
			errs = append(errs, fmt.Sprintf("venues.%s: rate_per_sec and burst must be >= 0", name))
		}
		if c.Paper() && !v.Paper {
			errs = append(errs, fmt.Sprintf("venues.%s: only paper venues may be enabled in paper mode", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, "venues: at least one venue must be enabled")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if !c.Paper() && c.Server.APIKey == "" {
			errs = append(errs, "server: api_key is required outside paper mode")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
