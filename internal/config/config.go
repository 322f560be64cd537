// Package config defines the top-level configuration for the vault node and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by CALLVAULT_* environment
// variables.
type Config struct {
	Signer   SignerConfig   `toml:"signer"`
	Chain    ChainConfig    `toml:"chain"`
	Protocol ProtocolConfig `toml:"protocol"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// SignerConfig holds the node operator's signing credentials, used for
// relayed entitlement submissions and test-vector generation.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the ledger-domain parameters that anchor signatures and
// deterministic vault addresses.
type ChainConfig struct {
	ChainID  int64  `toml:"chain_id"`
	Deployer string `toml:"deployer"`
}

// ProtocolConfig holds the option-engine and access-policy parameters.
type ProtocolConfig struct {
	EngineAddress      string   `toml:"engine_address"`
	MinOptionDuration  duration `toml:"min_option_duration"`
	AuctionWindow      duration `toml:"auction_window"`
	AllowedCollections []string `toml:"allowed_collections"`
	Pausers            []string `toml:"pausers"`
	Configurers        []string `toml:"configurers"`
}

// AllowedCollectionSet parses the allowlist into address form; nil means
// every collection is admitted.
func (p ProtocolConfig) AllowedCollectionSet() map[common.Address]bool {
	if len(p.AllowedCollections) == 0 {
		return nil
	}
	set := make(map[common.Address]bool, len(p.AllowedCollections))
	for _, s := range p.AllowedCollections {
		set[common.HexToAddress(s)] = true
	}
	return set
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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

// SweeperConfig holds the expiry-sweep and archival parameters.
type SweeperConfig struct {
	Enabled              bool     `toml:"enabled"`
	Interval             duration `toml:"interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKeys         []string `toml:"api_keys"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"` // 0 disables per-IP limiting
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:  1,
			Deployer: "0x0000000000000000000000000000000000000001",
		},
		Protocol: ProtocolConfig{
			EngineAddress:     "0x0000000000000000000000000000000000000002",
			MinOptionDuration: duration{24 * time.Hour},
			AuctionWindow:     duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "callvault",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "callvault-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Sweeper: SweeperConfig{
			Enabled:              true,
			Interval:             duration{time.Minute},
			ArchiveRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin: 600,
		},
		Notify: NotifyConfig{
			Events: []string{"option.settled", "option.expired", "option.reclaimed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"node":   true,
	"sweep":  true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: node, sweep, server, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
		errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
	}

	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}
	if !common.IsHexAddress(c.Chain.Deployer) {
		errs = append(errs, fmt.Sprintf("chain: deployer %q is not a valid address", c.Chain.Deployer))
	}

	if !common.IsHexAddress(c.Protocol.EngineAddress) {
		errs = append(errs, fmt.Sprintf("protocol: engine_address %q is not a valid address", c.Protocol.EngineAddress))
	}
	if c.Protocol.MinOptionDuration.Duration <= 0 {
		errs = append(errs, "protocol: min_option_duration must be positive")
	}
	if c.Protocol.AuctionWindow.Duration <= 0 {
		errs = append(errs, "protocol: auction_window must be positive")
	}
	for _, a := range c.Protocol.AllowedCollections {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("protocol: allowed collection %q is not a valid address", a))
		}
	}
	for _, a := range append(append([]string{}, c.Protocol.Pausers...), c.Protocol.Configurers...) {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("protocol: role holder %q is not a valid address", a))
		}
	}

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

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	if c.Sweeper.Enabled {
		if c.Sweeper.Interval.Duration <= 0 {
			errs = append(errs, "sweeper: interval must be positive when enabled")
		}
		if c.Sweeper.ArchiveRetentionDays < 1 {
			errs = append(errs, "sweeper: archive_retention_days must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server: rate_limit_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
