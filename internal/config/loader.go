package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration in three layers: built-in defaults, then the TOML
// file at path (skipped if path is empty or missing), then CALLVAULT_*
// environment variables. A .env file in the working directory is loaded
// first so local development can keep secrets out of the TOML file.
func Load(path string) (*Config, error) {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites config fields from CALLVAULT_* environment
// variables. Only variables that are set and non-empty take effect.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "CALLVAULT_MODE")
	setStr(&cfg.LogLevel, "CALLVAULT_LOG_LEVEL")

	setStr(&cfg.Signer.PrivateKey, "CALLVAULT_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "CALLVAULT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "CALLVAULT_KEY_PASSWORD")

	setInt64(&cfg.Chain.ChainID, "CALLVAULT_CHAIN_ID")
	setStr(&cfg.Chain.Deployer, "CALLVAULT_DEPLOYER")

	setStr(&cfg.Protocol.EngineAddress, "CALLVAULT_ENGINE_ADDRESS")
	setDuration(&cfg.Protocol.MinOptionDuration, "CALLVAULT_MIN_OPTION_DURATION")
	setDuration(&cfg.Protocol.AuctionWindow, "CALLVAULT_AUCTION_WINDOW")
	setStringSlice(&cfg.Protocol.AllowedCollections, "CALLVAULT_ALLOWED_COLLECTIONS")
	setStringSlice(&cfg.Protocol.Pausers, "CALLVAULT_PAUSERS")
	setStringSlice(&cfg.Protocol.Configurers, "CALLVAULT_CONFIGURERS")

	setStr(&cfg.Postgres.DSN, "CALLVAULT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CALLVAULT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CALLVAULT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CALLVAULT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CALLVAULT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CALLVAULT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CALLVAULT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "CALLVAULT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "CALLVAULT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CALLVAULT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CALLVAULT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "CALLVAULT_REDIS_TLS")

	setStr(&cfg.S3.Endpoint, "CALLVAULT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CALLVAULT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CALLVAULT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CALLVAULT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CALLVAULT_S3_SECRET_KEY")

	setBool(&cfg.Sweeper.Enabled, "CALLVAULT_SWEEPER_ENABLED")
	setDuration(&cfg.Sweeper.Interval, "CALLVAULT_SWEEPER_INTERVAL")
	setInt(&cfg.Sweeper.ArchiveRetentionDays, "CALLVAULT_ARCHIVE_RETENTION_DAYS")

	setBool(&cfg.Server.Enabled, "CALLVAULT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CALLVAULT_SERVER_PORT")
	setInt(&cfg.Server.RateLimitPerMin, "CALLVAULT_SERVER_RATE_LIMIT_PER_MIN")
	setStringSlice(&cfg.Server.CORSOrigins, "CALLVAULT_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "CALLVAULT_API_KEYS")

	setStr(&cfg.Notify.TelegramToken, "CALLVAULT_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CALLVAULT_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CALLVAULT_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CALLVAULT_NOTIFY_EVENTS")
}

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
