package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, 24*time.Hour, cfg.Protocol.MinOptionDuration.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Protocol.AuctionWindow.Duration)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Chain.ChainID = 0
	cfg.Protocol.AuctionWindow.Duration = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "chain_id must be positive")
	assert.Contains(t, err.Error(), "auction_window must be positive")
	assert.Contains(t, err.Error(), "redis: addr must not be empty")
}

func TestValidateAddresses(t *testing.T) {
	cfg := Defaults()
	cfg.Protocol.AllowedCollections = []string{"not-an-address"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid address")
}

func TestLoadTOMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
mode = "sweep"
log_level = "debug"

[chain]
chain_id = 31337
deployer = "0x00000000000000000000000000000000000000aa"

[protocol]
min_option_duration = "12h"
auction_window = "6h"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("CALLVAULT_MODE", "node")
	t.Setenv("CALLVAULT_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	// env beats file, file beats defaults
	assert.Equal(t, "node", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(31337), cfg.Chain.ChainID)
	assert.Equal(t, 12*time.Hour, cfg.Protocol.MinOptionDuration.Duration)
	assert.Equal(t, 6*time.Hour, cfg.Protocol.AuctionWindow.Duration)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Port, cfg.Server.Port)
}

func TestAllowedCollectionSet(t *testing.T) {
	p := ProtocolConfig{}
	assert.Nil(t, p.AllowedCollectionSet())

	p.AllowedCollections = []string{"0x00000000000000000000000000000000000000bb"}
	set := p.AllowedCollectionSet()
	require.Len(t, set, 1)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Signer.PrivateKey = "0xdeadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "secret"
	cfg.Server.APIKeys = []string{"key-1"}

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Signer.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, []string{"***"}, red.Server.APIKeys)

	// original untouched
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
