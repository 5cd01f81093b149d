package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "git", cfg.Store)
	assert.Equal(t, ".reconciler", cfg.LedgerDir)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "crash.log", cfg.CrashLog)
	assert.False(t, cfg.DryRun)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RECONCILER_STORE", "s3")
	t.Setenv("RECONCILER_S3_BUCKET", "ledgers")
	t.Setenv("RECONCILER_S3_LOCK_TABLE", "locks")
	t.Setenv("RECONCILER_SECRETS", "db-password,api-token")
	t.Setenv("RECONCILER_DRY_RUN", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"db-password", "api-token"}, cfg.Secrets)
	assert.True(t, cfg.DryRun)

	sc := cfg.StoreConfig()
	assert.Equal(t, "s3", sc.Type)
	assert.Equal(t, "ledgers", sc.S3.Bucket)
	assert.Equal(t, "locks", sc.S3.LockTable)
	assert.Equal(t, "reconciler", sc.S3.Prefix)
}

func TestLoadInvalidBool(t *testing.T) {
	t.Setenv("RECONCILER_NO_REVERT", "maybe")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"s3 without bucket", func(c *Config) { c.Store = "s3" }, "RECONCILER_S3_BUCKET"},
		{"unknown store", func(c *Config) { c.Store = "etcd" }, "unknown store"},
		{"unknown format", func(c *Config) { c.LogFormat = "xml" }, "unknown log format"},
		{"short key", func(c *Config) { c.EncryptionKey = "short" }, "at least 16"},
		{"memory ok", func(c *Config) { c.Store = "memory" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
