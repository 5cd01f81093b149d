// Package config loads reconciler settings from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/picklr-io/reconciler/internal/state"
)

// Config holds every environment-driven setting. CLI flags override
// individual fields after Load.
type Config struct {
	LogLevel  string `env:"RECONCILER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RECONCILER_LOG_FORMAT" envDefault:"text"`

	Store     string `env:"RECONCILER_STORE" envDefault:"git"`
	LedgerDir string `env:"RECONCILER_LEDGER_DIR" envDefault:".reconciler"`

	GitRemote      string `env:"RECONCILER_GIT_REMOTE" envDefault:"origin"`
	GitAuthorName  string `env:"RECONCILER_GIT_AUTHOR_NAME" envDefault:"reconciler"`
	GitAuthorEmail string `env:"RECONCILER_GIT_AUTHOR_EMAIL"`
	GitToken       string `env:"RECONCILER_GIT_TOKEN"`

	S3Bucket    string `env:"RECONCILER_S3_BUCKET"`
	S3Prefix    string `env:"RECONCILER_S3_PREFIX" envDefault:"reconciler"`
	S3Region    string `env:"RECONCILER_S3_REGION" envDefault:"us-east-1"`
	S3LockTable string `env:"RECONCILER_S3_LOCK_TABLE"`
	S3Encrypt   bool   `env:"RECONCILER_S3_SSE"`
	AWSProfile  string `env:"RECONCILER_AWS_PROFILE"`

	EncryptionKey string `env:"RECONCILER_ENCRYPTION_KEY"`

	// Secrets lists secret names that must resolve before a deploy starts.
	Secrets       []string `env:"RECONCILER_SECRETS" envSeparator:","`
	SecretsPrefix string   `env:"RECONCILER_SECRETS_ENV_PREFIX" envDefault:"RECONCILER_SECRET_"`

	// SecretsManagerPrefix, when set, also looks secrets up in AWS Secrets
	// Manager under this name prefix.
	SecretsManagerPrefix string `env:"RECONCILER_SECRETS_MANAGER_PREFIX"`

	// CrashLog receives the actions in flight when the process is
	// interrupted mid-deploy.
	CrashLog string `env:"RECONCILER_CRASH_LOG" envDefault:"crash.log"`

	DryRun   bool `env:"RECONCILER_DRY_RUN"`
	NoRevert bool `env:"RECONCILER_NO_REVERT"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks combinations env parsing cannot express.
func (c *Config) Validate() error {
	switch c.Store {
	case "git", "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("store s3 requires RECONCILER_S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown store %q (want git, s3 or memory)", c.Store)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) < 16 {
		return fmt.Errorf("encryption key must be at least 16 characters")
	}
	return nil
}

// StoreConfig returns the ledger store settings.
func (c *Config) StoreConfig() *state.StoreConfig {
	return &state.StoreConfig{
		Type: c.Store,
		Dir:  c.LedgerDir,
		Git: state.GitOptions{
			Remote:      c.GitRemote,
			AuthorName:  c.GitAuthorName,
			AuthorEmail: c.GitAuthorEmail,
			Token:       c.GitToken,
		},
		S3: state.S3Options{
			Bucket:    c.S3Bucket,
			Prefix:    c.S3Prefix,
			Region:    c.S3Region,
			LockTable: c.S3LockTable,
			Encrypt:   c.S3Encrypt,
			Profile:   c.AWSProfile,
		},
		EncryptionKey: c.EncryptionKey,
	}
}
