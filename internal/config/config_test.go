package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Jobs.ManyFailures)
	assert.Equal(t, 72*time.Hour, cfg.Jobs.FailureCooldown)
	assert.Equal(t, 5*time.Second, cfg.Jobs.MinJitter)
	assert.Equal(t, 30*time.Second, cfg.Jobs.MaxJitter)
	assert.True(t, cfg.Jobs.EnablePeriodic)
	assert.Equal(t, 3*time.Minute, cfg.Jobs.RunScheduledEvery)
	assert.Equal(t, "classifiers/{pk}.model", cfg.Spacer.ModelFilePattern)
	assert.InDelta(t, 1.01, cfg.Vision.ImprovementThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Vision.ScoresPerAnnotation)
	assert.Equal(t, 10000, cfg.Email.SizeSoftLimit)
	assert.Equal(t, 3, cfg.Worker.Queues["spacer"])
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://coralnet@localhost/coralnet
jobs:
  many_failures: 8
  failure_cooldown: 24h
vision:
  improvement_threshold: 1.05
email:
  provider: smtp
  from: noreply@coralnet.ucsd.edu
  admins: [ops@example.org]
  smtp:
    host: mail.example.org
`), 0o600))
	t.Setenv("CORALNET_JOBS_MANY_FAILURES", "9")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 9, cfg.Jobs.ManyFailures)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.FailureCooldown)
	assert.InDelta(t, 1.05, cfg.Vision.ImprovementThreshold, 1e-9)
	assert.Equal(t, []string{"ops@example.org"}, cfg.Email.Admins)
	assert.Equal(t, "587", cfg.Email.SMTP.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Address)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: [unclosed"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	base := func() *Config {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"queue priority", func(c *Config) { c.Worker.Queues = map[string]int{"default": 0} }, "priority"},
		{"jitter", func(c *Config) { c.Jobs.MaxJitter = time.Second }, "jitter"},
		{"pattern", func(c *Config) { c.Spacer.ModelFilePattern = "classifiers/model" }, "{pk}"},
		{"backend", func(c *Config) { c.Spacer.Backend = "sqs" }, "spacer.backend"},
		{"mailgun", func(c *Config) { c.Email.Provider = "mailgun"; c.Email.From = "a@b" }, "mailgun"},
		{"from", func(c *Config) { c.Email.Provider = "smtp"; c.Email.SMTP.Host = "h" }, "email.from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
