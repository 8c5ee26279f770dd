package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Operations.RetentionTTL)
	assert.Equal(t, 100, cfg.Operations.MaxMessages)
	assert.Equal(t, 15*time.Second, cfg.Operations.StreamHeartbeat)
	assert.Equal(t, 5*time.Minute, cfg.Operations.StreamMaxIdle)
	assert.Equal(t, "@every 1m", cfg.Operations.SweepSchedule)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Archive.Retention)
	assert.Equal(t, "core-cli", cfg.Emulator.CLIPath)
	assert.Equal(t, "http://www.msftncsi.com", cfg.Vhosts.NCSIURL)
	assert.Equal(t, "1.0.0.0", cfg.Vhosts.FallbackIP)
	assert.Empty(t, cfg.Security.Credentials)

	require.NoError(t, cfg.validate())
}

func TestLoad(t *testing.T) {
	t.Run("environment overrides defaults", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("FAUXNET_SERVER_PORT", "9191")
		t.Setenv("FAUXNET_OPERATIONS_RETENTION_TTL", "30m")
		t.Setenv("FAUXNET_SECURITY_CREDENTIALS", "operator:s3cret,viewer:peek")
		t.Setenv("FAUXNET_ARCHIVE_ENABLED", "false")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, 30*time.Minute, cfg.Operations.RetentionTTL)
		assert.False(t, cfg.Archive.Enabled)
		assert.Equal(t, 100, cfg.Operations.MaxMessages, "untouched fields keep their defaults")

		creds, err := cfg.ParseCredentials()
		require.NoError(t, err)
		assert.Equal(t, []Credential{{"operator", "s3cret"}, {"viewer", "peek"}}, creds)
	})

	t.Run("file then environment", func(t *testing.T) {
		dir := t.TempDir()
		chdir(t, dir)
		file := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 7070
operations:
  max_messages: 25
  stream_heartbeat: 5s
emulator:
  topology_dir: /srv/topologies
`), 0o644))
		t.Setenv("FAUXNET_SERVER_PORT", "7171")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 7171, cfg.Server.Port)
		assert.Equal(t, 25, cfg.Operations.MaxMessages)
		assert.Equal(t, 5*time.Second, cfg.Operations.StreamHeartbeat)
		assert.Equal(t, "/srv/topologies", cfg.Emulator.TopologyDir)
	})

	t.Run("explicit config path", func(t *testing.T) {
		chdir(t, t.TempDir())
		file := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(file, []byte("vhosts:\n  concurrency: 9\n"), 0o644))
		t.Setenv("FAUXNET_CONFIG", file)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Vhosts.Concurrency)
	})

	t.Run("invalid file", func(t *testing.T) {
		chdir(t, t.TempDir())
		require.NoError(t, os.WriteFile("config.yaml", []byte("server: [not, a, map"), 0o644))

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("invalid env value", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("FAUXNET_SERVER_PORT", "eighty")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "read timeout"},
		{"zero messages", func(c *Config) { c.Operations.MaxMessages = 0 }, "max messages"},
		{"heartbeat not below idle", func(c *Config) { c.Operations.StreamHeartbeat = 10 * time.Minute }, "must be shorter"},
		{"malformed credential", func(c *Config) { c.Security.Credentials = []string{"no-colon"} }, "principal:token"},
		{"empty token", func(c *Config) { c.Security.Credentials = []string{"alice:"} }, "principal:token"},
		{"archive without path", func(c *Config) { c.Archive.Path = "" }, "archive path"},
		{"cors without origins", func(c *Config) { c.Security.AllowedOrigins = nil }, "allowed origin"},
		{"negative depth", func(c *Config) { c.Vhosts.DefaultDepth = -1 }, "depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateNormalizes(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "syslog"
	cfg.Vhosts.Concurrency = 0

	require.NoError(t, cfg.validate())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "console", cfg.Logging.Output)
	assert.Equal(t, 1, cfg.Vhosts.Concurrency)
}

func TestCredentialHashed(t *testing.T) {
	assert.True(t, Credential{Token: "$2a$10$abcdefghijklmnopqrstuv"}.Hashed())
	assert.False(t, Credential{Token: "plain"}.Hashed())
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "127.0.0.1"
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
