package src

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", config.LogConfig.Level)
	assert.Equal(t, "json", config.LogConfig.Format)
	assert.Equal(t, "inmemory", config.SessionConfig.Backend)
	assert.Equal(t, uint32(1800), config.SessionConfig.DefaultTTLSecs)
	assert.Equal(t, uint32(60), config.SessionConfig.SweepSecs)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/3")
	t.Setenv("SESSION_NAMESPACE", "acme:session")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", config.SessionConfig.Backend)
	assert.Equal(t, "redis://localhost:6379/3", config.SessionConfig.RedisURL)
	assert.Equal(t, "acme:session", config.SessionConfig.Namespace)
	assert.Equal(t, "debug", config.LogConfig.Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `log:
  level: warn
  format: console
session:
  backend: redis
  redis_url: redis://cache:6379/0
  default_ttl_secs: 900
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	config, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", config.LogConfig.Level)
	assert.Equal(t, "console", config.LogConfig.Format)
	assert.Equal(t, "redis", config.SessionConfig.Backend)
	assert.Equal(t, uint32(900), config.SessionConfig.DefaultTTLSecs)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
