package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "cn=changelog", cfg.LDAP.ChangelogDN)
	assert.Equal(t, time.Second, cfg.LDAP.PollInterval)
	assert.Equal(t, 1000, cfg.LDAP.PageSize)
	assert.Equal(t, 64*1024, cfg.Token.MaxBytes)
	assert.Equal(t, 15*time.Minute, cfg.Token.MaxSkew)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
redis:
  url: redis://cache.internal:6379/1
ldap:
  url: ldaps://ufds.internal
  bind_dn: cn=reader
  bind_password: hunter2
  poll_interval: 2s
token:
  keys:
    key-1: sekrit
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis://cache.internal:6379/1", cfg.Redis.URL)
	assert.Equal(t, "ldaps://ufds.internal", cfg.LDAP.URL)
	assert.Equal(t, "cn=reader", cfg.LDAP.BindDN)
	assert.Equal(t, 2*time.Second, cfg.LDAP.PollInterval)
	assert.Equal(t, "sekrit", cfg.Token.Keys["key-1"])
	assert.Equal(t, "debug", cfg.Log.Level)

	// The search timeout derives from the poll interval when unset.
	assert.Equal(t, time.Second, cfg.LDAP.Timeout)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("AUTHCACHE_REDIS_URL", "redis://env.internal:6379/0")
	t.Setenv("AUTHCACHE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://env.internal:6379/0", cfg.Redis.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}
