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

	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "0.0.0.0:3000", cfg.Server.HTTP.Addr())
	assert.Equal(t, 30*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Relay.PongTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Voice.CacheTTL)
	assert.Equal(t, 10000, cfg.Voice.CacheSize)
	assert.Equal(t, "none", cfg.Storage.Search.Driver)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.Storage.Search.Addresses)
	assert.Equal(t, "https://api.weixin.qq.com", cfg.WeChat.APIURL)
	assert.Equal(t, "0 * * * *", cfg.Schedule.VoiceCacheEvict)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.App.IsDevelopment())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WECHAT_TOKEN", "tok")
	t.Setenv("PORT", "8080")
	t.Setenv("NODE_ENV", "development")
	t.Setenv("QUEUE_WORKERS", "9")
	t.Setenv("ELASTICSEARCH_URL", "http://es:9200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.WeChat.Token)
	assert.Equal(t, 8080, cfg.Server.HTTP.Port)
	assert.True(t, cfg.App.IsDevelopment())
	assert.Equal(t, 9, cfg.Queue.Workers)
	assert.Equal(t, []string{"http://es:9200"}, cfg.Storage.Search.Addresses)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
storage:
  driver: pebble
  pebble_path: /tmp/relay-pebble
relay:
  ping_interval: 10s
  pong_timeout: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pebble", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/relay-pebble", cfg.Storage.PebblePath)
	assert.Equal(t, 10*time.Second, cfg.Relay.PingInterval)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Storage.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Driver = "mongo"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Search.Driver = "solr"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Search.Driver = "elasticsearch"
	assert.NoError(t, cfg.Validate())
	cfg.Storage.Search.Index = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Relay.Bridge = "redis"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Relay.Delivery = "multicast"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Relay.PongTimeout = cfg.Relay.PingInterval
	assert.Error(t, cfg.Validate())
}
