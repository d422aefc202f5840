package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1000, cfg.Cache.MaximumSize)
	assert.Equal(t, 30*time.Minute, cfg.Cache.ExpireAfterWrite)
	assert.Equal(t, 100, cfg.Builder.Workers)
	assert.Equal(t, 1.0, cfg.Replay.DefaultRate)
	assert.Equal(t, "sensor_data_", cfg.TimeSeries.TablePrefix)
	assert.Equal(t, ":8088", cfg.RESTAddr())
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.yaml")
	yml := `
server:
  rest_port: 9000
cache:
  maximum_size: 5
  expire_after_write: 2m
builder:
  workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("BUILDER_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.RESTPort)
	assert.Equal(t, 5, cfg.Cache.MaximumSize)
	assert.Equal(t, 2*time.Minute, cfg.Cache.ExpireAfterWrite)
	assert.Equal(t, 8, cfg.Builder.Workers)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Cache.Backend = "memcached"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.TimeSeries.Driver = "mysql"
	assert.Error(t, cfg.Validate(), "mysql without dsn")

	cfg = Default()
	cfg.Catalog.Driver = "mongo"
	assert.Error(t, cfg.Validate(), "mongo without uri")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNotifyWebhooksFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")
	yml := `
catalog:
  driver: sqlite
  dsn: file:catalog.db
notify:
  webhooks:
    - name: audit
      url: http://localhost:9090/hook
      events: [replay.completed]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Notify.Webhooks, 1)
	assert.Equal(t, []string{"replay.completed"}, cfg.Notify.Webhooks[0].Events)
	assert.Equal(t, 3, cfg.Notify.RetryCount)
	assert.Equal(t, "trial-replay", cfg.Notify.ServerID)

	cfg.Notify.Webhooks[0].URL = ""
	assert.Error(t, cfg.Validate())
}
