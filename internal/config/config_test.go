package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailmirror.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[sync]
page_size = 50
max_backoff = "10s"

[bulk]
concurrency = 4

[logging]
level = "debug"
`), 0o600))

	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, "10s", cfg.Sync.MaxBackoff)
	assert.Equal(t, 4, cfg.Bulk.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	// untouched defaults survive
	assert.Equal(t, 10, cfg.Sync.FetchConcurrency)
	assert.Equal(t, 1000, cfg.Explorer.MaxLimit)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Sync.PageSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Sync.InitialBackoff = "soon"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.NATS.MaxAge = "forever"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.NATS.URL = "nats://127.0.0.1:4222"
	bad.NATS.Stream = ""
	assert.Error(t, bad.Validate())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, Duration("2s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
}
