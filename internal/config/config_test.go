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
	assert.Equal(t, "tiles", cfg.StoreDir)
	assert.Equal(t, int64(64<<20), cfg.CacheBudgetBytes)
	assert.Equal(t, 2, cfg.PrefetchRadius)
	assert.Equal(t, []int{-1, 1}, cfg.PrefetchZoomDeltas)
	assert.Equal(t, 14, cfg.POIZoom)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout())
	assert.Equal(t, time.Minute, cfg.IngestTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tilecore.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
store_dir            = "/data/tiles"
cache_budget_bytes   = 1048576
prefetch_zoom_deltas = [-2, -1, 1]
poi_zoom             = 13
request_timeout_ms   = 500
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/tiles", cfg.StoreDir)
	assert.Equal(t, int64(1048576), cfg.CacheBudgetBytes)
	assert.Equal(t, []int{-2, -1, 1}, cfg.PrefetchZoomDeltas)
	assert.Equal(t, 13, cfg.POIZoom)
	assert.Equal(t, 500*time.Millisecond, cfg.RequestTimeout())

	// Attributes absent from the file keep their defaults.
	assert.Equal(t, 2, cfg.PrefetchRadius)
	assert.Equal(t, 32, cfg.SearchBatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.hcl"))
	assert.Error(t, err)
}
