// Package config loads engine configuration from an HCL file. Every
// attribute is optional; missing values fall back to defaults that match the
// tuning the engine was built around.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

type Config struct {
	// StoreDir is the directory holding the backing .mbtiles files.
	StoreDir string `hcl:"store_dir,optional"`
	LogLevel string `hcl:"log_level,optional"`

	// CacheBudgetBytes bounds the in-memory tile cache. A single tile larger
	// than 10% of this budget is served but never cached.
	CacheBudgetBytes int64 `hcl:"cache_budget_bytes,optional"`

	// Prefetch tuning.
	PrefetchRadius            int     `hcl:"prefetch_radius,optional"`
	PrefetchZoomDeltas        []int   `hcl:"prefetch_zoom_deltas,optional"`
	PrefetchMaxQueue          int     `hcl:"prefetch_max_queue,optional"`
	PrefetchMovementThreshold float64 `hcl:"prefetch_movement_threshold,optional"`

	// Search tuning. POIZoom is the tile table zoom level the search engine
	// paginates; batch size is tiles per page.
	POIZoom                  int `hcl:"poi_zoom,optional"`
	SearchBatchSize          int `hcl:"search_batch_size,optional"`
	SearchProgressIntervalMS int `hcl:"search_progress_interval_ms,optional"`
	SearchYieldEvery         int `hcl:"search_yield_every,optional"`
	SearchParsedTileCache    int `hcl:"search_parsed_tile_cache,optional"`

	// Message-boundary timeouts. Tile requests are on the rendering path and
	// get the short one; scans and searches get the long one.
	RequestTimeoutMS int `hcl:"request_timeout_ms,optional"`
	IngestTimeoutMS  int `hcl:"ingest_timeout_ms,optional"`
}

// Default returns the built-in tuning.
func Default() *Config {
	return &Config{
		StoreDir:                  "tiles",
		LogLevel:                  "info",
		CacheBudgetBytes:          64 << 20,
		PrefetchRadius:            2,
		PrefetchZoomDeltas:        []int{-1, 1},
		PrefetchMaxQueue:          64,
		PrefetchMovementThreshold: 0.5,
		POIZoom:                   14,
		SearchBatchSize:           32,
		SearchProgressIntervalMS:  250,
		SearchYieldEvery:          200,
		SearchParsedTileCache:     128,
		RequestTimeoutMS:          2000,
		IngestTimeoutMS:           60000,
	}
}

// Load reads path and overlays it on the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	var file Config
	if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	overlay(cfg, &file)
	return cfg, nil
}

func overlay(dst, src *Config) {
	if src.StoreDir != "" {
		dst.StoreDir = src.StoreDir
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.CacheBudgetBytes > 0 {
		dst.CacheBudgetBytes = src.CacheBudgetBytes
	}
	if src.PrefetchRadius > 0 {
		dst.PrefetchRadius = src.PrefetchRadius
	}
	if len(src.PrefetchZoomDeltas) > 0 {
		dst.PrefetchZoomDeltas = src.PrefetchZoomDeltas
	}
	if src.PrefetchMaxQueue > 0 {
		dst.PrefetchMaxQueue = src.PrefetchMaxQueue
	}
	if src.PrefetchMovementThreshold > 0 {
		dst.PrefetchMovementThreshold = src.PrefetchMovementThreshold
	}
	if src.POIZoom > 0 {
		dst.POIZoom = src.POIZoom
	}
	if src.SearchBatchSize > 0 {
		dst.SearchBatchSize = src.SearchBatchSize
	}
	if src.SearchProgressIntervalMS > 0 {
		dst.SearchProgressIntervalMS = src.SearchProgressIntervalMS
	}
	if src.SearchYieldEvery > 0 {
		dst.SearchYieldEvery = src.SearchYieldEvery
	}
	if src.SearchParsedTileCache > 0 {
		dst.SearchParsedTileCache = src.SearchParsedTileCache
	}
	if src.RequestTimeoutMS > 0 {
		dst.RequestTimeoutMS = src.RequestTimeoutMS
	}
	if src.IngestTimeoutMS > 0 {
		dst.IngestTimeoutMS = src.IngestTimeoutMS
	}
}

// RequestTimeout is the short, rendering-path deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// IngestTimeout is the long deadline for scans and searches.
func (c *Config) IngestTimeout() time.Duration {
	return time.Duration(c.IngestTimeoutMS) * time.Millisecond
}

// ProgressInterval throttles search progress callbacks.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.SearchProgressIntervalMS) * time.Millisecond
}
