// Package api holds the value types shared between the engine, its two
// execution contexts, and external callers. Everything here is plain data:
// produced once, never mutated after construction.
package api

import (
	"encoding/json"
	"fmt"
)

// MaxZoom is the highest tile zoom level the engine will address.
const MaxZoom = 22

// Bounds is a geographic extent in west, south, east, north order (degrees).
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Contains reports whether the point lies inside the extent (inclusive).
func (b Bounds) Contains(lng, lat float64) bool {
	return lng >= b.West && lng <= b.East && lat >= b.South && lat <= b.North
}

// Center returns the midpoint of the extent.
func (b Bounds) Center() (lng, lat float64) {
	return (b.West + b.East) / 2, (b.South + b.North) / 2
}

// TileCoordinate addresses one tile of a logical source in XYZ convention
// (origin top-left). The source name is resolved against open databases at
// request time; it is never stored in any database.
type TileCoordinate struct {
	Source string `json:"source"`
	Z      uint8  `json:"z"`
	X      uint32 `json:"x"`
	Y      uint32 `json:"y"`
}

// Valid reports whether the coordinate is addressable: z in [0, MaxZoom]
// and x, y inside the 2^z grid.
func (t TileCoordinate) Valid() bool {
	if t.Z > MaxZoom {
		return false
	}
	max := uint32(1) << t.Z
	return t.X < max && t.Y < max
}

// Key returns the canonical cache/queue key for the coordinate.
func (t TileCoordinate) Key() string {
	return fmt.Sprintf("%s/%d/%d/%d", t.Source, t.Z, t.X, t.Y)
}

// DatabaseInfo describes one validated tile database as seen by the index.
// Bounds and the zoom range are optional: absent means the database matches
// any request for its source.
type DatabaseInfo struct {
	Filename     string   `json:"filename"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Format       string   `json:"format,omitempty"`
	Role         string   `json:"role,omitempty"`
	Bounds       *Bounds  `json:"bounds,omitempty"`
	MinZoom      *int     `json:"minzoom,omitempty"`
	MaxZoom      *int     `json:"maxzoom,omitempty"`
	VectorLayers []string `json:"vectorLayers,omitempty"`
}

// ScanReport is the outcome of one full scan of the backing store.
type ScanReport struct {
	TotalFiles     int      `json:"totalFiles"`
	SuccessfulDBs  int      `json:"successfulDbs"`
	CorruptedFiles []string `json:"corruptedFiles"`
	IndexKeys      []string `json:"indexKeys"`
}

// LatLng is a geographic point in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SearchOptions tune one search invocation.
type SearchOptions struct {
	// Language is a BCP-47-ish tag ("de", "fr"); the matching name property
	// is preferred when ranking a feature's names against the query.
	Language string `json:"language,omitempty"`
	// UserLocation, when set, reorders databases by distance from their
	// bounding-box center before scanning.
	UserLocation *LatLng `json:"userLocation,omitempty"`
}

// SearchResult is one matched feature. The tile coordinates are those of the
// tile the feature was read from, not of the tile containing its centroid,
// so provenance traces back to the exact tile surface.
type SearchResult struct {
	ID       string            `json:"id"`
	Names    map[string]string `json:"names"`
	Class    string            `json:"class,omitempty"`
	Subclass string            `json:"subclass,omitempty"`
	Category string            `json:"category,omitempty"`
	Lng      float64           `json:"lng"`
	Lat      float64           `json:"lat"`
	Database string            `json:"database"`
	Layer    string            `json:"layer"`
	Zoom     int               `json:"zoom"`
	TileX    uint32            `json:"tileX"`
	TileY    uint32            `json:"tileY"`
}

// DedupKey identifies a feature across overlapping databases. Feature ids
// are only unique within one layer of one database, so the id alone is not
// enough.
func (r SearchResult) DedupKey() string {
	return r.Database + "\x00" + r.Layer + "\x00" + r.ID
}

// SearchStatus is the terminal state of one search invocation.
type SearchStatus string

const (
	SearchCompleted SearchStatus = "completed" // limit reached
	SearchCancelled SearchStatus = "cancelled" // aborted cooperatively
	SearchExhausted SearchStatus = "exhausted" // database list exhausted
)

// CacheStats is a point-in-time snapshot of the memory cache.
type CacheStats struct {
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"sizeBytes"`
	MaxBytes  int64  `json:"maxBytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Rejected  uint64 `json:"rejected"`
}

// CachedTileInfo describes one cache entry for diagnostics.
type CachedTileInfo struct {
	Coord        TileCoordinate `json:"coord"`
	SizeBytes    int            `json:"sizeBytes"`
	AccessCount  int            `json:"accessCount"`
	AgeSeconds   float64        `json:"ageSeconds"`
	IdleSeconds  float64        `json:"idleSeconds"`
	FromPrefetch bool           `json:"fromPrefetch"`
}

// EngineStats aggregates both execution contexts.
type EngineStats struct {
	Cache           CacheStats `json:"cache"`
	OpenDatabases   int        `json:"openDatabases"`
	MergeFallbacks  uint64     `json:"mergeFallbacks"`
	TilesServed     uint64     `json:"tilesServed"`
	TilesPrefetched uint64     `json:"tilesPrefetched"`
	SearchesRun     uint64     `json:"searchesRun"`
}

// Request is one message into the engine. ID is the caller-supplied
// correlation id echoed back on the response.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id"`
}

// Response answers exactly one Request.
type Response struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id"`
	Error string          `json:"error,omitempty"`
}

// Notification is an unsolicited message from the engine: "ready" once at
// startup, "corrupted-database" whenever a scan quarantines a file.
type Notification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message type names understood by the protocol front-end.
const (
	MsgReady          = "ready"
	MsgCorruptedDB    = "corrupted-database"
	MsgScan           = "scan"
	MsgGetTile        = "getTile"
	MsgResolve        = "resolve"
	MsgUpdateViewport = "updateViewport"
	MsgSearch         = "search"
	MsgCancelSearch   = "cancelSearch"
	MsgGetStats       = "getStats"
	MsgClear          = "clear"
	MsgCacheContents  = "cacheContents"
	MsgTilesByZoom    = "tilesByZoom"
	MsgRecentTiles    = "recentTiles"
	MsgPopularTiles   = "popularTiles"
)
