// Package search runs best-effort, latency-bounded full-text search over the
// feature names embedded in vector tiles. It is not a geocoder: it scans
// whatever POI databases are present, nearest-first, and stops at the result
// limit. Cancellation is cooperative, checked between tile batches and at a
// fixed feature-count cadence, never preemptive.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/geo/s2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/mbtiles"
	"github.com/offgridmaps/tilecore/internal/vtile"
)

// poiTokens mark a filename as likely point-of-interest content.
var poiTokens = []string{"poi", "place", "amenity"}

type Config struct {
	// POIZoom is the tiles-relation zoom level scanned for features.
	POIZoom int
	// BatchSize is tiles per pagination step.
	BatchSize int
	// ProgressInterval throttles progress callbacks to wall-clock time.
	ProgressInterval time.Duration
	// YieldEvery is the feature-count cadence for cancellation checks.
	YieldEvery int
	// ParsedTileCache bounds the LRU of decoded, projected tiles.
	ParsedTileCache int
}

// Progress receives the accumulated result set so far, at most once per
// ProgressInterval.
type Progress func(results []api.SearchResult)

type parsedKey struct {
	db  string
	z   uint8
	col uint32
	row uint32
}

// Engine scans vector-tile feature tables. It keeps a bounded cache of
// parsed tiles so repeated searches over the same area skip the
// decompress/decode work.
type Engine struct {
	cfg    Config
	log    *zap.Logger
	parsed *lru.Cache[parsedKey, mvt.Layers]
}

func New(cfg Config, log *zap.Logger) (*Engine, error) {
	if cfg.POIZoom <= 0 {
		cfg.POIZoom = 14
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	if cfg.YieldEvery <= 0 {
		cfg.YieldEvery = 200
	}
	if cfg.ParsedTileCache <= 0 {
		cfg.ParsedTileCache = 128
	}
	parsed, err := lru.New[parsedKey, mvt.Layers](cfg.ParsedTileCache)
	if err != nil {
		return nil, fmt.Errorf("parsed tile cache: %w", err)
	}
	return &Engine{cfg: cfg, log: log, parsed: parsed}, nil
}

// Search scans the POI databases among dbs for features whose names match
// query, delivering up to limit results. A cancelled context returns the
// partial result set with SearchCancelled — cancellation is an outcome, not
// an error.
func (e *Engine) Search(ctx context.Context, dbs []*mbtiles.DB, query string, limit int,
	opts api.SearchOptions, onProgress Progress) ([]api.SearchResult, api.SearchStatus, error) {

	queryNorm := Normalize(query)
	queryWords := splitWords(queryNorm)
	if queryNorm == "" || len(queryWords) == 0 {
		return nil, api.SearchExhausted, nil
	}
	if limit <= 0 {
		limit = 20
	}

	selected := selectPOIDatabases(dbs)
	orderByDistance(selected, opts.UserLocation)

	results := make([]api.SearchResult, 0, limit)
	seen := make(map[string]struct{})
	lastProgress := time.Now()
	sinceYield := 0

	emit := func(force bool) {
		if onProgress == nil {
			return
		}
		if !force && time.Since(lastProgress) < e.cfg.ProgressInterval {
			return
		}
		lastProgress = time.Now()
		snapshot := make([]api.SearchResult, len(results))
		copy(snapshot, results)
		onProgress(snapshot)
	}

	for _, db := range selected {
		offset := 0
		for {
			if ctx.Err() != nil {
				emit(true)
				return results, api.SearchCancelled, nil
			}

			page, err := db.TilePage(uint8(e.cfg.POIZoom), e.cfg.BatchSize, offset)
			if err != nil {
				// One broken database never aborts the sweep.
				e.log.Warn("search: skipping database", zap.String("db", db.Filename), zap.Error(err))
				break
			}
			if len(page) == 0 {
				break
			}
			offset += len(page)

			for _, raw := range page {
				layers, ok := e.parseTile(db, raw)
				if !ok {
					continue
				}
				xyzY := mbtiles.TMSRow(uint8(e.cfg.POIZoom), raw.Row)

				for _, layer := range layers {
					for _, f := range layer.Features {
						sinceYield++
						if sinceYield >= e.cfg.YieldEvery {
							sinceYield = 0
							if ctx.Err() != nil {
								emit(true)
								return results, api.SearchCancelled, nil
							}
						}

						r, ok := matchFeature(f, queryNorm, queryWords, opts.Language)
						if !ok {
							continue
						}
						r.Database = db.Filename
						r.Layer = layer.Name
						r.Zoom = e.cfg.POIZoom
						r.TileX = raw.Col
						r.TileY = xyzY

						if _, dup := seen[r.DedupKey()]; dup {
							continue
						}
						seen[r.DedupKey()] = struct{}{}
						results = append(results, r)
						emit(false)

						if len(results) >= limit {
							emit(true)
							return results, api.SearchCompleted, nil
						}
					}
				}
			}

			if len(page) < e.cfg.BatchSize {
				break
			}
		}
	}

	emit(true)
	return results, api.SearchExhausted, nil
}

// parseTile decompresses, decodes and projects one tile to WGS84, through the
// LRU. A malformed tile is skipped, never fatal.
func (e *Engine) parseTile(db *mbtiles.DB, raw mbtiles.RawTile) (mvt.Layers, bool) {
	key := parsedKey{db: db.Filename, z: uint8(e.cfg.POIZoom), col: raw.Col, row: raw.Row}
	if layers, ok := e.parsed.Get(key); ok {
		return layers, true
	}

	data, err := vtile.Decompress(raw.Data)
	if err != nil {
		return nil, false
	}
	layers, err := vtile.Decode(data)
	if err != nil {
		return nil, false
	}

	z := uint8(e.cfg.POIZoom)
	tile := maptile.New(raw.Col, mbtiles.TMSRow(z, raw.Row), maptile.Zoom(z))
	for _, layer := range layers {
		layer.ProjectToWGS84(tile)
	}

	e.parsed.Add(key, layers)
	return layers, true
}

// matchFeature tests a feature's name properties in language-priority order
// and builds the result on the first hit.
func matchFeature(f *geojson.Feature, queryNorm string, queryWords []string, language string) (api.SearchResult, bool) {
	names := collectNames(f.Properties)
	if len(names) == 0 {
		return api.SearchResult{}, false
	}

	matched := false
	for _, key := range nameOrder(names, language) {
		if matches(queryNorm, queryWords, Normalize(names[key])) {
			matched = true
			break
		}
	}
	if !matched {
		return api.SearchResult{}, false
	}

	centroid, _ := planar.CentroidArea(f.Geometry)
	r := api.SearchResult{
		ID:    featureID(f, names),
		Names: names,
		Lng:   centroid[0],
		Lat:   centroid[1],
	}
	if v, ok := f.Properties["class"].(string); ok {
		r.Class = v
	}
	if v, ok := f.Properties["subclass"].(string); ok {
		r.Subclass = v
	}
	if v, ok := f.Properties["category"].(string); ok {
		r.Category = v
	}
	return r, true
}

// featureID prefers the encoded feature id; tiles authored without ids fall
// back to the primary name so deduplication still has something to key on.
func featureID(f *geojson.Feature, names map[string]string) string {
	if f.ID != nil {
		return fmt.Sprintf("%v", f.ID)
	}
	if n, ok := names["name"]; ok {
		return n
	}
	for _, k := range nameOrder(names, "") {
		return names[k]
	}
	return ""
}

// collectNames pulls the "name" and "name:*" properties.
func collectNames(props geojson.Properties) map[string]string {
	var names map[string]string
	for k, v := range props {
		if k != "name" && !strings.HasPrefix(k, "name:") {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		if names == nil {
			names = make(map[string]string)
		}
		names[k] = s
	}
	return names
}

// nameOrder ranks name keys: requested language, then "name", then
// "name:en", then the rest alphabetically.
func nameOrder(names map[string]string, language string) []string {
	var ordered []string
	pushed := make(map[string]bool)
	push := func(k string) {
		if _, ok := names[k]; ok && !pushed[k] {
			ordered = append(ordered, k)
			pushed[k] = true
		}
	}
	if language != "" {
		push("name:" + language)
	}
	push("name")
	push("name:en")

	rest := make([]string, 0, len(names))
	for k := range names {
		if !pushed[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// selectPOIDatabases keeps databases whose filename suggests POI content.
func selectPOIDatabases(dbs []*mbtiles.DB) []*mbtiles.DB {
	var out []*mbtiles.DB
	for _, db := range dbs {
		lower := strings.ToLower(db.Filename)
		for _, tok := range poiTokens {
			if strings.Contains(lower, tok) {
				out = append(out, db)
				break
			}
		}
	}
	return out
}

// orderByDistance sorts databases by distance from their bounding-box center
// to the user location; a database whose bounds contain the point sorts at
// distance zero. Databases without bounds keep their relative order at the
// end.
func orderByDistance(dbs []*mbtiles.DB, loc *api.LatLng) {
	if loc == nil {
		return
	}
	user := s2.LatLngFromDegrees(loc.Lat, loc.Lng)
	dist := func(db *mbtiles.DB) float64 {
		b := db.Info.Bounds
		if b == nil {
			return 1e18
		}
		if b.Contains(loc.Lng, loc.Lat) {
			return 0
		}
		lng, lat := b.Center()
		return user.Distance(s2.LatLngFromDegrees(lat, lng)).Radians()
	}
	sort.SliceStable(dbs, func(i, j int) bool { return dist(dbs[i]) < dist(dbs[j]) })
}
