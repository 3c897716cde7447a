// Package index enumerates the backing store, validates every candidate tile
// database, and answers facet lookups (filename, bounds, zoom range) plus
// source resolution for tile requests.
//
// A re-scan clears the whole index and every open handle first — there is no
// incremental path. Scanning is idempotent but must be serialized against
// in-flight tile and search reads by the caller; the index does no internal
// locking because it lives inside a single-threaded execution context.
package index

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/mbtiles"
)

// BasemapSource is the logical source name that resolves to every open
// non-overlay database.
const BasemapSource = "basemap"

// Index owns the set of open databases for one execution context. A database
// is either fully registered (entry + open handle) or fully absent; no
// partial state survives a scan.
type Index struct {
	root  string
	store billy.Filesystem
	log   *zap.Logger

	dbs   []*mbtiles.DB            // scan encounter order
	byKey map[string][]*mbtiles.DB // facet key → databases

	// onCorrupted, when set, is invoked once per quarantined file.
	onCorrupted func(filename string)
}

// New builds an index over the store rooted at dir. No databases are open
// until the first Scan.
func New(dir string, log *zap.Logger) *Index {
	return &Index{
		root:  dir,
		store: osfs.New(dir),
		log:   log,
		byKey: make(map[string][]*mbtiles.DB),
	}
}

// OnCorrupted registers the corrupted-file notification hook. Must be set
// before Scan.
func (ix *Index) OnCorrupted(fn func(filename string)) {
	ix.onCorrupted = fn
}

// Scan enumerates *.mbtiles files, validates each, deletes the ones that fail
// validation, and rebuilds the facet index from scratch. Corrupted files are
// never retried; the caller must re-supply them.
func (ix *Index) Scan() (api.ScanReport, error) {
	ix.closeAll()

	report := api.ScanReport{CorruptedFiles: []string{}}

	entries, err := ix.store.ReadDir(".")
	if err != nil {
		return report, fmt.Errorf("enumerate store %s: %w", ix.root, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".mbtiles") {
			continue
		}
		report.TotalFiles++

		db, err := mbtiles.Open(filepath.Join(ix.root, name))
		if err != nil {
			ix.log.Warn("quarantining corrupted database",
				zap.String("file", name), zap.Error(err))
			if rmErr := ix.store.Remove(name); rmErr != nil {
				ix.log.Warn("could not delete corrupted database",
					zap.String("file", name), zap.Error(rmErr))
			}
			report.CorruptedFiles = append(report.CorruptedFiles, name)
			if ix.onCorrupted != nil {
				ix.onCorrupted(name)
			}
			continue
		}

		ix.register(db)
		report.SuccessfulDBs++
	}

	report.IndexKeys = ix.Keys()
	return report, nil
}

// register files the database under every facet key it can be looked up by.
func (ix *Index) register(db *mbtiles.DB) {
	ix.dbs = append(ix.dbs, db)

	keys := []string{
		db.Filename,
		strings.TrimSuffix(db.Filename, filepath.Ext(db.Filename)),
	}

	if db.Info.MinZoom != nil && db.Info.MaxZoom != nil {
		keys = append(keys, fmt.Sprintf("zoom:%d-%d", *db.Info.MinZoom, *db.Info.MaxZoom))
	} else {
		min, max := db.ZoomRange()
		keys = append(keys, fmt.Sprintf("zoom:%d-%d", min, max))
	}

	if b := db.Info.Bounds; b != nil {
		keys = append(keys, fmt.Sprintf("bounds:%.4f,%.4f,%.4f,%.4f", b.West, b.South, b.East, b.North))
	}

	for _, k := range keys {
		ix.byKey[k] = append(ix.byKey[k], db)
	}
}

// Resolve returns the ordered candidate databases for one tile request.
// Ordinary sources match by filename substring; the basemap source matches
// every non-overlay database. Databases whose declared zoom range or bounds
// exclude the coordinate are filtered out.
func (ix *Index) Resolve(coord api.TileCoordinate) []*mbtiles.DB {
	if !coord.Valid() {
		return nil
	}

	var tileBound = maptile.New(coord.X, coord.Y, maptile.Zoom(coord.Z)).Bound()
	var out []*mbtiles.DB
	source := strings.ToLower(coord.Source)

	for _, db := range ix.dbs {
		if coord.Source == BasemapSource {
			if db.IsOverlay() {
				continue
			}
		} else if !strings.Contains(strings.ToLower(db.Filename), source) {
			continue
		}
		if !db.MatchesZoom(coord.Z) {
			continue
		}
		if b := db.Info.Bounds; b != nil {
			if tileBound.Max[0] < b.West || tileBound.Min[0] > b.East ||
				tileBound.Max[1] < b.South || tileBound.Min[1] > b.North {
				continue
			}
		}
		out = append(out, db)
	}
	return out
}

// Lookup returns the databases registered under one facet key.
func (ix *Index) Lookup(key string) []*mbtiles.DB {
	return ix.byKey[key]
}

// Keys returns every facet key, sorted.
func (ix *Index) Keys() []string {
	keys := make([]string, 0, len(ix.byKey))
	for k := range ix.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Databases returns every open database in scan encounter order.
func (ix *Index) Databases() []*mbtiles.DB {
	return ix.dbs
}

// Close releases all handles and empties the index.
func (ix *Index) Close() {
	ix.closeAll()
}

func (ix *Index) closeAll() {
	for _, db := range ix.dbs {
		if err := db.Close(); err != nil {
			ix.log.Warn("closing database", zap.String("file", db.Filename), zap.Error(err))
		}
	}
	ix.dbs = nil
	ix.byKey = make(map[string][]*mbtiles.DB)
}
