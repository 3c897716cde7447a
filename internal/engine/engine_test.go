package engine

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/config"
	"github.com/offgridmaps/tilecore/internal/mbtiles"
	"github.com/offgridmaps/tilecore/internal/prefetch"
	"github.com/offgridmaps/tilecore/internal/vtile"
)

// Tile 14/8556/5828 sits over the Alps (lng ~8, lat ~46).
const (
	testZoom = 14
	tileAX   = 8556
	tileAY   = 5828
	tileBX   = 8557
)

func feature(id float64, lng, lat float64, props map[string]interface{}) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{lng, lat})
	f.ID = id
	for k, v := range props {
		f.Properties[k] = v
	}
	return f
}

// encodeTile marshals one single-layer vector tile; the raw (pre-gzip) bytes
// are returned alongside the gzipped payload so byte-identity can be checked.
func encodeTile(t *testing.T, x, y uint32, layerName string, feats []*geojson.Feature) (raw, gzipped []byte) {
	t.Helper()
	layers := mvt.Layers{{Name: layerName, Version: 2, Extent: 4096, Features: feats}}
	layers.ProjectToTile(maptile.New(x, y, testZoom))
	raw, err := mvt.Marshal(layers)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return raw, buf.Bytes()
}

func writeTileDB(t *testing.T, dir, name string, tiles map[[2]uint32][]byte) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, name))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	_, err = db.Exec(`
		CREATE TABLE metadata (name TEXT, value TEXT);
		CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
		INSERT INTO metadata (name, value) VALUES ('format', 'pbf');
	`)
	require.NoError(t, err)
	for xy, data := range tiles {
		_, err = db.Exec(
			`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
			testZoom, int(xy[0]), int(mbtiles.TMSRow(testZoom, xy[1])), data)
		require.NoError(t, err)
	}
}

// startEngine builds a store with two basemap databases sharing tile A, a
// second tile B only in the first one, and one POI overlay, then starts the
// engine and waits for ready. The raw bytes of tile B are returned for
// byte-identity assertions.
func startEngine(t *testing.T) (*Engine, []byte) {
	t.Helper()
	dir := t.TempDir()

	_, landuseA := encodeTile(t, tileAX, tileAY, "landuse", []*geojson.Feature{
		feature(1, 8.001, 46.001, map[string]interface{}{"kind": "forest"}),
	})
	rawB, landuseB := encodeTile(t, tileBX, tileAY, "landuse", []*geojson.Feature{
		feature(2, 8.03, 46.001, map[string]interface{}{"kind": "meadow"}),
	})
	writeTileDB(t, dir, "world.mbtiles", map[[2]uint32][]byte{
		{tileAX, tileAY}: landuseA,
		{tileBX, tileAY}: landuseB,
	})

	_, waterA := encodeTile(t, tileAX, tileAY, "water", []*geojson.Feature{
		feature(3, 8.002, 46.002, map[string]interface{}{"kind": "lake"}),
	})
	writeTileDB(t, dir, "alps.mbtiles", map[[2]uint32][]byte{{tileAX, tileAY}: waterA})

	_, pois := encodeTile(t, tileAX, tileAY, "poi", []*geojson.Feature{
		feature(4, 8.001, 46.001, map[string]interface{}{"name": "City Museum", "class": "museum"}),
		feature(5, 8.002, 46.002, map[string]interface{}{"name": "Amusement Park", "class": "attraction"}),
	})
	writeTileDB(t, dir, "city-poi.mbtiles", map[[2]uint32][]byte{{tileAX, tileAY}: pois})

	cfg := config.Default()
	cfg.StoreDir = dir

	eng := New(cfg, zap.NewNop())
	eng.Start()
	t.Cleanup(eng.Close)

	select {
	case n := <-eng.Notifications():
		require.Equal(t, api.MsgReady, n.Type)
	case <-time.After(10 * time.Second):
		t.Fatal("engine never became ready")
	}
	return eng, rawB
}

func coordA(source string) api.TileCoordinate {
	return api.TileCoordinate{Source: source, Z: testZoom, X: tileAX, Y: tileAY}
}

func TestGetTileSingleSourceIsByteIdentical(t *testing.T) {
	eng, rawB := startEngine(t)

	data, err := eng.GetTile(api.TileCoordinate{Source: "world", Z: testZoom, X: tileBX, Y: tileAY})
	require.NoError(t, err)
	assert.Equal(t, rawB, data, "single-source tiles pass through unmodified")
}

func TestGetTileMergesBasemapSources(t *testing.T) {
	eng, _ := startEngine(t)

	data, err := eng.GetTile(coordA("basemap"))
	require.NoError(t, err)
	require.NotNil(t, data)

	layers, err := vtile.Decode(data)
	require.NoError(t, err)
	names := make([]string, 0, len(layers))
	for _, l := range layers {
		names = append(names, l.Name)
	}
	// The POI overlay is excluded from the basemap source.
	assert.ElementsMatch(t, []string{"landuse", "water"}, names)
}

func TestMergeFailureFallsBackToFirstTile(t *testing.T) {
	dir := t.TempDir()

	// Valid database structure, but the payload is not a decodable vector
	// tile, so merging it with a real tile must fail.
	junk := []byte("not a vector tile payload")
	writeTileDB(t, dir, "aaa-region.mbtiles", map[[2]uint32][]byte{{tileAX, tileAY}: junk})

	_, water := encodeTile(t, tileAX, tileAY, "water", []*geojson.Feature{
		feature(1, 8.002, 46.002, map[string]interface{}{"kind": "lake"}),
	})
	writeTileDB(t, dir, "bbb-region.mbtiles", map[[2]uint32][]byte{{tileAX, tileAY}: water})

	cfg := config.Default()
	cfg.StoreDir = dir
	eng := New(cfg, zap.NewNop())
	eng.Start()
	t.Cleanup(eng.Close)
	select {
	case <-eng.Notifications():
	case <-time.After(10 * time.Second):
		t.Fatal("engine never became ready")
	}

	data, err := eng.GetTile(coordA("basemap"))
	require.NoError(t, err)
	assert.Equal(t, junk, data, "degrades to the first fetched tile, scan order")

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.MergeFallbacks)
}

func TestGetTileNotFound(t *testing.T) {
	eng, _ := startEngine(t)

	data, err := eng.GetTile(api.TileCoordinate{Source: "basemap", Z: testZoom, X: 0, Y: 0})
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetTileServesFromCache(t *testing.T) {
	eng, _ := startEngine(t)

	first, err := eng.GetTile(coordA("basemap"))
	require.NoError(t, err)
	second, err := eng.GetTile(coordA("basemap"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Cache.Hits)
	assert.Equal(t, uint64(2), stats.TilesServed)
	assert.Equal(t, 3, stats.OpenDatabases)
	assert.Zero(t, stats.MergeFallbacks)
}

func TestResolveExcludesOverlayFromBasemap(t *testing.T) {
	eng, _ := startEngine(t)

	names, err := eng.Resolve(coordA("basemap"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"world.mbtiles", "alps.mbtiles"}, names)

	names, err = eng.Resolve(coordA("poi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"city-poi.mbtiles"}, names)
}

func TestScanThroughEngine(t *testing.T) {
	eng, _ := startEngine(t)

	report, err := eng.Scan()
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalFiles)
	assert.Equal(t, 3, report.SuccessfulDBs)
	assert.Empty(t, report.CorruptedFiles)
}

func TestSearchThroughEngine(t *testing.T) {
	eng, _ := startEngine(t)

	results, status, err := eng.Search("museum", 10, api.SearchOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, api.SearchExhausted, status)
	require.Len(t, results, 1)
	assert.Equal(t, "City Museum", results[0].Names["name"])
	assert.Equal(t, "city-poi.mbtiles", results[0].Database)

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.SearchesRun)
}

func TestNewSearchSupersedesInflightSearch(t *testing.T) {
	dir := t.TempDir()

	// A store large enough that the first search is still scanning when the
	// second one arrives: 200 tiles of 40 matching features each.
	tiles := make(map[[2]uint32][]byte, 200)
	for i := 0; i < 200; i++ {
		feats := make([]*geojson.Feature, 0, 40)
		for j := 0; j < 40; j++ {
			n := i*40 + j
			feats = append(feats, feature(float64(n+1), 8.001, 46.001,
				map[string]interface{}{"name": fmt.Sprintf("Museum %d", n)}))
		}
		x := uint32(8000 + i)
		_, gz := encodeTile(t, x, tileAY, "poi", feats)
		tiles[[2]uint32{x, tileAY}] = gz
	}
	writeTileDB(t, dir, "big-poi.mbtiles", tiles)

	cfg := config.Default()
	cfg.StoreDir = dir
	cfg.SearchProgressIntervalMS = 1
	eng := New(cfg, zap.NewNop())
	eng.Start()
	t.Cleanup(eng.Close)
	select {
	case <-eng.Notifications():
	case <-time.After(10 * time.Second):
		t.Fatal("engine never became ready")
	}

	type done struct {
		n      int
		status api.SearchStatus
		err    error
	}
	firstDone := make(chan done, 1)
	firstRunning := make(chan struct{})
	var once sync.Once

	go func() {
		res, status, err := eng.Search("museum", 20000, api.SearchOptions{},
			func([]api.SearchResult) {
				once.Do(func() { close(firstRunning) })
			})
		firstDone <- done{n: len(res), status: status, err: err}
	}()

	select {
	case <-firstRunning:
	case <-time.After(10 * time.Second):
		t.Fatal("first search never reported progress")
	}

	// The second search supersedes the first and must reach its own terminal
	// state; nothing ever cancels it.
	res, status, err := eng.Search("zzz-no-match", 10, api.SearchOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, api.SearchExhausted, status, "superseding search must run to its own end")
	assert.Empty(t, res)

	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, api.SearchCancelled, first.status, "superseded search ends cancelled")
	assert.Positive(t, first.n, "cancellation keeps the partial results")
}

func TestCancelSearchWithoutInflightSearch(t *testing.T) {
	eng, _ := startEngine(t)
	eng.CancelSearch() // must be a no-op
	_, _, err := eng.Search("museum", 10, api.SearchOptions{}, nil)
	require.NoError(t, err)
}

func TestCacheDiagnosticsAndClear(t *testing.T) {
	eng, _ := startEngine(t)

	_, err := eng.GetTile(coordA("basemap"))
	require.NoError(t, err)

	contents, err := eng.CacheContents()
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, coordA("basemap"), contents[0].Coord)

	byZoom, err := eng.TilesByZoom()
	require.NoError(t, err)
	assert.Equal(t, 1, byZoom[testZoom])

	recent, err := eng.RecentTiles(5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	popular, err := eng.PopularTiles(5)
	require.NoError(t, err)
	assert.Len(t, popular, 1)

	require.NoError(t, eng.ClearCache())
	contents, err = eng.CacheContents()
	require.NoError(t, err)
	assert.Empty(t, contents)
}

func TestViewportUpdateDrivesPrefetch(t *testing.T) {
	eng, _ := startEngine(t)

	// Tile B is one step east of the viewport center, inside the prefetch
	// ring but off screen.
	eng.UpdateViewport(prefetch.Viewport{
		Source:  "world",
		Z:       testZoom,
		CenterX: tileAX,
		CenterY: tileAY,
		TilesX:  1,
		TilesY:  1,
	})

	require.Eventually(t, func() bool {
		stats, err := eng.Stats()
		return err == nil && stats.TilesPrefetched >= 1
	}, 5*time.Second, 10*time.Millisecond, "prefetch never populated the cache")

	contents, err := eng.CacheContents()
	require.NoError(t, err)
	var sawB bool
	for _, info := range contents {
		if info.Coord.X == tileBX && info.FromPrefetch {
			sawB = true
		}
	}
	assert.True(t, sawB, "expected tile B to be prefetched")
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StoreDir = dir

	eng := New(cfg, zap.NewNop())
	eng.Start()
	eng.Close()

	_, err := eng.GetTile(coordA("basemap"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatchGetTile(t *testing.T) {
	eng, rawB := startEngine(t)

	payload, err := json.Marshal(api.TileCoordinate{Source: "world", Z: testZoom, X: tileBX, Y: tileAY})
	require.NoError(t, err)

	resp := Dispatch(eng, api.Request{Type: api.MsgGetTile, Data: payload, ID: "req-1"})
	assert.Empty(t, resp.Error)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, api.MsgGetTile, resp.Type)

	var data []byte
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, rawB, data)
}

func TestDispatchSearchAndStats(t *testing.T) {
	eng, _ := startEngine(t)

	resp := Dispatch(eng, api.Request{
		Type: api.MsgSearch,
		Data: json.RawMessage(`{"query":"museum","limit":5}`),
		ID:   "req-2",
	})
	require.Empty(t, resp.Error)

	var out struct {
		Results []api.SearchResult `json:"results"`
		Status  api.SearchStatus   `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, api.SearchExhausted, out.Status)
	assert.Len(t, out.Results, 1)

	resp = Dispatch(eng, api.Request{Type: api.MsgGetStats, ID: "req-3"})
	require.Empty(t, resp.Error)
	var stats api.EngineStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 3, stats.OpenDatabases)
}

func TestDispatchErrors(t *testing.T) {
	eng, _ := startEngine(t)

	resp := Dispatch(eng, api.Request{Type: "bogus", ID: "req-4"})
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, "req-4", resp.ID)

	resp = Dispatch(eng, api.Request{Type: api.MsgGetTile, Data: json.RawMessage(`{"z":"x"}`), ID: "req-5"})
	assert.NotEmpty(t, resp.Error)
}
