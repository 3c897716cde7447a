package index

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/offgridmaps/tilecore/api"
)

// writeDB creates a minimal valid tile database with one tile row per zoom.
func writeDB(t *testing.T, dir, name string, meta map[string]string, zooms ...uint8) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(dir, name))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	_, err = db.Exec(`
		CREATE TABLE metadata (name TEXT, value TEXT);
		CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
	`)
	require.NoError(t, err)

	for k, v := range meta {
		_, err = db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	for _, z := range zooms {
		_, err = db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, 0, 0, x'00')`, int(z))
		require.NoError(t, err)
	}
}

func scanFixture(t *testing.T) (string, *Index) {
	t.Helper()
	dir := t.TempDir()

	writeDB(t, dir, "world.mbtiles", map[string]string{
		"name":    "World",
		"bounds":  "-180,-85,180,85",
		"minzoom": "0",
		"maxzoom": "14",
	}, 0, 14)
	writeDB(t, dir, "alps-poi.mbtiles", map[string]string{
		"name":    "Alps POI",
		"bounds":  "5,45,11,48",
		"minzoom": "14",
		"maxzoom": "14",
	}, 14)

	return dir, New(dir, zap.NewNop())
}

func TestScanQuarantinesCorruptedFiles(t *testing.T) {
	dir, ix := scanFixture(t)
	defer ix.Close()

	badPath := filepath.Join(dir, "garbage.mbtiles")
	require.NoError(t, os.WriteFile(badPath, []byte("this is not a sqlite file at all"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	var notified []string
	ix.OnCorrupted(func(filename string) { notified = append(notified, filename) })

	report, err := ix.Scan()
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalFiles, "non-mbtiles files are not counted")
	assert.Equal(t, 2, report.SuccessfulDBs)
	assert.Equal(t, []string{"garbage.mbtiles"}, report.CorruptedFiles)
	assert.Equal(t, []string{"garbage.mbtiles"}, notified)

	_, statErr := os.Stat(badPath)
	assert.True(t, os.IsNotExist(statErr), "corrupted file must be deleted")
}

func TestScanIsIdempotent(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()

	first, err := ix.Scan()
	require.NoError(t, err)
	second, err := ix.Scan()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, ix.Databases(), 2)
}

func TestFacetKeys(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()

	_, err := ix.Scan()
	require.NoError(t, err)

	keys := ix.Keys()
	assert.Contains(t, keys, "world.mbtiles")
	assert.Contains(t, keys, "world")
	assert.Contains(t, keys, "alps-poi")
	assert.Contains(t, keys, "zoom:0-14")
	assert.Contains(t, keys, "zoom:14-14")
	assert.Contains(t, keys, "bounds:5.0000,45.0000,11.0000,48.0000")

	require.Len(t, ix.Lookup("world"), 1)
	assert.Equal(t, "world.mbtiles", ix.Lookup("world")[0].Filename)
	assert.Empty(t, ix.Lookup("nonexistent"))
}

func TestResolveBasemapExcludesOverlays(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()
	_, err := ix.Scan()
	require.NoError(t, err)

	dbs := ix.Resolve(api.TileCoordinate{Source: BasemapSource, Z: 14, X: 8556, Y: 5828})
	require.Len(t, dbs, 1)
	assert.Equal(t, "world.mbtiles", dbs[0].Filename)
}

func TestResolveByFilenameSubstring(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()
	_, err := ix.Scan()
	require.NoError(t, err)

	// Tile over the Alps (lng ~8, lat ~46).
	dbs := ix.Resolve(api.TileCoordinate{Source: "alps", Z: 14, X: 8556, Y: 5828})
	require.Len(t, dbs, 1)
	assert.Equal(t, "alps-poi.mbtiles", dbs[0].Filename)
}

func TestResolveFiltersByZoomRange(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()
	_, err := ix.Scan()
	require.NoError(t, err)

	assert.Empty(t, ix.Resolve(api.TileCoordinate{Source: "alps", Z: 10, X: 534, Y: 364}))
}

func TestResolveFiltersByBounds(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()
	_, err := ix.Scan()
	require.NoError(t, err)

	// Top-left corner of the world, far outside the Alps extent.
	assert.Empty(t, ix.Resolve(api.TileCoordinate{Source: "alps", Z: 14, X: 0, Y: 0}))
}

func TestResolveRejectsInvalidCoordinate(t *testing.T) {
	_, ix := scanFixture(t)
	defer ix.Close()
	_, err := ix.Scan()
	require.NoError(t, err)

	assert.Empty(t, ix.Resolve(api.TileCoordinate{Source: BasemapSource, Z: 3, X: 8, Y: 0}))
	assert.Empty(t, ix.Resolve(api.TileCoordinate{Source: BasemapSource, Z: 23, X: 0, Y: 0}))
}
