// Package mbtiles opens one tile database read-only and validates it against
// the subset of the MBTiles layout the engine depends on: a tiles relation
// keyed by (zoom_level, tile_column, tile_row) with TMS rows, and a metadata
// key-value relation carrying bounds and the zoom range.
package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"

	"github.com/offgridmaps/tilecore/api"
)

// ErrInvalid wraps every validation failure so callers can distinguish a
// corrupt database from an I/O error.
var ErrInvalid = errors.New("invalid tile database")

// overlayTokens mark a filename as thematic-overlay content. A database whose
// name carries one of these never substitutes for the background layer.
// Filename sniffing is a stand-in for a declared role; the "role" metadata
// key overrides it when present.
var overlayTokens = []string{"poi", "building", "place", "transport", "amenity"}

// DB is one open, validated tile database. Handles are read-only; concurrent
// reads on one handle are safe, but each execution context opens its own DB
// so nothing is shared across contexts.
type DB struct {
	Filename string
	Path     string
	Info     api.DatabaseInfo

	db    *sql.DB
	zooms *roaring.Bitmap // zoom levels with at least one tile row
}

// Open validates and opens the database at path. On any validation failure
// the handle is closed and an error wrapping ErrInvalid is returned; the
// caller decides whether to quarantine the file.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(2)

	d := &DB{
		Filename: filepath.Base(path),
		Path:     path,
		db:       db,
		zooms:    roaring.New(),
	}
	d.Info.Filename = d.Filename

	if err := d.validate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) validate() error {
	// Both relations may be tables or views; mbtiles tooling produces either.
	rows, err := d.db.Query(
		`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name IN ('tiles','metadata')`)
	if err != nil {
		return fmt.Errorf("%w: schema query %s: %v", ErrInvalid, d.Filename, err)
	}
	found := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("%w: schema scan %s: %v", ErrInvalid, d.Filename, err)
		}
		found[name] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: schema rows %s: %v", ErrInvalid, d.Filename, err)
	}
	if !found["tiles"] || !found["metadata"] {
		return fmt.Errorf("%w: %s missing tiles or metadata relation", ErrInvalid, d.Filename)
	}

	if err := d.readMetadata(); err != nil {
		return err
	}

	// An empty tiles relation is as useless as a broken one.
	var one int
	if err := d.db.QueryRow(`SELECT 1 FROM tiles LIMIT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: %s has no tile rows", ErrInvalid, d.Filename)
	}

	zrows, err := d.db.Query(`SELECT DISTINCT zoom_level FROM tiles`)
	if err != nil {
		return fmt.Errorf("%w: zoom scan %s: %v", ErrInvalid, d.Filename, err)
	}
	defer func() { _ = zrows.Close() }() // safe to ignore
	for zrows.Next() {
		var z int
		if err := zrows.Scan(&z); err != nil {
			continue
		}
		if z >= 0 && z <= api.MaxZoom {
			d.zooms.Add(uint32(z))
		}
	}
	return zrows.Err()
}

func (d *DB) readMetadata() error {
	rows, err := d.db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return fmt.Errorf("%w: metadata query %s: %v", ErrInvalid, d.Filename, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			continue
		}
		switch name {
		case "name":
			d.Info.Name = value
		case "description":
			d.Info.Description = value
		case "format":
			d.Info.Format = value
		case "role":
			d.Info.Role = strings.ToLower(strings.TrimSpace(value))
		case "bounds":
			if b, ok := parseBounds(value); ok {
				d.Info.Bounds = &b
			}
		case "minzoom":
			if z, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				d.Info.MinZoom = &z
			}
		case "maxzoom":
			if z, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				d.Info.MaxZoom = &z
			}
		case "json":
			d.Info.VectorLayers = parseVectorLayers(value)
		}
	}
	return rows.Err()
}

// parseBounds parses the MBTiles "west,south,east,north" form.
func parseBounds(s string) (api.Bounds, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return api.Bounds{}, false
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return api.Bounds{}, false
		}
		vals[i] = v
	}
	return api.Bounds{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}, true
}

// parseVectorLayers pulls layer ids out of the metadata "json" blob. The blob
// is advisory; a malformed one is ignored rather than failing validation.
func parseVectorLayers(blob string) []string {
	parsed, err := oj.ParseString(blob)
	if err != nil {
		return nil
	}
	root, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	layers, ok := root["vector_layers"].([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, l := range layers {
		if m, ok := l.(map[string]any); ok {
			if id, ok := m["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// TMSRow converts an XYZ row to the bottom-up TMS convention used by the
// tiles relation.
func TMSRow(z uint8, y uint32) uint32 {
	return (uint32(1) << z) - 1 - y
}

// ReadTile fetches one raw, possibly gzip-wrapped payload by XYZ coordinate.
// A missing tile is a normal outcome and returns (nil, nil).
func (d *DB) ReadTile(z uint8, x, y uint32) ([]byte, error) {
	var data []byte
	err := d.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		int(z), int(x), int(TMSRow(z, y)),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %s %d/%d/%d: %w", d.Filename, z, x, y, err)
	}
	return data, nil
}

// RawTile is one row of the tiles relation, row still in TMS convention.
type RawTile struct {
	Col  uint32
	Row  uint32
	Data []byte
}

// TilePage returns one fixed-size page of tiles at the given zoom, ordered by
// (column, row) so pagination is stable across calls.
func (d *DB) TilePage(z uint8, limit, offset int) ([]RawTile, error) {
	rows, err := d.db.Query(
		`SELECT tile_column, tile_row, tile_data FROM tiles WHERE zoom_level = ?
		 ORDER BY tile_column, tile_row LIMIT ? OFFSET ?`,
		int(z), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("tile page %s z%d: %w", d.Filename, z, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []RawTile
	for rows.Next() {
		var t RawTile
		if err := rows.Scan(&t.Col, &t.Row, &t.Data); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// HasZoom reports whether any tile row exists at z.
func (d *DB) HasZoom(z uint8) bool {
	return d.zooms.Contains(uint32(z))
}

// ZoomRange returns the observed zoom extent of the tiles relation.
func (d *DB) ZoomRange() (min, max uint8) {
	if d.zooms.IsEmpty() {
		return 0, 0
	}
	return uint8(d.zooms.Minimum()), uint8(d.zooms.Maximum())
}

// MatchesZoom applies the declared [minzoom, maxzoom] filter. An undeclared
// bound matches any request.
func (d *DB) MatchesZoom(z uint8) bool {
	if d.Info.MinZoom != nil && int(z) < *d.Info.MinZoom {
		return false
	}
	if d.Info.MaxZoom != nil && int(z) > *d.Info.MaxZoom {
		return false
	}
	return true
}

// IsOverlay classifies the database as thematic-overlay content. An explicit
// role metadata value wins; otherwise the filename token heuristic applies.
func (d *DB) IsOverlay() bool {
	switch d.Info.Role {
	case "overlay":
		return true
	case "basemap":
		return false
	}
	lower := strings.ToLower(d.Filename)
	for _, tok := range overlayTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// Close releases the handle. The DB must not be used afterwards.
func (d *DB) Close() error {
	return d.db.Close()
}
