// Package vtile handles the tile payload wire format: gzip detection and
// inflation, Mapbox-vector-tile decode/encode, and merging of overlapping
// tiles from independently-authored databases into one renderable tile.
package vtile

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// IsGzipped sniffs the two-byte gzip magic prefix.
func IsGzipped(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// Decompress inflates a gzip-wrapped payload; non-gzipped input is returned
// unchanged.
func Decompress(b []byte) ([]byte, error) {
	if !IsGzipped(b) {
		return b, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer func() { _ = zr.Close() }() // safe to ignore
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip inflate: %w", err)
	}
	return out, nil
}

// Decode parses one decompressed vector-tile payload.
func Decode(b []byte) (mvt.Layers, error) {
	layers, err := mvt.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("mvt decode: %w", err)
	}
	return layers, nil
}

// Merge combines N decompressed vector tiles covering the same coordinate
// into one encoded tile. Layers with the same name are unified; true
// duplicate features (same geometry and properties) are dropped so that the
// merged feature count equals the sum of the sources minus duplicates.
//
// The first source's layer version and extent win for each layer name; the
// authoring pipelines in practice agree on 4096.
func Merge(sources [][]byte) ([]byte, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("merge: no sources")
	}

	var order []string
	merged := make(map[string]*mvt.Layer)
	seen := make(map[string]map[string]struct{}) // layer name → feature keys

	for i, src := range sources {
		layers, err := mvt.Unmarshal(src)
		if err != nil {
			return nil, fmt.Errorf("merge: source %d: %w", i, err)
		}
		for _, layer := range layers {
			dst, ok := merged[layer.Name]
			if !ok {
				dst = &mvt.Layer{
					Name:    layer.Name,
					Version: layer.Version,
					Extent:  layer.Extent,
				}
				merged[layer.Name] = dst
				seen[layer.Name] = make(map[string]struct{})
				order = append(order, layer.Name)
			}
			// Sources authored at a different extent (512 vs 4096) are in a
			// different coordinate scale; rescale before merging so features
			// land where they belong and duplicates fingerprint identically.
			if layer.Extent != dst.Extent && layer.Extent != 0 {
				factor := float64(dst.Extent) / float64(layer.Extent)
				for _, f := range layer.Features {
					f.Geometry = scaleGeometry(f.Geometry, factor)
				}
			}
			for _, f := range layer.Features {
				key := featureKey(f)
				if _, dup := seen[layer.Name][key]; dup {
					continue
				}
				seen[layer.Name][key] = struct{}{}
				dst.Features = append(dst.Features, f)
			}
		}
	}

	out := make(mvt.Layers, 0, len(order))
	for _, name := range order {
		out = append(out, merged[name])
	}
	data, err := mvt.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("merge encode: %w", err)
	}
	return data, nil
}

// scaleGeometry multiplies every coordinate by factor, in place where the
// underlying storage allows it.
func scaleGeometry(g orb.Geometry, factor float64) orb.Geometry {
	switch t := g.(type) {
	case orb.Point:
		return orb.Point{t[0] * factor, t[1] * factor}
	case orb.MultiPoint:
		scalePoints(t, factor)
	case orb.LineString:
		scalePoints(t, factor)
	case orb.MultiLineString:
		for _, ls := range t {
			scalePoints(ls, factor)
		}
	case orb.Ring:
		scalePoints(t, factor)
	case orb.Polygon:
		for _, r := range t {
			scalePoints(r, factor)
		}
	case orb.MultiPolygon:
		for _, p := range t {
			for _, r := range p {
				scalePoints(r, factor)
			}
		}
	case orb.Collection:
		for i := range t {
			t[i] = scaleGeometry(t[i], factor)
		}
	case orb.Bound:
		return orb.Bound{
			Min: orb.Point{t.Min[0] * factor, t.Min[1] * factor},
			Max: orb.Point{t.Max[0] * factor, t.Max[1] * factor},
		}
	}
	return g
}

func scalePoints(pts []orb.Point, factor float64) {
	for i := range pts {
		pts[i][0] *= factor
		pts[i][1] *= factor
	}
}

// featureKey fingerprints a feature by geometry and properties, independent
// of encounter order of the property map.
func featureKey(f *geojson.Feature) string {
	var sb strings.Builder
	sb.WriteString(wkt.MarshalString(f.Geometry))
	sb.WriteByte('|')

	keys := make([]string, 0, len(f.Properties))
	for k := range f.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, f.Properties[k])
	}
	return sb.String()
}
