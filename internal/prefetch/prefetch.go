// Package prefetch predicts the tiles a moving viewport will need next and
// queues them for background population of the cache. The scheduler is a
// passive data structure: the tile-serving context calls UpdateViewport on
// every viewport change and drains one candidate at a time between foreground
// requests, so a sweep never starves tile delivery.
package prefetch

import (
	"math"
	"sort"

	"github.com/offgridmaps/tilecore/api"
)

// historyLen is how many movement vectors are retained for extrapolation.
const historyLen = 5

// extrapolationSteps is how far ahead along the movement vector candidates
// are projected.
const extrapolationSteps = 3

type Config struct {
	// Radius is the ring of tiles around (but outside) the viewport.
	Radius int
	// ZoomDeltas are the adjacent zoom levels to warm, relative to the
	// viewport zoom.
	ZoomDeltas []int
	// MaxQueue caps the pending candidate queue.
	MaxQueue int
	// MovementThreshold is the average movement magnitude (in tiles per
	// update) above which ahead-of-motion candidates are generated.
	MovementThreshold float64
}

// Viewport is one observation of the visible map area, in tile units at Z.
type Viewport struct {
	Source  string
	Z       uint8
	CenterX float64
	CenterY float64
	TilesX  int
	TilesY  int
}

// Candidate is one queued tile with its drain priority (higher first).
type Candidate struct {
	Coord    api.TileCoordinate
	Priority float64
}

type vector struct{ dx, dy float64 }

// Scheduler holds viewport history and the pending queue. Not safe for
// concurrent use; it is owned by the tile context.
type Scheduler struct {
	cfg    Config
	cached func(api.TileCoordinate) bool

	prev    *Viewport
	history []vector

	queue []Candidate
}

// New builds a scheduler. cached is consulted during candidate generation so
// tiles already in memory are never queued.
func New(cfg Config, cached func(api.TileCoordinate) bool) *Scheduler {
	if cfg.Radius <= 0 {
		cfg.Radius = 2
	}
	if len(cfg.ZoomDeltas) == 0 {
		cfg.ZoomDeltas = []int{-1, 1}
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 64
	}
	if cfg.MovementThreshold <= 0 {
		cfg.MovementThreshold = 0.5
	}
	return &Scheduler{cfg: cfg, cached: cached}
}

// UpdateViewport records the new viewport, updates movement history, and
// rebuilds the pending queue. Candidates not yet started are replaced; the
// caller's in-progress fetch (if any) is unaffected.
func (s *Scheduler) UpdateViewport(vp Viewport) {
	if s.prev != nil && s.prev.Z == vp.Z && s.prev.Source == vp.Source {
		s.history = append(s.history, vector{
			dx: vp.CenterX - s.prev.CenterX,
			dy: vp.CenterY - s.prev.CenterY,
		})
		if len(s.history) > historyLen {
			s.history = s.history[len(s.history)-historyLen:]
		}
	} else {
		// Zoom or source change: tile-unit vectors are no longer comparable.
		s.history = nil
	}
	prev := vp
	s.prev = &prev

	s.rebuild(vp)
}

// Next pops the highest-priority pending candidate.
func (s *Scheduler) Next() (Candidate, bool) {
	if len(s.queue) == 0 {
		return Candidate{}, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

// Pending returns the number of queued candidates.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Snapshot copies the pending queue, highest priority first.
func (s *Scheduler) Snapshot() []Candidate {
	out := make([]Candidate, len(s.queue))
	copy(out, s.queue)
	return out
}

func (s *Scheduler) rebuild(vp Viewport) {
	seen := make(map[api.TileCoordinate]struct{})
	var out []Candidate

	add := func(coord api.TileCoordinate, priority float64) {
		if !coord.Valid() {
			return
		}
		if _, dup := seen[coord]; dup {
			return
		}
		if s.cached != nil && s.cached(coord) {
			return
		}
		seen[coord] = struct{}{}
		out = append(out, Candidate{Coord: coord, Priority: priority})
	}

	cx := int(math.Round(vp.CenterX))
	cy := int(math.Round(vp.CenterY))
	halfX := vp.TilesX / 2
	halfY := vp.TilesY / 2

	// Ring around, but outside, the current viewport at the same zoom.
	for dx := -(halfX + s.cfg.Radius); dx <= halfX+s.cfg.Radius; dx++ {
		for dy := -(halfY + s.cfg.Radius); dy <= halfY+s.cfg.Radius; dy++ {
			if abs(dx) <= halfX && abs(dy) <= halfY {
				continue // on screen already
			}
			dist := math.Hypot(float64(dx), float64(dy))
			add(tileAt(vp.Source, vp.Z, cx+dx, cy+dy), 100-10*dist)
		}
	}

	// Neighborhoods at adjacent zoom levels, centered on the same point.
	for _, delta := range s.cfg.ZoomDeltas {
		z := int(vp.Z) + delta
		if z < 0 || z > api.MaxZoom {
			continue
		}
		scale := math.Pow(2, float64(delta))
		zx := int(math.Round(vp.CenterX * scale))
		zy := int(math.Round(vp.CenterY * scale))
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				dist := math.Hypot(float64(dx), float64(dy))
				add(tileAt(vp.Source, uint8(z), zx+dx, zy+dy), 50-5*dist)
			}
		}
	}

	// Ahead-of-motion extrapolation when the viewport is actually moving.
	if avg, ok := s.averageMovement(); ok {
		for step := 1; step <= extrapolationSteps; step++ {
			px := int(math.Round(vp.CenterX + avg.dx*float64(step)))
			py := int(math.Round(vp.CenterY + avg.dy*float64(step)))
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					dist := math.Hypot(float64(dx), float64(dy))
					add(tileAt(vp.Source, vp.Z, px+dx, py+dy), 80-10*float64(step-1)-dist)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	if len(out) > s.cfg.MaxQueue {
		out = out[:s.cfg.MaxQueue]
	}
	s.queue = out
}

// averageMovement reports the mean of the retained vectors when its
// magnitude clears the threshold.
func (s *Scheduler) averageMovement() (vector, bool) {
	if len(s.history) == 0 {
		return vector{}, false
	}
	var sum vector
	for _, v := range s.history {
		sum.dx += v.dx
		sum.dy += v.dy
	}
	avg := vector{sum.dx / float64(len(s.history)), sum.dy / float64(len(s.history))}
	if math.Hypot(avg.dx, avg.dy) <= s.cfg.MovementThreshold {
		return vector{}, false
	}
	return avg, true
}

func tileAt(source string, z uint8, x, y int) api.TileCoordinate {
	if x < 0 || y < 0 {
		return api.TileCoordinate{Source: source, Z: z, X: 1 << 31, Y: 1 << 31} // invalid by construction
	}
	return api.TileCoordinate{Source: source, Z: z, X: uint32(x), Y: uint32(y)}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
