package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/cache"
	"github.com/offgridmaps/tilecore/internal/index"
	"github.com/offgridmaps/tilecore/internal/prefetch"
	"github.com/offgridmaps/tilecore/internal/vtile"
)

// tileContext is the single-threaded owner of the resolver, merge path,
// memory cache and prefetch scheduler. Nothing in here needs a lock beyond
// the cache's own diagnostics lock.
type tileContext struct {
	e     *Engine
	log   *zap.Logger
	ix    *index.Index
	cache *cache.Cache
	sched *prefetch.Scheduler
}

func newTileContext(e *Engine) *tileContext {
	log := e.log.Named("tile")
	c := cache.New(e.cfg.CacheBudgetBytes)
	t := &tileContext{
		e:     e,
		log:   log,
		ix:    index.New(e.cfg.StoreDir, log),
		cache: c,
		sched: prefetch.New(prefetch.Config{
			Radius:            e.cfg.PrefetchRadius,
			ZoomDeltas:        e.cfg.PrefetchZoomDeltas,
			MaxQueue:          e.cfg.PrefetchMaxQueue,
			MovementThreshold: e.cfg.PrefetchMovementThreshold,
		}, c.Contains),
	}
	t.ix.OnCorrupted(e.notifyCorrupted)
	return t
}

// run is the context's event loop. Foreground messages always win; one
// prefetch candidate is fetched only when the mailbox is empty, which is the
// yield cadence that keeps prefetching from starving tile delivery.
func (t *tileContext) run(ready chan<- struct{}) {
	if _, err := t.ix.Scan(); err != nil {
		t.log.Warn("initial scan", zap.Error(err))
	}
	close(ready)

	defer t.ix.Close()
	for {
		select {
		case c := <-t.e.tileCh:
			t.handle(c)
		case <-t.e.stop:
			return
		default:
			if cand, ok := t.sched.Next(); ok {
				t.prefetchOne(cand)
				continue
			}
			select {
			case c := <-t.e.tileCh:
				t.handle(c)
			case <-t.e.stop:
				return
			}
		}
	}
}

func (t *tileContext) handle(c *call) {
	var res callResult
	switch c.op {
	case api.MsgScan:
		res.data, res.err = t.ix.Scan()
	case api.MsgGetTile:
		res.data, res.err = t.getTile(c.payload.(api.TileCoordinate))
	case api.MsgResolve:
		dbs := t.ix.Resolve(c.payload.(api.TileCoordinate))
		names := make([]string, 0, len(dbs))
		for _, db := range dbs {
			names = append(names, db.Filename)
		}
		res.data = names
	case api.MsgUpdateViewport:
		t.sched.UpdateViewport(c.payload.(prefetch.Viewport))
	case api.MsgClear:
		t.cache.Clear()
	case api.MsgGetStats:
		res.data = api.EngineStats{
			Cache:         t.cache.Stats(),
			OpenDatabases: len(t.ix.Databases()),
		}
	case api.MsgCacheContents:
		res.data = t.cache.Contents()
	case api.MsgTilesByZoom:
		res.data = t.cache.TilesByZoom()
	case api.MsgRecentTiles:
		res.data = t.cache.RecentTiles(c.payload.(int))
	case api.MsgPopularTiles:
		res.data = t.cache.PopularTiles(c.payload.(int))
	default:
		res.err = fmt.Errorf("tile context: unknown op %q (id %s)", c.op, c.id)
	}

	if c.reply != nil {
		c.reply <- res
	}
}

// getTile serves one foreground request: memory cache first, then the
// databases. A miss everywhere returns (nil, nil) — not found is a normal
// outcome, never logged as a failure.
func (t *tileContext) getTile(coord api.TileCoordinate) ([]byte, error) {
	if data := t.cache.Get(coord); data != nil {
		t.e.tilesServed.Add(1)
		return data, nil
	}

	data, err := t.fetch(coord)
	if err != nil || data == nil {
		return nil, err
	}

	t.cache.Store(coord, data, false)
	t.e.tilesServed.Add(1)
	return data, nil
}

// fetch resolves the coordinate and assembles the tile from every database
// that has it. One broken database is skipped, never fatal. Merge failure
// degrades to the first successfully fetched tile — partial rendering beats
// no tile — and is counted so the data loss stays observable.
func (t *tileContext) fetch(coord api.TileCoordinate) ([]byte, error) {
	var hits [][]byte
	for _, db := range t.ix.Resolve(coord) {
		raw, err := db.ReadTile(coord.Z, coord.X, coord.Y)
		if err != nil {
			t.log.Warn("tile read", zap.String("db", db.Filename), zap.Error(err))
			continue
		}
		if raw == nil {
			continue
		}
		data, err := vtile.Decompress(raw)
		if err != nil {
			t.log.Warn("tile inflate", zap.String("db", db.Filename), zap.Error(err))
			continue
		}
		hits = append(hits, data)
	}

	switch {
	case len(hits) == 0:
		return nil, nil
	case len(hits) == 1 || coord.Source != index.BasemapSource:
		return hits[0], nil
	}

	merged, err := vtile.Merge(hits)
	if err != nil {
		t.e.mergeFallbacks.Add(1)
		t.log.Warn("merge fallback", zap.String("tile", coord.Key()), zap.Error(err))
		return hits[0], nil
	}
	return merged, nil
}

// prefetchOne populates the cache with one speculative tile. Errors are
// swallowed; prefetch is best-effort by definition.
func (t *tileContext) prefetchOne(cand prefetch.Candidate) {
	if t.cache.Contains(cand.Coord) {
		return
	}
	data, err := t.fetch(cand.Coord)
	if err != nil || data == nil {
		return
	}
	if t.cache.Store(cand.Coord, data, true) {
		t.e.tilesPrefetched.Add(1)
	}
}
