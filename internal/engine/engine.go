// Package engine wires the components into two independent, single-threaded
// execution contexts: one serving tiles (index, cache, merge, prefetch) and
// one serving search (its own index and handles). The contexts share no
// memory; every cross-boundary interaction is an asynchronous request/
// response message with a correlation id and a caller-side timeout, so a
// long-running search can never delay tile delivery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/config"
	"github.com/offgridmaps/tilecore/internal/prefetch"
)

var (
	// ErrTimeout rejects a call whose response missed its deadline.
	ErrTimeout = errors.New("engine: request timed out")
	// ErrClosed rejects calls against a stopped engine.
	ErrClosed = errors.New("engine: closed")
)

type call struct {
	id      string
	op      string
	payload any
	reply   chan callResult // nil for fire-and-forget
}

type callResult struct {
	data any
	err  error
}

type searchRequest struct {
	ctx      context.Context
	query    string
	limit    int
	opts     api.SearchOptions
	progress func([]api.SearchResult)
}

type searchOutcome struct {
	results []api.SearchResult
	status  api.SearchStatus
}

// Engine is the caller-facing handle. All exported methods are safe for
// concurrent use; they only ever touch the message channels and the
// cancellation flag, never the contexts' state.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	tileCh   chan *call
	searchCh chan *call
	notifyCh chan api.Notification
	stop     chan struct{}
	wg       sync.WaitGroup

	searchMu     sync.Mutex
	searchCancel context.CancelFunc
	searchGen    uint64 // invocation counter guarding the cancel slot

	mergeFallbacks  atomic.Uint64
	tilesServed     atomic.Uint64
	tilesPrefetched atomic.Uint64
	searchesRun     atomic.Uint64
}

func New(cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      log,
		tileCh:   make(chan *call, 16),
		searchCh: make(chan *call, 16),
		notifyCh: make(chan api.Notification, 16),
		stop:     make(chan struct{}),
	}
}

// Start spawns both contexts, runs their initial scans, and emits the ready
// notification once both are serving.
func (e *Engine) Start() {
	tileReady := make(chan struct{})
	searchReady := make(chan struct{})

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		newTileContext(e).run(tileReady)
	}()
	go func() {
		defer e.wg.Done()
		newSearchContext(e).run(searchReady)
	}()

	go func() {
		<-tileReady
		<-searchReady
		e.notify(api.Notification{Type: api.MsgReady})
	}()
}

// Close stops both contexts and waits for them to release their handles.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
}

// Notifications delivers unsolicited engine messages (ready, corrupted
// databases). The channel is never closed; slow consumers drop messages.
func (e *Engine) Notifications() <-chan api.Notification {
	return e.notifyCh
}

func (e *Engine) notify(n api.Notification) {
	select {
	case e.notifyCh <- n:
	default:
	}
}

func (e *Engine) notifyCorrupted(filename string) {
	data, _ := json.Marshal(map[string]string{"filename": filename})
	e.notify(api.Notification{Type: api.MsgCorruptedDB, Data: data})
}

// post sends one correlated request and waits for its response, rejecting the
// call if either side misses the deadline.
func (e *Engine) post(ch chan *call, op string, payload any, timeout time.Duration) (any, error) {
	c := &call{
		id:      uuid.NewString(),
		op:      op,
		payload: payload,
		reply:   make(chan callResult, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- c:
	case <-timer.C:
		return nil, ErrTimeout
	case <-e.stop:
		return nil, ErrClosed
	}

	select {
	case r := <-c.reply:
		return r.data, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-e.stop:
		return nil, ErrClosed
	}
}

// Scan rebuilds both contexts' indexes. The tile context scans first (and
// quarantines corrupted files); the search context then indexes whatever
// survived. Callers must not run Scan concurrently with tile or search
// traffic they care about — handles are closed underneath in-flight reads.
func (e *Engine) Scan() (api.ScanReport, error) {
	data, err := e.post(e.tileCh, api.MsgScan, nil, e.cfg.IngestTimeout())
	if err != nil {
		return api.ScanReport{}, err
	}
	if _, err := e.post(e.searchCh, api.MsgScan, nil, e.cfg.IngestTimeout()); err != nil {
		return api.ScanReport{}, err
	}
	return data.(api.ScanReport), nil
}

// GetTile serves one tile. A nil payload with nil error is the normal
// not-found outcome.
func (e *Engine) GetTile(coord api.TileCoordinate) ([]byte, error) {
	data, err := e.post(e.tileCh, api.MsgGetTile, coord, e.cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return data.([]byte), nil
}

// Resolve returns the filenames of the databases that may contain the tile,
// in merge order.
func (e *Engine) Resolve(coord api.TileCoordinate) ([]string, error) {
	data, err := e.post(e.tileCh, api.MsgResolve, coord, e.cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	return data.([]string), nil
}

// UpdateViewport is fire-and-forget: it returns immediately and the tile
// context reshapes its prefetch queue when it next drains a message. If the
// context is saturated the update is dropped; the next one supersedes it
// anyway.
func (e *Engine) UpdateViewport(vp prefetch.Viewport) {
	c := &call{id: uuid.NewString(), op: api.MsgUpdateViewport, payload: vp}
	select {
	case e.tileCh <- c:
	default:
	}
}

// Search runs one search, cancelling any search still in flight first.
// Cancellation surfaces as SearchCancelled with the partial results, not as
// an error.
func (e *Engine) Search(query string, limit int, opts api.SearchOptions,
	onProgress func([]api.SearchResult)) ([]api.SearchResult, api.SearchStatus, error) {

	e.CancelSearch()

	ctx, cancel := context.WithCancel(context.Background())
	e.searchMu.Lock()
	e.searchGen++
	gen := e.searchGen
	e.searchCancel = cancel
	e.searchMu.Unlock()
	defer func() {
		// Release only this invocation's context. A superseding search may
		// own the cancel slot by the time we return; its context must
		// survive us.
		cancel()
		e.searchMu.Lock()
		if e.searchGen == gen {
			e.searchCancel = nil
		}
		e.searchMu.Unlock()
	}()

	req := searchRequest{ctx: ctx, query: query, limit: limit, opts: opts, progress: onProgress}
	data, err := e.post(e.searchCh, api.MsgSearch, req, e.cfg.IngestTimeout())
	if err != nil {
		return nil, "", err
	}
	out := data.(searchOutcome)
	return out.results, out.status, nil
}

// CancelSearch aborts the in-flight search at its next yield point.
func (e *Engine) CancelSearch() {
	e.searchMu.Lock()
	if e.searchCancel != nil {
		e.searchCancel()
		e.searchCancel = nil
	}
	e.searchMu.Unlock()
}

// Stats aggregates counters from both sides of the boundary.
func (e *Engine) Stats() (api.EngineStats, error) {
	data, err := e.post(e.tileCh, api.MsgGetStats, nil, e.cfg.RequestTimeout())
	if err != nil {
		return api.EngineStats{}, err
	}
	stats := data.(api.EngineStats)
	stats.MergeFallbacks = e.mergeFallbacks.Load()
	stats.TilesServed = e.tilesServed.Load()
	stats.TilesPrefetched = e.tilesPrefetched.Load()
	stats.SearchesRun = e.searchesRun.Load()
	return stats, nil
}

// ClearCache drops every cached tile.
func (e *Engine) ClearCache() error {
	_, err := e.post(e.tileCh, api.MsgClear, nil, e.cfg.RequestTimeout())
	return err
}

// CacheContents lists cache entries for diagnostics.
func (e *Engine) CacheContents() ([]api.CachedTileInfo, error) {
	data, err := e.post(e.tileCh, api.MsgCacheContents, nil, e.cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	return data.([]api.CachedTileInfo), nil
}

// TilesByZoom counts cached tiles per zoom level.
func (e *Engine) TilesByZoom() (map[uint8]int, error) {
	data, err := e.post(e.tileCh, api.MsgTilesByZoom, nil, e.cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	return data.(map[uint8]int), nil
}

// RecentTiles lists the n most recently accessed cache entries.
func (e *Engine) RecentTiles(n int) ([]api.CachedTileInfo, error) {
	data, err := e.post(e.tileCh, api.MsgRecentTiles, n, e.cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	return data.([]api.CachedTileInfo), nil
}

// PopularTiles lists the n most accessed cache entries.
func (e *Engine) PopularTiles(n int) ([]api.CachedTileInfo, error) {
	data, err := e.post(e.tileCh, api.MsgPopularTiles, n, e.cfg.RequestTimeout())
	if err != nil {
		return nil, err
	}
	return data.([]api.CachedTileInfo), nil
}
