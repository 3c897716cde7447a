package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/index"
	"github.com/offgridmaps/tilecore/internal/search"
)

// searchContext owns its own database index and handles, fully independent
// of the tile context, so feature scans never contend with tile delivery.
type searchContext struct {
	e   *Engine
	log *zap.Logger
	ix  *index.Index
	eng *search.Engine
}

func newSearchContext(e *Engine) *searchContext {
	log := e.log.Named("search")
	eng, err := search.New(search.Config{
		POIZoom:          e.cfg.POIZoom,
		BatchSize:        e.cfg.SearchBatchSize,
		ProgressInterval: e.cfg.ProgressInterval(),
		YieldEvery:       e.cfg.SearchYieldEvery,
		ParsedTileCache:  e.cfg.SearchParsedTileCache,
	}, log)
	if err != nil {
		// Only reachable with a non-positive LRU size, which the config
		// defaults rule out.
		panic(err)
	}
	return &searchContext{
		e:   e,
		log: log,
		ix:  index.New(e.cfg.StoreDir, log),
		eng: eng,
	}
}

func (s *searchContext) run(ready chan<- struct{}) {
	if _, err := s.ix.Scan(); err != nil {
		s.log.Warn("initial scan", zap.Error(err))
	}
	close(ready)

	defer s.ix.Close()
	for {
		select {
		case c := <-s.e.searchCh:
			s.handle(c)
		case <-s.e.stop:
			return
		}
	}
}

func (s *searchContext) handle(c *call) {
	var res callResult
	switch c.op {
	case api.MsgScan:
		res.data, res.err = s.ix.Scan()
	case api.MsgSearch:
		req := c.payload.(searchRequest)
		results, status, err := s.eng.Search(
			req.ctx, s.ix.Databases(), req.query, req.limit, req.opts, req.progress)
		s.e.searchesRun.Add(1)
		res.data = searchOutcome{results: results, status: status}
		res.err = err
	default:
		res.err = fmt.Errorf("search context: unknown op %q (id %s)", c.op, c.id)
	}

	if c.reply != nil {
		c.reply <- res
	}
}
