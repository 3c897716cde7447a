package engine

import (
	"encoding/json"
	"fmt"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/prefetch"
)

// viewportMessage is the wire form of an updateViewport request.
type viewportMessage struct {
	Source  string  `json:"source"`
	Z       uint8   `json:"z"`
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
	TilesX  int     `json:"tilesX"`
	TilesY  int     `json:"tilesY"`
}

// searchMessage is the wire form of a search request.
type searchMessage struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	api.SearchOptions
}

type countMessage struct {
	Count int `json:"count"`
}

type searchResponse struct {
	Results []api.SearchResult `json:"results"`
	Status  api.SearchStatus   `json:"status"`
}

// Dispatch maps one protocol request onto the engine and builds its
// response, echoing the correlation id. Unknown types and malformed payloads
// come back as protocol errors, never panics.
func Dispatch(e *Engine, req api.Request) api.Response {
	resp := api.Response{Type: req.Type, ID: req.ID}

	fail := func(err error) api.Response {
		resp.Error = err.Error()
		return resp
	}
	ok := func(v any) api.Response {
		if v == nil {
			return resp
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fail(err)
		}
		resp.Data = data
		return resp
	}

	switch req.Type {
	case api.MsgScan:
		report, err := e.Scan()
		if err != nil {
			return fail(err)
		}
		return ok(report)

	case api.MsgGetTile:
		var coord api.TileCoordinate
		if err := json.Unmarshal(req.Data, &coord); err != nil {
			return fail(fmt.Errorf("getTile payload: %w", err))
		}
		data, err := e.GetTile(coord)
		if err != nil {
			return fail(err)
		}
		return ok(data) // nil stays nil: not found is not an error

	case api.MsgResolve:
		var coord api.TileCoordinate
		if err := json.Unmarshal(req.Data, &coord); err != nil {
			return fail(fmt.Errorf("resolve payload: %w", err))
		}
		names, err := e.Resolve(coord)
		if err != nil {
			return fail(err)
		}
		return ok(names)

	case api.MsgUpdateViewport:
		var vm viewportMessage
		if err := json.Unmarshal(req.Data, &vm); err != nil {
			return fail(fmt.Errorf("updateViewport payload: %w", err))
		}
		e.UpdateViewport(prefetch.Viewport{
			Source:  vm.Source,
			Z:       vm.Z,
			CenterX: vm.CenterX,
			CenterY: vm.CenterY,
			TilesX:  vm.TilesX,
			TilesY:  vm.TilesY,
		})
		return ok(nil)

	case api.MsgSearch:
		var sm searchMessage
		if err := json.Unmarshal(req.Data, &sm); err != nil {
			return fail(fmt.Errorf("search payload: %w", err))
		}
		results, status, err := e.Search(sm.Query, sm.Limit, sm.SearchOptions, nil)
		if err != nil {
			return fail(err)
		}
		return ok(searchResponse{Results: results, Status: status})

	case api.MsgCancelSearch:
		e.CancelSearch()
		return ok(nil)

	case api.MsgGetStats:
		stats, err := e.Stats()
		if err != nil {
			return fail(err)
		}
		return ok(stats)

	case api.MsgClear:
		if err := e.ClearCache(); err != nil {
			return fail(err)
		}
		return ok(nil)

	case api.MsgCacheContents:
		contents, err := e.CacheContents()
		if err != nil {
			return fail(err)
		}
		return ok(contents)

	case api.MsgTilesByZoom:
		byZoom, err := e.TilesByZoom()
		if err != nil {
			return fail(err)
		}
		return ok(byZoom)

	case api.MsgRecentTiles, api.MsgPopularTiles:
		var cm countMessage
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &cm); err != nil {
				return fail(fmt.Errorf("%s payload: %w", req.Type, err))
			}
		}
		if cm.Count <= 0 {
			cm.Count = 10
		}
		var (
			tiles []api.CachedTileInfo
			err   error
		)
		if req.Type == api.MsgRecentTiles {
			tiles, err = e.RecentTiles(cm.Count)
		} else {
			tiles, err = e.PopularTiles(cm.Count)
		}
		if err != nil {
			return fail(err)
		}
		return ok(tiles)

	default:
		return fail(fmt.Errorf("unknown request type %q", req.Type))
	}
}
