package app

import (
	"context"
	gosync "sync"

	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/session"
	"github.com/rupak1811/permiso/internal/source"
	appsync "github.com/rupak1811/permiso/internal/sync"
)

// defaultPageSize is the number of records fetched per view.
const defaultPageSize = 50

// viewCache holds the last accepted collection per view key. It is
// written from Apply callbacks and read by the UI loop.
type viewCache struct {
	mu    gosync.Mutex
	items map[string]*source.Collection
}

func newViewCache() *viewCache {
	return &viewCache{items: make(map[string]*source.Collection)}
}

func (c *viewCache) put(key string, col *source.Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = col
}

func (c *viewCache) get(key string) *source.Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[key]
}

func (c *viewCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*source.Collection)
}

// viewSpec binds a configured view to the fetcher. Auth failures are
// tagged with the session epoch the request was issued under so that
// Manager.Reject can ignore responses from an earlier session.
func viewSpec(cfg model.ViewConfig, deps Deps, cache *viewCache) appsync.ViewSpec {
	pageSize := deps.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	key := cfg.Key
	query := source.Query{Resource: cfg.Resource, Page: 1, PageSize: pageSize}

	return appsync.ViewSpec{
		Key:          key,
		PollInterval: cfg.PollInterval(),
		Events:       cfg.Events,
		Fetch: func(ctx context.Context) (any, error) {
			_, epoch := deps.Session.Token()
			col, err := deps.Fetcher.Fetch(ctx, query)
			if err != nil {
				if source.IsAuthError(err) {
					return nil, &session.Rejection{Epoch: epoch, Err: err}
				}
				return nil, err
			}
			return col, nil
		},
		Apply: func(result any) {
			col, ok := result.(*source.Collection)
			if !ok {
				return
			}
			cache.put(key, col)
			deps.Bridge.Send(ViewUpdatedMsg{Key: key})
		},
	}
}
