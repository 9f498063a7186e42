// Package loader batches and memoizes entity lookups for the lifetime of a
// single request. A Loaders value must never outlive the request that built
// it; nothing here is safe to share between requests.
package loader

import (
	"context"
	"errors"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"github.com/emilythestrangee/vote-ledger/backend/internal/metrics"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

const DefaultWait = 2 * time.Millisecond

type Loaders struct {
	store store.Store
	users *dataloader.Loader[string, *models.User]
	posts *dataloader.Loader[string, *models.Post]
}

// New builds a fresh set of loaders. Lookups issued within wait of each
// other are coalesced into one store query per entity.
func New(s store.Store, wait time.Duration) *Loaders {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Loaders{
		store: s,
		users: dataloader.NewBatchedLoader(
			batchBy("user", func(ctx context.Context, ids []string) ([]models.User, error) {
				return s.FindUsers(ctx, ids, store.ProjectProfile)
			}, func(u *models.User) string { return u.ID }),
			dataloader.WithWait[string, *models.User](wait),
			dataloader.WithBatchCapacity[string, *models.User](100),
		),
		posts: dataloader.NewBatchedLoader(
			batchBy("post", s.FindPosts, func(p *models.Post) string { return p.ID }),
			dataloader.WithWait[string, *models.Post](wait),
			dataloader.WithBatchCapacity[string, *models.Post](100),
		),
	}
}

// batchBy adapts a store find into a dataloader batch function. Results are
// lined up with ids; ids without a record get a nil value, and a failed
// fetch fails every id in the batch with the same error.
func batchBy[V any](entity string, fetch func(context.Context, []string) ([]V, error), key func(*V) string) dataloader.BatchFunc[string, *V] {
	return func(ctx context.Context, ids []string) []*dataloader.Result[*V] {
		metrics.ObserveLoaderBatch(entity, len(ids))
		results := make([]*dataloader.Result[*V], len(ids))

		found, err := fetch(ctx, ids)
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result[*V]{Error: err}
			}
			return results
		}

		byID := make(map[string]*V, len(found))
		for i := range found {
			byID[key(&found[i])] = &found[i]
		}
		for i, id := range ids {
			results[i] = &dataloader.Result[*V]{Data: byID[id]}
		}
		return results
	}
}

// User resolves one user (profile projection). Unknown or malformed ids
// return store.ErrNotFound.
func (l *Loaders) User(ctx context.Context, rawID string) (*models.User, error) {
	id, err := l.store.NormalizeID(rawID)
	if err != nil {
		return nil, store.ErrNotFound
	}
	u, err := l.users.Load(ctx, id)()
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, store.ErrNotFound
	}
	return u, nil
}

// Users resolves ids in order. A missing id yields a nil entry, not an error.
func (l *Loaders) Users(ctx context.Context, rawIDs []string) ([]*models.User, error) {
	return loadMany(ctx, l.store, l.users, rawIDs)
}

// Post resolves one post. Unknown or malformed ids return store.ErrNotFound.
func (l *Loaders) Post(ctx context.Context, rawID string) (*models.Post, error) {
	id, err := l.store.NormalizeID(rawID)
	if err != nil {
		return nil, store.ErrNotFound
	}
	p, err := l.posts.Load(ctx, id)()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func loadMany[V any](ctx context.Context, s store.Store, ld *dataloader.Loader[string, *V], rawIDs []string) ([]*V, error) {
	out := make([]*V, len(rawIDs))
	ids := make([]string, 0, len(rawIDs))
	pos := make([]int, 0, len(rawIDs))
	for i, raw := range rawIDs {
		id, err := s.NormalizeID(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		pos = append(pos, i)
	}
	if len(ids) == 0 {
		return out, nil
	}
	values, errs := ld.LoadMany(ctx, ids)()
	for i, v := range values {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		out[pos[i]] = v
	}
	return out, nil
}

// PrimeUser seeds the user cache, e.g. after a registration in the same request.
// Loaded values are shared between callers and must be treated as read-only.
func (l *Loaders) PrimeUser(ctx context.Context, u *models.User) {
	l.users.Prime(ctx, u.ID, u)
}

type ctxKey struct{}

// WithLoaders attaches l to ctx.
func WithLoaders(ctx context.Context, l *Loaders) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

var ErrNoLoaders = errors.New("no loaders in context")

// FromContext returns the request's loaders.
func FromContext(ctx context.Context) (*Loaders, error) {
	l, ok := ctx.Value(ctxKey{}).(*Loaders)
	if !ok {
		return nil, ErrNoLoaders
	}
	return l, nil
}
