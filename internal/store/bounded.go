package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
)

// Bounded wraps a Store so that every call runs under timeout and every
// failure that is not a business outcome surfaces as ErrUnavailable.
type Bounded struct {
	inner   Store
	timeout time.Duration
}

func NewBounded(inner Store, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bounded{inner: inner, timeout: timeout}
}

// Unwrap returns the adapter being bounded.
func (b *Bounded) Unwrap() Store { return b.inner }

func (b *Bounded) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return classify(fn(ctx))
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicateUsername),
		errors.Is(err, ErrInvalidOp):
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (b *Bounded) NewID() string { return b.inner.NewID() }

func (b *Bounded) NormalizeID(raw string) (string, error) { return b.inner.NormalizeID(raw) }

func (b *Bounded) FindUsers(ctx context.Context, ids []string, proj Projection) (users []models.User, err error) {
	err = b.call(ctx, func(ctx context.Context) error {
		users, err = b.inner.FindUsers(ctx, ids, proj)
		return err
	})
	return users, err
}

func (b *Bounded) FindUserByUsername(ctx context.Context, username string) (u *models.User, err error) {
	err = b.call(ctx, func(ctx context.Context) error {
		u, err = b.inner.FindUserByUsername(ctx, username)
		return err
	})
	return u, err
}

func (b *Bounded) InsertUser(ctx context.Context, u *models.User) error {
	return b.call(ctx, func(ctx context.Context) error { return b.inner.InsertUser(ctx, u) })
}

func (b *Bounded) FindPosts(ctx context.Context, ids []string) (posts []models.Post, err error) {
	err = b.call(ctx, func(ctx context.Context) error {
		posts, err = b.inner.FindPosts(ctx, ids)
		return err
	})
	return posts, err
}

func (b *Bounded) ListPosts(ctx context.Context, q PostQuery) (posts []models.Post, err error) {
	err = b.call(ctx, func(ctx context.Context) error {
		posts, err = b.inner.ListPosts(ctx, q)
		return err
	})
	return posts, err
}

func (b *Bounded) CountPosts(ctx context.Context, q PostQuery) (n int64, err error) {
	err = b.call(ctx, func(ctx context.Context) error {
		n, err = b.inner.CountPosts(ctx, q)
		return err
	})
	return n, err
}

func (b *Bounded) InsertPost(ctx context.Context, p *models.Post) error {
	return b.call(ctx, func(ctx context.Context) error { return b.inner.InsertPost(ctx, p) })
}

func (b *Bounded) BulkWrite(ctx context.Context, coll Collection, id string, ops []Op) error {
	return b.call(ctx, func(ctx context.Context) error { return b.inner.BulkWrite(ctx, coll, id, ops) })
}

func (b *Bounded) FindDriftedPosts(ctx context.Context, limit int) (ids []string, err error) {
	err = b.call(ctx, func(ctx context.Context) error {
		ids, err = b.inner.FindDriftedPosts(ctx, limit)
		return err
	})
	return ids, err
}

func (b *Bounded) Ping(ctx context.Context) error {
	return b.call(ctx, b.inner.Ping)
}

func (b *Bounded) Close(ctx context.Context) error {
	return b.inner.Close(ctx)
}
