package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

type fakeList struct {
	items   []string
	pushErr error
}

func (f *fakeList) RPush(_ context.Context, _ string, value string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.items = append(f.items, value)
	return nil
}

func (f *fakeList) LPop(ctx context.Context, _ string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if len(f.items) == 0 {
		return "", false, nil
	}
	v := f.items[0]
	f.items = f.items[1:]
	return v, true, nil
}

type postsDown struct{ store.Store }

func (p postsDown) BulkWrite(ctx context.Context, coll store.Collection, id string, ops []store.Op) error {
	if coll == store.Posts {
		return errors.New("posts shard unreachable")
	}
	return p.Store.BulkWrite(ctx, coll, id, ops)
}

func seed(t *testing.T, s *store.Memory) (*models.User, *models.Post) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Username: "voter", Email: "v@example.com"}
	require.NoError(t, s.InsertUser(ctx, u))
	p := &models.Post{PosterID: u.ID, Body: "body", PostedAt: time.Now()}
	require.NoError(t, s.InsertPost(ctx, p))
	return u, p
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	list := &fakeList{}
	q := NewRedisQueue(list, "")
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, ledger.Repair{UserID: "u1", PostID: "p1"}))
	require.NoError(t, q.Push(ctx, ledger.Repair{UserID: "u2", PostID: "p2"}))
	assert.Equal(t, `{"user_id":"u1","post_id":"p1"}`, list.items[0])

	r, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.Repair{UserID: "u1", PostID: "p1"}, r)

	_, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisQueue_Errors(t *testing.T) {
	boom := errors.New("READONLY")
	q := NewRedisQueue(&fakeList{pushErr: boom}, "k")
	assert.ErrorIs(t, q.Push(context.Background(), ledger.Repair{}), boom)

	q = NewRedisQueue(&fakeList{items: []string{"not json"}}, "k")
	_, ok, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrMalformedRepair)
	assert.False(t, ok)
}

// queueDown fails every pop.
type queueDown struct{ *MemoryQueue }

func (queueDown) Pop(context.Context) (ledger.Repair, bool, error) {
	return ledger.Repair{}, false, errors.New("redis: connection refused")
}

func TestRunOnce_SkipsMalformedEntries(t *testing.T) {
	s := store.NewMemory()
	u, p := seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.BulkWrite(ctx, store.Posts, p.ID, []store.Op{store.Inc(models.FieldUp, 2)}))

	list := &fakeList{items: []string{"{oops"}}
	q := NewRedisQueue(list, "k")
	require.NoError(t, q.Push(ctx, ledger.Repair{UserID: u.ID, PostID: p.ID}))

	res, err := New(ledger.NewEngine(s), s, q, 0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Repaired)
	assert.Empty(t, list.items)

	post, err := store.FindPost(ctx, s, p.ID)
	require.NoError(t, err)
	assert.Zero(t, post.Up)
}

func TestRunOnce_SweepsWhenQueueFails(t *testing.T) {
	s := store.NewMemory()
	_, p := seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.BulkWrite(ctx, store.Posts, p.ID, []store.Op{store.Inc(models.FieldDown, 1)}))

	res, err := New(ledger.NewEngine(s), s, queueDown{NewMemoryQueue()}, 0).RunOnce(ctx)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, res.Resynced)

	post, err := store.FindPost(ctx, s, p.ID)
	require.NoError(t, err)
	assert.Zero(t, post.Down)
}

func TestMemoryQueue_Dedupes(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	r := ledger.Repair{UserID: "u", PostID: "p"}

	require.NoError(t, q.Push(ctx, r))
	require.NoError(t, q.Push(ctx, r))
	assert.Equal(t, 1, q.Len())

	got, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r, got)

	require.NoError(t, q.Push(ctx, r))
	assert.Equal(t, 1, q.Len())
}

func TestRunOnce_RepairsPartialVote(t *testing.T) {
	s := store.NewMemory()
	u, p := seed(t, s)
	ctx := context.Background()
	q := NewMemoryQueue()

	broken := ledger.NewEngine(postsDown{s}, ledger.WithRepairQueue(q))
	_, err := broken.CastVote(ctx, u, p.ID, models.Upvote)
	require.ErrorIs(t, err, ledger.ErrPartialVote)
	require.Equal(t, 1, q.Len())

	r := New(ledger.NewEngine(s), s, q, 0)
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)
	assert.Zero(t, q.Len())

	post, err := store.FindPost(ctx, s, p.ID)
	require.NoError(t, err)
	assert.True(t, post.HoldsExactly(u.ID, models.Upvote))
	assert.Equal(t, 1, post.Up)
}

func TestRunOnce_RequeuesOnStoreFailure(t *testing.T) {
	s := store.NewMemory()
	u, p := seed(t, s)
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, s.BulkWrite(ctx, store.Users, u.ID, []store.Op{
		store.Push(models.FieldDownvotes, models.VoteRecord{User: u.ID, Post: p.ID}),
	}))
	require.NoError(t, q.Push(ctx, ledger.Repair{UserID: u.ID, PostID: p.ID}))

	r := New(ledger.NewEngine(postsDown{s}), s, q, 0)
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, q.Len())
}

func TestRunOnce_DropsVanishedPairs(t *testing.T) {
	s := store.NewMemory()
	q := NewMemoryQueue()
	require.NoError(t, q.Push(context.Background(), ledger.Repair{UserID: s.NewID(), PostID: s.NewID()}))

	res, err := New(ledger.NewEngine(s), s, q, 0).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, q.Len())
}

func TestRunOnce_SweepsDriftedCounters(t *testing.T) {
	s := store.NewMemory()
	_, p := seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.BulkWrite(ctx, store.Posts, p.ID, []store.Op{store.Inc(models.FieldDown, 3)}))

	res, err := New(ledger.NewEngine(s), s, nil, 0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resynced)

	post, err := store.FindPost(ctx, s, p.ID)
	require.NoError(t, err)
	assert.Zero(t, post.Down)

	drifted, err := s.FindDriftedPosts(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestRun_StopsWithContext(t *testing.T) {
	s := store.NewMemory()
	r := New(ledger.NewEngine(s), s, NewMemoryQueue(), 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
