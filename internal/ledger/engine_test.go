package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

type fixture struct {
	store *store.Memory
	user  *models.User
	post  *models.Post
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	author := &models.User{Username: "author", Email: "a@example.com"}
	require.NoError(t, s.InsertUser(ctx, author))
	voter := &models.User{Username: "voter", Email: "v@example.com"}
	require.NoError(t, s.InsertUser(ctx, voter))
	post := &models.Post{PosterID: author.ID, Body: "hello", PostedAt: time.Now()}
	require.NoError(t, s.InsertPost(ctx, post))

	return &fixture{store: s, user: voter, post: post}
}

func (f *fixture) reload(t *testing.T) (*models.User, *models.Post) {
	t.Helper()
	ctx := context.Background()
	u, err := store.FindUser(ctx, f.store, f.user.ID, store.ProjectFull)
	require.NoError(t, err)
	p, err := store.FindPost(ctx, f.store, f.post.ID)
	require.NoError(t, err)
	return u, p
}

// failingPosts fails every post-side batch.
type failingPosts struct {
	store.Store
	err error
}

func (f *failingPosts) BulkWrite(ctx context.Context, coll store.Collection, id string, ops []store.Op) error {
	if coll == store.Posts {
		return f.err
	}
	return f.Store.BulkWrite(ctx, coll, id, ops)
}

// failingUsers fails every voter-side batch.
type failingUsers struct {
	store.Store
	err error
}

func (f *failingUsers) BulkWrite(ctx context.Context, coll store.Collection, id string, ops []store.Op) error {
	if coll == store.Users {
		return f.err
	}
	return f.Store.BulkWrite(ctx, coll, id, ops)
}

func partialFailureCount(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "ledger_partial_vote_failures_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// countingStore counts batches per collection.
type countingStore struct {
	store.Store
	mu     sync.Mutex
	writes map[store.Collection]int
}

func (c *countingStore) BulkWrite(ctx context.Context, coll store.Collection, id string, ops []store.Op) error {
	c.mu.Lock()
	if c.writes == nil {
		c.writes = make(map[store.Collection]int)
	}
	c.writes[coll]++
	c.mu.Unlock()
	return c.Store.BulkWrite(ctx, coll, id, ops)
}

type sliceQueue struct {
	mu      sync.Mutex
	repairs []Repair
}

func (q *sliceQueue) Push(_ context.Context, r Repair) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repairs = append(q.repairs, r)
	return nil
}

func TestCastVote_Upvote(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)

	out, err := e.CastVote(context.Background(), f.user, f.post.ID, models.Upvote)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, 1, out.Up)
	assert.Equal(t, 0, out.Down)

	u, p := f.reload(t)
	rec := models.VoteRecord{User: f.user.ID, Post: f.post.ID}
	assert.Equal(t, models.VoteList{rec}, u.Upvotes)
	assert.Empty(t, u.Downvotes)
	assert.Equal(t, models.VoteList{rec}, p.Upvotes)
	assert.Empty(t, p.Downvotes)
	assert.Equal(t, 1, p.Up)
	assert.Equal(t, 0, p.Down)
}

func TestCastVote_SwitchSides(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)
	ctx := context.Background()

	_, err := e.CastVote(ctx, f.user, f.post.ID, models.Upvote)
	require.NoError(t, err)
	out, err := e.CastVote(ctx, f.user, f.post.ID, models.Downvote)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Up)
	assert.Equal(t, 1, out.Down)

	u, p := f.reload(t)
	assert.Empty(t, u.Upvotes)
	assert.Len(t, u.Downvotes, 1)
	assert.Empty(t, p.Upvotes)
	assert.Len(t, p.Downvotes, 1)
	assert.Equal(t, 0, p.Up)
	assert.Equal(t, 1, p.Down)
	assert.True(t, u.Consistent())
	assert.True(t, p.CountersConsistent())
}

func TestCastVote_RepeatIsNoop(t *testing.T) {
	f := newFixture(t)
	counting := &countingStore{Store: f.store}
	e := NewEngine(counting)
	ctx := context.Background()

	_, err := e.CastVote(ctx, f.user, f.post.ID, models.Upvote)
	require.NoError(t, err)
	out, err := e.CastVote(ctx, f.user, f.post.ID, models.Upvote)
	require.NoError(t, err)

	assert.False(t, out.Changed)
	assert.Equal(t, 1, out.Up)
	assert.Equal(t, 1, counting.writes[store.Users])
	assert.Equal(t, 1, counting.writes[store.Posts])

	u, p := f.reload(t)
	assert.Len(t, u.Upvotes, 1)
	assert.Len(t, p.Upvotes, 1)
	assert.Equal(t, 1, p.Up)
}

func TestRetractVote(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)
	ctx := context.Background()

	_, err := e.CastVote(ctx, f.user, f.post.ID, models.Downvote)
	require.NoError(t, err)
	out, err := e.RetractVote(ctx, f.user, f.post.ID)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, models.ChoiceNone, out.Choice)

	u, p := f.reload(t)
	assert.Empty(t, u.Upvotes)
	assert.Empty(t, u.Downvotes)
	assert.Empty(t, p.Upvotes)
	assert.Empty(t, p.Downvotes)
	assert.Equal(t, 0, p.Up)
	assert.Equal(t, 0, p.Down)

	// retracting again changes nothing
	out, err = e.RetractVote(ctx, f.user, f.post.ID)
	require.NoError(t, err)
	assert.False(t, out.Changed)
}

func TestCastVote_Rejections(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)
	ctx := context.Background()

	_, err := e.CastVote(ctx, nil, f.post.ID, models.Upvote)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = e.RetractVote(ctx, nil, f.post.ID)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = e.CastVote(ctx, f.user, f.post.ID, models.ChoiceNone)
	assert.ErrorIs(t, err, ErrInvalidChoice)

	_, err = e.CastVote(ctx, f.user, f.store.NewID(), models.Upvote)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.CastVote(ctx, f.user, "not-an-id", models.Upvote)
	assert.ErrorIs(t, err, ErrNotFound)

	u, p := f.reload(t)
	assert.Empty(t, u.Upvotes)
	assert.Empty(t, p.Upvotes)
}

func TestCastVote_PartialFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	q := &sliceQueue{}
	e := NewEngine(&failingPosts{Store: f.store, err: boom}, WithRepairQueue(q))

	out, err := e.CastVote(context.Background(), f.user, f.post.ID, models.Upvote)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialVote)
	assert.ErrorIs(t, err, boom)

	var perr *PartialVoteError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, f.user.ID, perr.UserID)
	assert.Equal(t, f.post.ID, perr.PostID)
	assert.True(t, out.Partial)

	u, p := f.reload(t)
	assert.Len(t, u.Upvotes, 1, "voter side is written first")
	assert.Empty(t, p.Upvotes)
	assert.Equal(t, 0, p.Up)

	require.Len(t, q.repairs, 1)
	assert.Equal(t, Repair{UserID: f.user.ID, PostID: f.post.ID}, q.repairs[0])

	// the healthy engine converges the pair from the voter's lists
	require.NoError(t, NewEngine(f.store).Repair(context.Background(), q.repairs[0]))
	u, p = f.reload(t)
	assert.True(t, p.HoldsExactly(u.ID, models.Upvote))
	assert.Equal(t, 1, p.Up)
}

func TestCastVote_VoterWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := NewEngine(f.store).CastVote(ctx, f.user, f.post.ID, models.Downvote)
	require.NoError(t, err)
	userBefore, postBefore := f.reload(t)

	q := &sliceQueue{}
	bounded := store.NewBounded(&failingUsers{Store: f.store, err: errors.New("connection refused")}, time.Second)
	e := NewEngine(bounded, WithRepairQueue(q))
	partials := partialFailureCount(t)

	out, err := e.CastVote(ctx, f.user, f.post.ID, models.Upvote)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, errors.Is(err, ErrPartialVote))
	var perr *PartialVoteError
	assert.False(t, errors.As(err, &perr))

	u, p := f.reload(t)
	assert.Equal(t, userBefore, u)
	assert.Equal(t, postBefore, p)
	assert.True(t, u.HoldsExactly(f.post.ID, models.Downvote))
	assert.Empty(t, q.repairs)
	assert.Equal(t, partials, partialFailureCount(t))
}

func TestCastVote_RetryAfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	failing := NewEngine(&failingPosts{Store: f.store, err: errors.New("timeout")})
	_, err := failing.CastVote(context.Background(), f.user, f.post.ID, models.Downvote)
	require.ErrorIs(t, err, ErrPartialVote)

	out, err := NewEngine(f.store).CastVote(context.Background(), f.user, f.post.ID, models.Downvote)
	require.NoError(t, err)
	assert.True(t, out.Changed)

	u, p := f.reload(t)
	assert.True(t, u.HoldsExactly(f.post.ID, models.Downvote))
	assert.True(t, p.HoldsExactly(f.user.ID, models.Downvote))
	assert.Equal(t, 1, p.Down)
	assert.True(t, p.CountersConsistent())
}

func TestCastVote_ConcurrentDistinctVoters(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)
	ctx := context.Background()

	const n = 40
	voters := make([]*models.User, n)
	for i := range voters {
		u := &models.User{Username: fmt.Sprintf("voter_%d", i), Email: "x@example.com"}
		require.NoError(t, f.store.InsertUser(ctx, u))
		voters[i] = u
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, u := range voters {
		choice := models.Upvote
		if i%4 == 0 {
			choice = models.Downvote
		}
		wg.Add(1)
		go func(u *models.User, c models.Choice) {
			defer wg.Done()
			if _, err := e.CastVote(ctx, u, f.post.ID, c); err != nil {
				errs <- err
			}
		}(u, choice)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := store.FindPost(ctx, f.store, f.post.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, p.Up)
	assert.Equal(t, 10, p.Down)
	assert.True(t, p.CountersConsistent())
}

func TestVoteStates(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)
	ctx := context.Background()

	other := &models.Post{PosterID: f.user.ID, Body: "second", PostedAt: time.Now()}
	require.NoError(t, f.store.InsertPost(ctx, other))
	untouched := &models.Post{PosterID: f.user.ID, Body: "third", PostedAt: time.Now()}
	require.NoError(t, f.store.InsertPost(ctx, untouched))

	_, err := e.CastVote(ctx, f.user, f.post.ID, models.Upvote)
	require.NoError(t, err)
	_, err = e.CastVote(ctx, f.user, other.ID, models.Downvote)
	require.NoError(t, err)

	states, err := e.VoteStates(ctx, f.user, []string{f.post.ID, other.ID, untouched.ID, "garbage"})
	require.NoError(t, err)
	assert.Equal(t, map[string]models.Choice{
		f.post.ID: models.Upvote,
		other.ID:  models.Downvote,
	}, states)

	anon, err := e.VoteStates(ctx, nil, []string{f.post.ID})
	require.NoError(t, err)
	assert.Empty(t, anon)
}

func TestVoteStateForUser(t *testing.T) {
	f := newFixture(t)
	_, err := NewEngine(f.store).CastVote(context.Background(), f.user, f.post.ID, models.Downvote)
	require.NoError(t, err)

	u, p := f.reload(t)
	assert.Equal(t, models.Downvote, VoteStateForUser(p, u))
	assert.Equal(t, models.ChoiceNone, VoteStateForUser(p, nil))
	assert.Equal(t, models.ChoiceNone, VoteStateForUser(p, &models.User{ID: f.store.NewID()}))
}

func TestVoteStateForUser_AfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(&failingPosts{Store: f.store, err: errors.New("write timeout")})
	_, err := e.CastVote(context.Background(), f.user, f.post.ID, models.Upvote)
	require.ErrorIs(t, err, ErrPartialVote)

	u, p := f.reload(t)
	require.Empty(t, p.Upvotes, "post side lags")
	assert.Equal(t, models.Upvote, VoteStateForUser(p, u))

	states, err := NewEngine(f.store).VoteStates(context.Background(), f.user, []string{f.post.ID})
	require.NoError(t, err)
	assert.Equal(t, models.Upvote, states[f.post.ID])
}

func TestRepair_ResyncsDriftedCounters(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store)
	ctx := context.Background()

	_, err := e.CastVote(ctx, f.user, f.post.ID, models.Upvote)
	require.NoError(t, err)
	require.NoError(t, f.store.BulkWrite(ctx, store.Posts, f.post.ID, []store.Op{store.Inc(models.FieldUp, 5)}))

	require.NoError(t, e.Repair(ctx, Repair{UserID: f.user.ID, PostID: f.post.ID}))
	_, p := f.reload(t)
	assert.Equal(t, 1, p.Up)
	assert.True(t, p.CountersConsistent())
}
