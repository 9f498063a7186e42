package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

// spyStore counts user and post finds.
type spyStore struct {
	store.Store
	userFinds atomic.Int32
	postFinds atomic.Int32
	lastProj  atomic.Int32
	fail      error
}

func (s *spyStore) FindUsers(ctx context.Context, ids []string, proj store.Projection) ([]models.User, error) {
	s.userFinds.Add(1)
	s.lastProj.Store(int32(proj))
	if s.fail != nil {
		return nil, s.fail
	}
	return s.Store.FindUsers(ctx, ids, proj)
}

func (s *spyStore) FindPosts(ctx context.Context, ids []string) ([]models.Post, error) {
	s.postFinds.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	return s.Store.FindPosts(ctx, ids)
}

func seedUsers(t *testing.T, mem *store.Memory, names ...string) []*models.User {
	t.Helper()
	out := make([]*models.User, len(names))
	for i, name := range names {
		u := &models.User{
			Username: name,
			Email:    name + "@example.com",
			Upvotes:  models.VoteList{{User: "x", Post: "y"}},
		}
		require.NoError(t, mem.InsertUser(context.Background(), u))
		out[i] = u
	}
	return out
}

func TestUser_CoalescesConcurrentLoads(t *testing.T) {
	mem := store.NewMemory()
	users := seedUsers(t, mem, "ann")
	spy := &spyStore{Store: mem}
	l := New(spy, 10*time.Millisecond)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	got := make([]*models.User, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = l.User(ctx, users[0].ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ann", got[i].Username)
	}
	assert.EqualValues(t, 1, spy.userFinds.Load())
	assert.EqualValues(t, store.ProjectProfile, spy.lastProj.Load())
	assert.Nil(t, got[0].Upvotes, "profile projection leaves vote lists out")
}

func TestUsers_PreservesOrderAndMissing(t *testing.T) {
	mem := store.NewMemory()
	users := seedUsers(t, mem, "ann", "ben", "cat")
	spy := &spyStore{Store: mem}
	l := New(spy, 0)

	ids := []string{users[2].ID, mem.NewID(), "junk", users[0].ID, users[2].ID}
	got, err := l.Users(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	assert.Equal(t, "cat", got[0].Username)
	assert.Nil(t, got[1])
	assert.Nil(t, got[2])
	assert.Equal(t, "ann", got[3].Username)
	assert.Equal(t, "cat", got[4].Username)
	assert.EqualValues(t, 1, spy.userFinds.Load())

	// cached for the rest of the request
	_, err = l.User(context.Background(), users[1].ID)
	require.NoError(t, err)
	_, err = l.User(context.Background(), users[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, spy.userFinds.Load())
}

func TestUser_NormalizesIDs(t *testing.T) {
	mem := store.NewMemory()
	users := seedUsers(t, mem, "ann")
	spy := &spyStore{Store: mem}
	l := New(spy, 0)
	ctx := context.Background()

	upper := []byte(users[0].ID)
	for i, b := range upper {
		if b >= 'a' && b <= 'f' {
			upper[i] = b - 'a' + 'A'
		}
	}
	u1, err := l.User(ctx, string(upper))
	require.NoError(t, err)
	u2, err := l.User(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Same(t, u1, u2)
	assert.EqualValues(t, 1, spy.userFinds.Load())

	_, err = l.User(ctx, "definitely not an id")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = l.User(ctx, mem.NewID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPost_BatchErrorFailsEveryKey(t *testing.T) {
	mem := store.NewMemory()
	boom := errors.New("socket closed")
	l := New(&spyStore{Store: mem, fail: boom}, 5*time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Post(ctx, mem.NewID())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}

func TestPrimeUser(t *testing.T) {
	mem := store.NewMemory()
	spy := &spyStore{Store: mem}
	l := New(spy, 0)
	u := &models.User{ID: mem.NewID(), Username: "primed"}

	l.PrimeUser(context.Background(), u)
	got, err := l.User(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "primed", got.Username)
	assert.Zero(t, spy.userFinds.Load())
}

func TestContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrNoLoaders)

	l := New(store.NewMemory(), 0)
	got, err := FromContext(WithLoaders(context.Background(), l))
	require.NoError(t, err)
	assert.Same(t, l, got)
}
