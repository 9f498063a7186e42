package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
)

// Memory is an in-process Store. Each document is updated atomically under
// a single lock; it is used by tests and by STORE_DRIVER=memory.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]*models.User
	byLower map[string]string
	posts   map[string]*models.Post
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]*models.User),
		byLower: make(map[string]string),
		posts:   make(map[string]*models.Post),
	}
}

func (m *Memory) NewID() string { return uuid.NewString() }

func (m *Memory) NormalizeID(raw string) (string, error) {
	return normalizeUUID(raw)
}

func normalizeUUID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: id %q", ErrNotFound, raw)
	}
	return id.String(), nil
}

func cloneUser(u *models.User, proj Projection) models.User {
	out := *u
	if proj == ProjectProfile {
		out.PostIDs, out.Upvotes, out.Downvotes = nil, nil, nil
		return out
	}
	out.PostIDs = slices.Clone(u.PostIDs)
	out.Upvotes = slices.Clone(u.Upvotes)
	out.Downvotes = slices.Clone(u.Downvotes)
	return out
}

func clonePost(p *models.Post) models.Post {
	out := *p
	out.Upvotes = slices.Clone(p.Upvotes)
	out.Downvotes = slices.Clone(p.Downvotes)
	return out
}

func (m *Memory) FindUsers(ctx context.Context, ids []string, proj Projection) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, cloneUser(u, proj))
		}
	}
	return out, nil
}

func (m *Memory) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byLower[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	u := cloneUser(m.users[id], ProjectFull)
	return &u, nil
}

func (m *Memory) InsertUser(ctx context.Context, u *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(u.Username)
	if _, taken := m.byLower[lower]; taken {
		return ErrDuplicateUsername
	}
	if u.ID == "" {
		u.ID = m.NewID()
	}
	u.UsernameLower = lower
	stored := cloneUser(u, ProjectFull)
	m.users[u.ID] = &stored
	m.byLower[lower] = u.ID
	return nil
}

func (m *Memory) FindPosts(ctx context.Context, ids []string) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Post, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if p, ok := m.posts[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, clonePost(p))
		}
	}
	return out, nil
}

func (m *Memory) matching(q PostQuery) []*models.Post {
	var out []*models.Post
	for _, p := range m.posts {
		if q.PosterID == "" || p.PosterID == q.PosterID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	return out
}

func (m *Memory) ListPosts(ctx context.Context, q PostQuery) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.matching(q)
	if q.Offset >= len(all) {
		return []models.Post{}, nil
	}
	all = all[max(q.Offset, 0):]
	if limit := clampLimit(q.Limit); len(all) > limit {
		all = all[:limit]
	}
	out := make([]models.Post, len(all))
	for i, p := range all {
		out[i] = clonePost(p)
	}
	return out, nil
}

func (m *Memory) CountPosts(ctx context.Context, q PostQuery) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matching(q))), nil
}

func (m *Memory) InsertPost(ctx context.Context, p *models.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = m.NewID()
	}
	stored := clonePost(p)
	m.posts[p.ID] = &stored
	return nil
}

func (m *Memory) BulkWrite(ctx context.Context, coll Collection, id string, ops []Op) error {
	if err := validateOps(coll, ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch coll {
	case Users:
		u, ok := m.users[id]
		if !ok {
			return ErrNotFound
		}
		next := cloneUser(u, ProjectFull)
		for _, op := range ops {
			if op.Kind == OpAppendPostID {
				next.PostIDs = append(next.PostIDs, op.Value)
				continue
			}
			applyListOp(&next.Upvotes, &next.Downvotes, op)
		}
		m.users[id] = &next
	case Posts:
		p, ok := m.posts[id]
		if !ok {
			return ErrNotFound
		}
		next := clonePost(p)
		for _, op := range ops {
			switch op.Kind {
			case OpInc:
				if op.Counter == models.FieldUp {
					next.Up += op.Delta
				} else {
					next.Down += op.Delta
				}
			case OpSyncCounters:
				next.Up, next.Down = len(next.Upvotes), len(next.Downvotes)
			default:
				applyListOp(&next.Upvotes, &next.Downvotes, op)
			}
		}
		m.posts[id] = &next
	}
	return nil
}

func applyListOp(up, down *models.VoteList, op Op) {
	list := up
	if op.List == models.FieldDownvotes {
		list = down
	}
	switch op.Kind {
	case OpPull:
		*list = list.Without(func(v models.VoteRecord) bool {
			if op.Match == MatchUser {
				return v.User == op.Value
			}
			return v.Post == op.Value
		})
	case OpPush:
		*list = append(*list, op.Record)
	}
}

func (m *Memory) FindDriftedPosts(ctx context.Context, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, p := range m.posts {
		if !p.CountersConsistent() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close(context.Context) error { return nil }
