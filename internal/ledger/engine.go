// Package ledger records votes on posts.
//
// A vote lives in two places: the voter's upvote/downvote lists and the
// post's upvote/downvote lists, plus the post's cached up/down counters.
// The two documents are written one after the other with no transaction
// spanning them. The voter side is always written first so that a failure
// in between leaves the voter's own view correct and only the post lagging.
// Both writes clear any existing record for the pair before inserting, so
// re-running either one is safe.
package ledger

import (
	"context"
	"log/slog"

	"github.com/emilythestrangee/vote-ledger/backend/internal/metrics"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

// Repair names a (user, post) pair whose post side needs to be re-derived
// from the user side.
type Repair struct {
	UserID string `json:"user_id"`
	PostID string `json:"post_id"`
}

// RepairQueue receives pairs left inconsistent by a partial failure.
type RepairQueue interface {
	Push(ctx context.Context, r Repair) error
}

type Engine struct {
	store   store.Store
	repairs RepairQueue
}

type Option func(*Engine)

// WithRepairQueue hands partial failures to q for later repair.
func WithRepairQueue(q RepairQueue) Option {
	return func(e *Engine) { e.repairs = q }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome describes the effect of a vote call.
type Outcome struct {
	PostID string        `json:"post_id"`
	Choice models.Choice `json:"choice"`
	// Changed is false when the stored state already matched and no write
	// was issued.
	Changed bool `json:"changed"`
	// Partial is set together with a *PartialVoteError.
	Partial bool `json:"partial"`
	// Up and Down are the post's counters as expected after the call.
	Up   int `json:"up"`
	Down int `json:"down"`
}

// CastVote records user's choice on postID, replacing any earlier vote by
// the same user on the same post.
func (e *Engine) CastVote(ctx context.Context, user *models.User, postID string, choice models.Choice) (*Outcome, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	if !choice.Valid() {
		return nil, ErrInvalidChoice
	}
	return e.apply(ctx, user.ID, postID, choice)
}

// RetractVote removes user's vote on postID, if any.
func (e *Engine) RetractVote(ctx context.Context, user *models.User, postID string) (*Outcome, error) {
	if user == nil {
		return nil, ErrUnauthenticated
	}
	return e.apply(ctx, user.ID, postID, models.ChoiceNone)
}

func (e *Engine) apply(ctx context.Context, userID, rawPostID string, choice models.Choice) (*Outcome, error) {
	postID, err := e.store.NormalizeID(rawPostID)
	if err != nil {
		return nil, ErrNotFound
	}
	post, err := store.FindPost(ctx, e.store, postID)
	if err != nil {
		return nil, err
	}
	voter, err := store.FindUser(ctx, e.store, userID, store.ProjectFull)
	if err != nil {
		return nil, err
	}

	out := &Outcome{PostID: postID, Choice: choice, Up: post.Up, Down: post.Down}
	if settled(voter, post, choice) {
		metrics.RecordNoop()
		return out, nil
	}

	rec := models.VoteRecord{User: voter.ID, Post: postID}

	if err := e.store.BulkWrite(ctx, store.Users, voter.ID, voterOps(rec, choice)); err != nil {
		slog.Error("vote aborted, voter write failed", "user_id", voter.ID, "post_id", postID, "error", err)
		return nil, err
	}

	ops, upDelta, downDelta := postOps(rec, choice, post)
	out.Changed = true
	out.Up += upDelta
	out.Down += downDelta

	if err := e.store.BulkWrite(ctx, store.Posts, postID, ops); err != nil {
		metrics.RecordPartialFailure()
		slog.Warn("partial vote failure", "user_id", voter.ID, "post_id", postID, "choice", choice, "error", err)
		e.enqueueRepair(ctx, Repair{UserID: voter.ID, PostID: postID})
		out.Partial = true
		out.Up, out.Down = post.Up, post.Down
		return out, &PartialVoteError{UserID: voter.ID, PostID: postID, Choice: choice, Err: err}
	}

	metrics.RecordVote(string(choice))
	return out, nil
}

func (e *Engine) enqueueRepair(ctx context.Context, r Repair) {
	if e.repairs == nil {
		return
	}
	// the request may already be cancelled; the repair must still be queued
	if err := e.repairs.Push(context.WithoutCancel(ctx), r); err != nil {
		slog.Error("failed to queue vote repair", "user_id", r.UserID, "post_id", r.PostID, "error", err)
	}
}

// settled reports whether both documents already hold exactly the requested
// state for the pair.
func settled(voter *models.User, post *models.Post, choice models.Choice) bool {
	if choice == models.ChoiceNone {
		return voter.ChoiceOn(post.ID) == models.ChoiceNone && post.ChoiceOf(voter.ID) == models.ChoiceNone
	}
	return voter.HoldsExactly(post.ID, choice) && post.HoldsExactly(voter.ID, choice)
}

// voterOps clears any record for the post from both of the voter's lists,
// then appends the new one.
func voterOps(rec models.VoteRecord, choice models.Choice) []store.Op {
	ops := []store.Op{
		store.Pull(models.FieldUpvotes, store.MatchPost, rec.Post),
		store.Pull(models.FieldDownvotes, store.MatchPost, rec.Post),
	}
	if choice.Valid() {
		ops = append(ops, store.Push(choice.ListField(), rec))
	}
	return ops
}

// postOps clears any record by the voter from both of the post's lists,
// appends the new one and moves the counters by the net change relative to
// before.
func postOps(rec models.VoteRecord, choice models.Choice, before *models.Post) (ops []store.Op, upDelta, downDelta int) {
	ops = []store.Op{
		store.Pull(models.FieldUpvotes, store.MatchUser, rec.User),
		store.Pull(models.FieldDownvotes, store.MatchUser, rec.User),
	}
	if choice.Valid() {
		ops = append(ops, store.Push(choice.ListField(), rec))
	}

	delta := map[string]int{
		models.FieldUp:   -before.Upvotes.CountUser(rec.User),
		models.FieldDown: -before.Downvotes.CountUser(rec.User),
	}
	if choice.Valid() {
		delta[choice.CounterField()]++
	}
	for _, field := range []string{models.FieldUp, models.FieldDown} {
		if delta[field] != 0 {
			ops = append(ops, store.Inc(field, delta[field]))
		}
	}
	return ops, delta[models.FieldUp], delta[models.FieldDown]
}
