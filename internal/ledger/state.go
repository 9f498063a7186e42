package ledger

import (
	"context"
	"errors"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

// VoteStateForUser returns user's choice on post. It reads the voter's own
// lists, which are written first and stay correct while the post lags, so
// user must be loaded with store.ProjectFull. A nil user has no vote.
func VoteStateForUser(post *models.Post, user *models.User) models.Choice {
	if post == nil || user == nil {
		return models.ChoiceNone
	}
	return user.ChoiceOn(post.ID)
}

// VoteStates resolves user's choice on every post in postIDs with a single
// read of the user's vote lists. Posts without a vote are absent from the
// result. Keys are canonical post ids.
func (e *Engine) VoteStates(ctx context.Context, user *models.User, postIDs []string) (map[string]models.Choice, error) {
	states := make(map[string]models.Choice)
	if user == nil || len(postIDs) == 0 {
		return states, nil
	}

	voter, err := store.FindUser(ctx, e.store, user.ID, store.ProjectFull)
	if errors.Is(err, store.ErrNotFound) {
		return states, nil
	}
	if err != nil {
		return nil, err
	}

	index := make(map[string]models.Choice, len(voter.Upvotes)+len(voter.Downvotes))
	for _, v := range voter.Downvotes {
		index[v.Post] = models.Downvote
	}
	// an upvote wins over a stray downvote, matching User.ChoiceOn
	for _, v := range voter.Upvotes {
		index[v.Post] = models.Upvote
	}

	for _, raw := range postIDs {
		id, err := e.store.NormalizeID(raw)
		if err != nil {
			continue
		}
		if c, ok := index[id]; ok {
			states[id] = c
		}
	}
	return states, nil
}

// Repair re-derives the post side of the (userID, postID) pair from the
// voter's lists, which are authoritative, and re-syncs the post counters.
// It is idempotent.
func (e *Engine) Repair(ctx context.Context, r Repair) error {
	voter, err := store.FindUser(ctx, e.store, r.UserID, store.ProjectFull)
	if err != nil {
		return err
	}
	post, err := store.FindPost(ctx, e.store, r.PostID)
	if err != nil {
		return err
	}

	choice := VoteStateForUser(post, voter)
	rec := models.VoteRecord{User: voter.ID, Post: post.ID}

	if choice.Valid() && !voter.HoldsExactly(post.ID, choice) {
		if err := e.store.BulkWrite(ctx, store.Users, voter.ID, voterOps(rec, choice)); err != nil {
			return err
		}
	}
	if settled(voter, post, choice) && post.CountersConsistent() {
		return nil
	}

	ops := []store.Op{
		store.Pull(models.FieldUpvotes, store.MatchUser, rec.User),
		store.Pull(models.FieldDownvotes, store.MatchUser, rec.User),
	}
	if choice.Valid() {
		ops = append(ops, store.Push(choice.ListField(), rec))
	}
	ops = append(ops, store.SyncCounters())
	return e.store.BulkWrite(ctx, store.Posts, post.ID, ops)
}
