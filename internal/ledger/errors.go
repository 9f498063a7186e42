package ledger

import (
	"errors"
	"fmt"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrInvalidChoice   = errors.New("choice must be UPVOTE or DOWNVOTE")
	ErrPartialVote     = errors.New("vote recorded but the post was not updated")

	ErrNotFound          = store.ErrNotFound
	ErrDuplicateUsername = store.ErrDuplicateUsername
	ErrStoreUnavailable  = store.ErrUnavailable
)

// PartialVoteError reports a vote whose voter-side write landed and whose
// post-side write did not. The voter's own state is already correct; the
// post's lists and counters lag until a repair or a retry.
type PartialVoteError struct {
	UserID string
	PostID string
	Choice models.Choice
	Err    error
}

func (e *PartialVoteError) Error() string {
	return fmt.Sprintf("vote by %s on %s recorded, post update failed: %v", e.UserID, e.PostID, e.Err)
}

func (e *PartialVoteError) Unwrap() []error {
	return []error{ErrPartialVote, e.Err}
}
