// Package store is the identity store holding users and posts.
//
// Every adapter offers the same primitives: batched finds, inserts, counting,
// and an ordered batch of update operations scoped to a single document.
// Nothing spans two documents atomically; callers that touch a user and a
// post issue two separate batches.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrUnavailable       = errors.New("store unavailable")
	ErrInvalidOp         = errors.New("invalid update operation")
)

type Collection string

const (
	Users Collection = "users"
	Posts Collection = "posts"
)

// Projection selects which user fields a find returns.
type Projection int

const (
	// ProjectFull returns every field.
	ProjectFull Projection = iota
	// ProjectProfile leaves out the owned post ids and both vote lists.
	ProjectProfile
)

// Fields a Pull can match vote records on.
const (
	MatchUser = "user"
	MatchPost = "post"
)

type OpKind int

const (
	OpPull OpKind = iota + 1
	OpPush
	OpInc
	OpSyncCounters
	OpAppendPostID
)

// Op is one step of an ordered single-document batch.
type Op struct {
	Kind    OpKind
	List    string // vote list for Pull / Push
	Match   string // record field a Pull compares against Value
	Value   string
	Record  models.VoteRecord
	Counter string
	Delta   int
}

// Pull removes every record in list whose match field equals value.
func Pull(list, match, value string) Op {
	return Op{Kind: OpPull, List: list, Match: match, Value: value}
}

// Push appends rec to list.
func Push(list string, rec models.VoteRecord) Op {
	return Op{Kind: OpPush, List: list, Record: rec}
}

// Inc atomically adds delta to a post counter.
func Inc(counter string, delta int) Op {
	return Op{Kind: OpInc, Counter: counter, Delta: delta}
}

// SyncCounters sets a post's up/down counters to its list lengths.
func SyncCounters() Op {
	return Op{Kind: OpSyncCounters}
}

// AppendPostID appends to a user's owned post ids.
func AppendPostID(postID string) Op {
	return Op{Kind: OpAppendPostID, Value: postID}
}

// Validate checks that op is meaningful against coll.
func (op Op) Validate(coll Collection) error {
	switch op.Kind {
	case OpPull:
		if !isVoteList(op.List) || (op.Match != MatchUser && op.Match != MatchPost) {
			return fmt.Errorf("%w: pull %s.%s", ErrInvalidOp, op.List, op.Match)
		}
	case OpPush:
		if !isVoteList(op.List) {
			return fmt.Errorf("%w: push %s", ErrInvalidOp, op.List)
		}
	case OpInc:
		if coll != Posts || (op.Counter != models.FieldUp && op.Counter != models.FieldDown) {
			return fmt.Errorf("%w: inc %s on %s", ErrInvalidOp, op.Counter, coll)
		}
	case OpSyncCounters:
		if coll != Posts {
			return fmt.Errorf("%w: sync counters on %s", ErrInvalidOp, coll)
		}
	case OpAppendPostID:
		if coll != Users {
			return fmt.Errorf("%w: append post id on %s", ErrInvalidOp, coll)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
	}
	return nil
}

func isVoteList(list string) bool {
	return list == models.FieldUpvotes || list == models.FieldDownvotes
}

func validateOps(coll Collection, ops []Op) error {
	if coll != Users && coll != Posts {
		return fmt.Errorf("%w: unknown collection %q", ErrInvalidOp, coll)
	}
	for _, op := range ops {
		if err := op.Validate(coll); err != nil {
			return err
		}
	}
	return nil
}

// PostQuery filters and pages post listings. Results are newest first.
type PostQuery struct {
	PosterID string
	Offset   int
	Limit    int
}

// Store is implemented by the memory, postgres and mongo adapters.
type Store interface {
	// NewID returns a fresh id in the adapter's canonical form.
	NewID() string
	// NormalizeID converts any accepted spelling of an id to its canonical
	// form. Unparsable ids return ErrNotFound.
	NormalizeID(raw string) (string, error)

	// FindUsers returns the users that exist among ids, in no particular order.
	FindUsers(ctx context.Context, ids []string, proj Projection) ([]models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	// InsertUser fails with ErrDuplicateUsername when the lowercase
	// username is taken.
	InsertUser(ctx context.Context, u *models.User) error

	FindPosts(ctx context.Context, ids []string) ([]models.Post, error)
	ListPosts(ctx context.Context, q PostQuery) ([]models.Post, error)
	CountPosts(ctx context.Context, q PostQuery) (int64, error)
	InsertPost(ctx context.Context, p *models.Post) error

	// BulkWrite applies ops in order to the single document id. It returns
	// ErrNotFound when the document does not exist.
	BulkWrite(ctx context.Context, coll Collection, id string, ops []Op) error
	// FindDriftedPosts returns ids of posts whose counters disagree with
	// their vote lists.
	FindDriftedPosts(ctx context.Context, limit int) ([]string, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// FindUser is a single-id convenience over FindUsers.
func FindUser(ctx context.Context, s Store, id string, proj Projection) (*models.User, error) {
	users, err := s.FindUsers(ctx, []string{id}, proj)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

// FindPost is a single-id convenience over FindPosts.
func FindPost(ctx context.Context, s Store, id string) (*models.Post, error) {
	posts, err := s.FindPosts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 25
	}
	return limit
}
