// Package accounts handles registration, login and post authoring.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/session"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

type Service struct {
	store store.Store
	keys  *session.Keyring
	now   func() time.Time
	cost  int
}

func NewService(s store.Store, keys *session.Keyring) *Service {
	return &Service{store: s, keys: keys, now: time.Now, cost: bcrypt.DefaultCost}
}

// Register creates a user and returns it with a fresh session token.
// Usernames are unique ignoring case.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, string, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	gender, birthday, err := req.Validate(s.now())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	_, err = s.store.FindUserByUsername(ctx, req.Username)
	switch {
	case err == nil:
		return nil, "", ledger.ErrDuplicateUsername
	case !errors.Is(err, store.ErrNotFound):
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:            s.store.NewID(),
		Username:      req.Username,
		UsernameLower: strings.ToLower(req.Username),
		PasswordHash:  string(hash),
		Email:         req.Email,
		Gender:        gender,
		Birthday:      birthday,
		PostIDs:       []string{},
		Upvotes:       models.VoteList{},
		Downvotes:     models.VoteList{},
		CreatedAt:     s.now().UTC(),
	}
	// the unique index still catches a concurrent registration of the same name
	if err := s.store.InsertUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := s.keys.Sign(user.ID)
	if err != nil {
		return nil, "", err
	}
	slog.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login checks credentials and returns the user with a fresh session token.
func (s *Service) Login(ctx context.Context, req models.LoginRequest) (*models.User, string, error) {
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.keys.Sign(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// CreatePost stores a new post by author and records it in the author's
// owned post ids.
func (s *Service) CreatePost(ctx context.Context, author *models.User, req models.CreatePostRequest) (*models.Post, error) {
	if author == nil {
		return nil, ledger.ErrUnauthenticated
	}
	body, err := req.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	post := &models.Post{
		ID:        s.store.NewID(),
		PosterID:  author.ID,
		Body:      body,
		PostedAt:  s.now().UTC(),
		Upvotes:   models.VoteList{},
		Downvotes: models.VoteList{},
	}
	if err := s.store.InsertPost(ctx, post); err != nil {
		return nil, err
	}

	// listings go by poster id, so a missing back-reference is only logged
	if err := s.store.BulkWrite(ctx, store.Users, author.ID, []store.Op{store.AppendPostID(post.ID)}); err != nil {
		slog.Warn("failed to record post on author", "user_id", author.ID, "post_id", post.ID, "error", err)
	}
	return post, nil
}
