package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/vote-ledger/backend/internal/accounts"
	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/loader"
	"github.com/emilythestrangee/vote-ledger/backend/internal/middleware"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

type PostHandler struct {
	store    store.Store
	accounts *accounts.Service
	engine   *ledger.Engine
}

func NewPostHandler(s store.Store, accts *accounts.Service, engine *ledger.Engine) *PostHandler {
	return &PostHandler{store: s, accounts: accts, engine: engine}
}

// GetPosts returns a page of posts, newest first, with the caller's vote on
// each one.
func (h *PostHandler) GetPosts(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "offset must be a non-negative integer"})
		return
	}
	limit, err := queryInt(c, "limit", 25)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a non-negative integer"})
		return
	}

	q := store.PostQuery{Offset: offset, Limit: limit}
	if poster := c.Query("poster"); poster != "" {
		id, err := h.store.NormalizeID(poster)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "posts": []models.PostView{}, "total": 0})
			return
		}
		q.PosterID = id
	}

	ctx := c.Request.Context()
	posts, err := h.store.ListPosts(ctx, q)
	if err != nil {
		respondError(c, err)
		return
	}
	total, err := h.store.CountPosts(ctx, q)
	if err != nil {
		respondError(c, err)
		return
	}

	views, err := h.views(c, posts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "posts": views, "total": total})
}

// GetPost returns a single post by ID
func (h *PostHandler) GetPost(c *gin.Context) {
	l, ok := loaders(c)
	if !ok {
		return
	}
	post, err := l.Post(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	views, err := h.views(c, []models.Post{*post})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "post": views[0]})
}

// views decorates posts with poster usernames and the caller's votes. The
// posters come from one batched load and the votes from one user read.
func (h *PostHandler) views(c *gin.Context, posts []models.Post) ([]models.PostView, error) {
	ctx := c.Request.Context()
	views := make([]models.PostView, len(posts))
	if len(posts) == 0 {
		return views, nil
	}

	ids := make([]string, len(posts))
	posterIDs := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
		posterIDs[i] = p.PosterID
	}

	l, err := loader.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	posters, err := l.Users(ctx, posterIDs)
	if err != nil {
		return nil, err
	}

	states, err := h.engine.VoteStates(ctx, middleware.CurrentUser(c), ids)
	if err != nil {
		return nil, err
	}

	for i, p := range posts {
		views[i] = models.PostView{Post: p, MyVote: states[p.ID]}
		if posters[i] != nil {
			views[i].PosterUsername = posters[i].Username
		}
	}
	return views, nil
}

// CreatePost creates a new post (PROTECTED - requires authentication)
func (h *PostHandler) CreatePost(c *gin.Context) {
	var input models.CreatePostRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Body is required"})
		return
	}

	post, err := h.accounts.CreatePost(c.Request.Context(), middleware.CurrentUser(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "post": post})
}

// VotePost records an upvote or downvote (PROTECTED - requires authentication)
func (h *PostHandler) VotePost(c *gin.Context) {
	var input models.VoteRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Choice must be UPVOTE or DOWNVOTE"})
		return
	}
	choice, err := models.ParseChoice(input.Choice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Choice must be UPVOTE or DOWNVOTE"})
		return
	}

	out, err := h.engine.CastVote(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), choice)
	respondVote(c, out, err)
}

// RetractVote removes the caller's vote (PROTECTED - requires authentication)
func (h *PostHandler) RetractVote(c *gin.Context) {
	out, err := h.engine.RetractVote(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"))
	respondVote(c, out, err)
}

func respondVote(c *gin.Context, out *ledger.Outcome, err error) {
	var partial *ledger.PartialVoteError
	switch {
	case errors.As(err, &partial):
		// the caller's own vote is recorded; only the post lags
		c.JSON(http.StatusAccepted, gin.H{"success": true, "partial": true, "error": "Vote recorded, post totals are catching up", "vote": out})
	case err != nil:
		respondError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "vote": out})
	}
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
