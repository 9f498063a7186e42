package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

type UserHandler struct {
	store store.Store
}

func NewUserHandler(s store.Store) *UserHandler {
	return &UserHandler{store: s}
}

// GetUserProfile returns a user's profile
func (h *UserHandler) GetUserProfile(c *gin.Context) {
	l, ok := loaders(c)
	if !ok {
		return
	}
	user, err := l.User(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	postCount, err := h.store.CountPosts(c.Request.Context(), store.PostQuery{PosterID: user.ID})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"user":       user,
		"post_count": postCount,
	})
}
