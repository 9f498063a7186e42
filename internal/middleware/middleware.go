package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/vote-ledger/backend/internal/loader"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
	"github.com/emilythestrangee/vote-ledger/backend/internal/session"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

const userKey = "user"

// Loaders gives every request its own batched loaders.
func Loaders(s store.Store, wait time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		l := loader.New(s, wait)
		c.Request = c.Request.WithContext(loader.WithLoaders(c.Request.Context(), l))
		c.Next()
	}
}

// AuthMiddleware resolves the bearer token, if any, to a user. Requests
// with a missing, invalid or expired token carry on anonymously; routes
// that need a user add RequireAuth.
func AuthMiddleware(keys *session.Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := session.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Next()
			return
		}
		userID, ok := keys.Verify(token)
		if !ok {
			c.Next()
			return
		}

		l, err := loader.FromContext(c.Request.Context())
		if err != nil {
			slog.Error("auth middleware mounted without loaders", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
			return
		}
		user, err := l.User(c.Request.Context(), userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// token outlived its user
			c.Next()
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Service unavailable"})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil.
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}
