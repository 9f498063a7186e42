package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/vote-ledger/backend/internal/accounts"
	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/loader"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

// Handler combines all handler types
type Handler struct {
	Auth *AuthHandler
	Post *PostHandler
	User *UserHandler
}

// NewHandler creates a unified handler with all sub-handlers
func NewHandler(s store.Store, accts *accounts.Service, engine *ledger.Engine) *Handler {
	return &Handler{
		Auth: NewAuthHandler(accts),
		Post: NewPostHandler(s, accts, engine),
		User: NewUserHandler(s),
	}
}

// statusFor maps a domain error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, accounts.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidChoice):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrUnauthenticated),
		errors.Is(err, accounts.ErrInvalidCredentials):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, ledger.ErrDuplicateUsername):
		return http.StatusConflict, "Username already exists"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func loaders(c *gin.Context) (*loader.Loaders, bool) {
	l, err := loader.FromContext(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return l, true
}
