package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/vote-ledger/backend/internal/accounts"
	"github.com/emilythestrangee/vote-ledger/backend/internal/loader"
	"github.com/emilythestrangee/vote-ledger/backend/internal/middleware"
	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
)

type AuthHandler struct {
	accounts *accounts.Service
}

func NewAuthHandler(accts *accounts.Service) *AuthHandler {
	return &AuthHandler{accounts: accts}
}

// Register handles user registration
func (h *AuthHandler) Register(c *gin.Context) {
	var input models.RegisterRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, models.AuthResponse{Error: err.Error()})
		return
	}

	user, token, err := h.accounts.Register(c.Request.Context(), input)
	if err != nil {
		status, msg := statusFor(err)
		c.JSON(status, models.AuthResponse{Error: msg})
		return
	}

	if l, err := loader.FromContext(c.Request.Context()); err == nil {
		l.PrimeUser(c.Request.Context(), user)
	}

	c.JSON(http.StatusCreated, models.AuthResponse{Success: true, Token: token, User: user})
}

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var input models.LoginRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, models.AuthResponse{Error: err.Error()})
		return
	}

	user, token, err := h.accounts.Login(c.Request.Context(), input)
	if err != nil {
		status, msg := statusFor(err)
		c.JSON(status, models.AuthResponse{Error: msg})
		return
	}

	c.JSON(http.StatusOK, models.AuthResponse{Success: true, Token: token, User: user})
}

// GetMe returns the current authenticated user
func (h *AuthHandler) GetMe(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}
