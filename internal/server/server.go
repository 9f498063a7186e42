package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/emilythestrangee/vote-ledger/backend/internal/accounts"
	"github.com/emilythestrangee/vote-ledger/backend/internal/handlers"
	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/metrics"
	"github.com/emilythestrangee/vote-ledger/backend/internal/middleware"
	"github.com/emilythestrangee/vote-ledger/backend/internal/session"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

type Server struct {
	store      store.Store
	keys       *session.Keyring
	loaderWait time.Duration
	handler    *handlers.Handler
}

// New wires the handlers over s. s should already be bounded.
func New(s store.Store, keys *session.Keyring, engine *ledger.Engine, loaderWait time.Duration) *Server {
	return &Server{
		store:      s,
		keys:       keys,
		loaderWait: loaderWait,
		handler:    handlers.NewHandler(s, accounts.NewService(s, keys), engine),
	}
}

// HTTPServer wraps the router in an http.Server listening on port.
func (s *Server) HTTPServer(port string) *http.Server {
	if port == "" {
		port = "8080" // local dev fallback
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("🚀 Server starting on port %s\n", port)
	return server
}

// RegisterRoutes sets up all application routes
func (s *Server) RegisterRoutes() *gin.Engine {
	r := gin.Default()

	// CORS configuration
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * 3600,
	}))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.Use(middleware.Loaders(s.store, s.loaderWait), middleware.AuthMiddleware(s.keys))
	{
		// Auth routes (public)
		api.POST("/register", s.handler.Auth.Register)
		api.POST("/login", s.handler.Auth.Login)

		// Public reads; my_vote is filled in when a token is sent
		api.GET("/posts", s.handler.Post.GetPosts)
		api.GET("/posts/:id", s.handler.Post.GetPost)
		api.GET("/users/:id", s.handler.User.GetUserProfile)

		// Protected routes (authentication required)
		protected := api.Group("")
		protected.Use(middleware.RequireAuth())
		{
			protected.GET("/me", s.handler.Auth.GetMe)
			protected.POST("/posts", s.handler.Post.CreatePost)
			protected.POST("/posts/:id/vote", s.handler.Post.VotePost)
			protected.DELETE("/posts/:id/vote", s.handler.Post.RetractVote)
		}
	}

	return r
}

// healthReporter is implemented by adapters with connection pool stats.
type healthReporter interface {
	Health() map[string]string
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}

	inner := s.store
	if b, ok := inner.(*store.Bounded); ok {
		inner = b.Unwrap()
	}
	if hr, ok := inner.(healthReporter); ok {
		c.JSON(http.StatusOK, hr.Health())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
