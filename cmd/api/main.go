package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emilythestrangee/vote-ledger/backend/internal/config"
	"github.com/emilythestrangee/vote-ledger/backend/internal/database"
	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/reconcile"
	"github.com/emilythestrangee/vote-ledger/backend/internal/server"
	"github.com/emilythestrangee/vote-ledger/backend/internal/session"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Println("⚠️  Using in-memory store; data is lost on exit")
		return store.NewMemory(), nil
	case config.DriverMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		m, err := store.NewMongo(ctx, client, cfg.MongoDB)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return m, nil
	default:
		svc, err := database.New(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(svc), nil
	}
}

func openQueue(ctx context.Context, cfg config.Config) (reconcile.Queue, func()) {
	if cfg.RedisAddr == "" {
		return reconcile.NewMemoryQueue(), func() {}
	}
	client := reconcile.NewGoRedis(cfg.RedisAddr)
	if err := client.Ping(ctx); err != nil {
		log.Printf("⚠️  Redis unreachable at %s, repairs stay in memory: %v", cfg.RedisAddr, err)
		_ = client.Close()
		return reconcile.NewMemoryQueue(), func() {}
	}
	log.Println("✅ Redis connected successfully")
	return reconcile.NewRedisQueue(client, ""), func() { _ = client.Close() }
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s := store.NewBounded(raw, cfg.StoreTimeout)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Printf("error closing store: %v", err)
		}
	}()

	keys, err := session.NewKeyring(cfg.JWTSecret, cfg.JWTPreviousSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	queue, closeQueue := openQueue(ctx, cfg)
	defer closeQueue()

	engine := ledger.NewEngine(s, ledger.WithRepairQueue(queue))

	if cfg.ReconcileInterval > 0 {
		go reconcile.New(engine, s, queue, 0).Run(ctx, cfg.ReconcileInterval)
	}

	httpServer := server.New(s, keys, engine, cfg.LoaderWait).HTTPServer(cfg.Port)
	fmt.Println("📝 Press Ctrl+C to stop the server")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	log.Println("🛑 Shutting down gracefully, press Ctrl+C again to force")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Println("✅ Server exiting")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}
