package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/emilythestrangee/vote-ledger/backend/internal/database"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Port   string
	Driver string

	Postgres database.Config
	MongoURI string
	MongoDB  string

	JWTSecret         string
	JWTPreviousSecret string
	TokenTTL          time.Duration

	StoreTimeout      time.Duration
	LoaderWait        time.Duration
	ReconcileInterval time.Duration
	RedisAddr         string
}

// Load reads flags from args, falling back to the environment (and a .env
// file when present) for anything not given on the command line.
func Load(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("vote-ledger", flag.ContinueOnError)
	fs.StringVar(&cfg.Port, "p", "", "Server port")
	fs.StringVar(&cfg.Driver, "store", "", "Store driver (postgres, mongo or memory)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Port == "" {
		cfg.Port = env("PORT", "8080")
	}
	if cfg.Driver == "" {
		cfg.Driver = env("STORE_DRIVER", DriverPostgres)
	}
	cfg.Driver = strings.ToLower(cfg.Driver)
	switch cfg.Driver {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Driver)
	}

	cfg.Postgres = database.Config{
		Host:     env("DB_HOST", "localhost"),
		Port:     env("DB_PORT", "5432"),
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		Name:     env("DB_NAME", "ledger"),
		SSLMode:  env("DB_SSLMODE", "disable"),
	}
	cfg.MongoURI = env("MONGO_URI", "mongodb://localhost:27017")
	cfg.MongoDB = env("MONGO_DB", "ledger")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	// Secrets - MUST be provided
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET required")
	}
	cfg.JWTPreviousSecret = os.Getenv("JWT_PREVIOUS_SECRET")

	var err error
	if cfg.TokenTTL, err = duration("TOKEN_TTL", 72*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = duration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LoaderWait, err = duration("LOADER_WAIT", 2*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = duration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s env variable %q", key, v)
	}
	return d, nil
}
