package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/cmd/internal/messages"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// StoreBackend is "postgres", "sqlite", "memory" or "auto".
	// auto picks PostgreSQL when DatabaseURL is set and SQLite otherwise.
	StoreBackend string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	SQLitePath  string
	AutoMigrate bool

	ChunkSize    int
	ReceiptScope string

	// RedisURL enables the read-through message cache.
	RedisURL string
	CacheTTL time.Duration

	StoreOpTimeout  time.Duration
	MaxContentChars int

	// If true:
	// - /readyz returns 503 unless PostgreSQL is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("COURIER_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreBackend: strings.ToLower(EnvString("COURIER_STORE_BACKEND", "auto")),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("COURIER_DB_SCHEMA", "courier"),
		SQLitePath:  EnvString("COURIER_SQLITE_PATH", "courier.db"),
		AutoMigrate: EnvBool("COURIER_AUTO_MIGRATE", true),

		ChunkSize:    EnvInt("COURIER_CHUNK_SIZE", 256),
		ReceiptScope: EnvString("COURIER_RECEIPT_SCOPE", "same_direction"),

		RedisURL: EnvString("COURIER_REDIS_URL", ""),
		CacheTTL: EnvDuration("COURIER_CACHE_TTL", messages.DefaultCacheTTL),

		StoreOpTimeout:  EnvDuration("COURIER_STORE_OP_TIMEOUT", 5*time.Second),
		MaxContentChars: EnvInt("COURIER_MAX_CONTENT_CHARS", 4096),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),
	}
}

// Validate rejects settings that would otherwise fail late or silently.
func (c Config) Validate() error {
	var errs []error

	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("COURIER_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if _, err := messages.ParseReceiptScope(c.ReceiptScope); err != nil {
		errs = append(errs, fmt.Errorf("COURIER_RECEIPT_SCOPE: unknown scope %q", c.ReceiptScope))
	}
	switch c.Backend() {
	case backendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("COURIER_DATABASE_URL must be set for the postgres backend"))
		}
	case backendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("COURIER_SQLITE_PATH must be set for the sqlite backend"))
		}
	case backendMemory:
	default:
		errs = append(errs, fmt.Errorf("COURIER_STORE_BACKEND: unknown backend %q", c.StoreBackend))
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		errs = append(errs, errors.New("COURIER_DB_MIN_CONNS exceeds COURIER_DB_MAX_CONNS"))
	}

	return errors.Join(errs...)
}

// Backend resolves StoreBackend, including "auto".
func (c Config) Backend() string {
	switch c.StoreBackend {
	case "", "auto":
		if c.DatabaseURL != "" {
			return backendPostgres
		}
		return backendSQLite
	default:
		return c.StoreBackend
	}
}
