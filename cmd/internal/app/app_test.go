package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/messaging"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"COURIER_DATABASE_URL", "COURIER_CHUNK_SIZE", "COURIER_RECEIPT_SCOPE", "COURIER_LOG_FORMAT", "COURIER_STORE_OP_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.DatabaseURL != "" || cfg.SQLitePath != "courier.db" {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
	if cfg.ChunkSize != 256 || cfg.ReceiptScope != "same_direction" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected store defaults: %+v", cfg)
	}
	if cfg.StoreOpTimeout != 5*time.Second {
		t.Fatalf("StoreOpTimeout=%v", cfg.StoreOpTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("COURIER_CHUNK_SIZE", "64")
	t.Setenv("COURIER_RECEIPT_SCOPE", "both_directions")
	t.Setenv("COURIER_LOG_FORMAT", "PRETTY")
	t.Setenv("COURIER_CACHE_TTL", "90s")
	t.Setenv("COURIER_DB_MAX_CONNS", "not-a-number")
	t.Setenv("COURIER_AUTO_MIGRATE", "false")

	cfg := LoadConfig()
	if cfg.ChunkSize != 64 || cfg.ReceiptScope != "both_directions" || cfg.LogFormat != "pretty" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Fatalf("CacheTTL=%v", cfg.CacheTTL)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("bad int should fall back to default, got %d", cfg.DBMaxConns)
	}
	if cfg.AutoMigrate {
		t.Fatalf("AutoMigrate override ignored")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := Config{LogFormat: "json", ReceiptScope: "same_direction", SQLitePath: ":memory:", DBMaxConns: 10}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "COURIER_LOG_FORMAT"},
		{name: "receipt scope", mutate: func(c *Config) { c.ReceiptScope = "sideways" }, wantErr: "COURIER_RECEIPT_SCOPE"},
		{name: "no backend", mutate: func(c *Config) { c.SQLitePath = " " }, wantErr: "COURIER_SQLITE_PATH"},
		{name: "pool bounds", mutate: func(c *Config) { c.DBMinConns = 20 }, wantErr: "COURIER_DB_MIN_CONNS"},
		{name: "unknown backend", mutate: func(c *Config) { c.StoreBackend = "etcd" }, wantErr: "COURIER_STORE_BACKEND"},
		{name: "postgres without url", mutate: func(c *Config) { c.StoreBackend = "postgres" }, wantErr: "COURIER_DATABASE_URL"},
		{name: "memory", mutate: func(c *Config) { c.StoreBackend = "memory"; c.SQLitePath = "" }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestApp_OpsEndpoints(t *testing.T) {
	t.Parallel()

	a := mustNewTestApp(t, func(*Config) {})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if code, body := mustGet(t, srv.URL+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := mustGet(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}

	if _, err := a.Service().Send(context.Background(), messaging.SendInput{
		Sender: "alice", Receiver: "bob", Content: "hello",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	code, body := mustGet(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
	if !strings.Contains(body, `courier_store_operations_total{op="Create",result="ok"} 1`) {
		t.Fatalf("store counter missing from metrics output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("runtime collectors missing from metrics output")
	}
}

func TestApp_ReadyzRequiresPostgres(t *testing.T) {
	t.Parallel()

	a := mustNewTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if code, _ := mustGet(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with sqlite and ReadinessRequireDB: %d", code)
	}
}

func TestApp_MemoryBackend(t *testing.T) {
	t.Parallel()

	a := mustNewTestApp(t, func(c *Config) { c.StoreBackend = "memory" })
	if a.stack.Backend != backendMemory {
		t.Fatalf("backend=%q", a.stack.Backend)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	if code, _ := mustGet(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}

	m, err := a.Service().Send(context.Background(), messaging.SendInput{Sender: "a", Receiver: "b", Content: "in memory"})
	if err != nil || m.ID != 1 {
		t.Fatalf("send: id=%d err=%v", m.ID, err)
	}
}

func TestConfigBackend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg  Config
		want string
	}{
		{cfg: Config{}, want: backendSQLite},
		{cfg: Config{StoreBackend: "auto", DatabaseURL: "postgres://x"}, want: backendPostgres},
		{cfg: Config{StoreBackend: "memory", DatabaseURL: "postgres://x"}, want: backendMemory},
	}
	for _, tc := range cases {
		if got := tc.cfg.Backend(); got != tc.want {
			t.Fatalf("Backend(%+v)=%q want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReceiptScope = "nope"
	if _, err := New(cfg, discardLogger()); err == nil {
		t.Fatalf("expected config error")
	}
}

func testConfig() Config {
	return Config{
		HTTPAddr:        "127.0.0.1:0",
		LogFormat:       "json",
		SQLitePath:      ":memory:",
		DBSchema:        "courier",
		ChunkSize:       256,
		ReceiptScope:    "same_direction",
		StoreOpTimeout:  2 * time.Second,
		MaxContentChars: 4096,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustNewTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := testConfig()
	mutate(&cfg)

	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func mustGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}
