package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	stack *Stack,
	gatherer prometheus.Gatherer,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && stack.Backend != backendPostgres {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if err := stack.Ping(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			log.Info("readyz.db.not_ready", "backend", stack.Backend, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: slogErrorLogger{log},
		Timeout:  5 * time.Second,
	}))
}

// slogErrorLogger adapts slog to promhttp's ErrorLog.
type slogErrorLogger struct{ log Logger }

func (l slogErrorLogger) Println(v ...any) {
	l.log.Error("metrics.handler.fail", "err", v)
}
