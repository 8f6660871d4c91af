package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.backend.persistent() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.backend.ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "store", a.backend.kind, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))

	a.accounts.Register(mux)

	mux.Handle("GET /ws", a.ws)

	if a.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(a.cfg.StaticDir)))
	}
}
