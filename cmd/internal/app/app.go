// Package app wires the dmrelay server runtime: config, logging, backends, HTTP routes
// and the WebSocket gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dmrelay/cmd/internal/accounts"
	"dmrelay/cmd/internal/relay"
)

// App is the dmrelay server runtime. It owns the backend connections and the gateway.
type App struct {
	cfg Config
	log Logger

	backend *backend
	metrics *prometheus.Registry

	registry *relay.Registry
	router   *relay.Router
	ws       *relay.WSGateway
	accounts *accounts.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := newApp(cfg, log, be)
	if err != nil {
		_ = be.close(context.Background())
		return nil, err
	}
	return a, nil
}

func newApp(cfg Config, log Logger, be *backend) (*App, error) {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	accountSvc, err := accounts.NewService(log, be.accounts, cfg.Password())
	if err != nil {
		return nil, err
	}

	registry := relay.NewRegistry()
	router, err := relay.NewRouter(relay.RouterConfig{
		Log:      log,
		Registry: registry,
		Store:    be.relay,
		Presence: accountSvc,
		Metrics:  relay.NewMetrics(promReg),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		backend:  be,
		metrics:  promReg,
		registry: registry,
		router:   router,
		ws:       relay.NewWSGateway(log, router, cfg.Gateway()),
		accounts: accounts.NewHandler(log, accountSvc, cfg.Accounts()),
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithRecover(h, a.log)
	h = WithRequestLogging(h, a.log)
	return h
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. The App is closed on return.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "store", a.backend.kind)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Hijacked websocket connections are not covered by srv.Shutdown.
	a.ws.Shutdown("server shutdown")
	a.drainWS(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// drainWS waits for connection handlers to finish their close path, which still
// touches the stores.
func (a *App) drainWS(ctx context.Context) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for a.ws.OpenConnections() > 0 {
		select {
		case <-ctx.Done():
			a.log.Warn("ws.drain.timeout", "open", a.ws.OpenConnections())
			return
		case <-t.C:
		}
	}
}

// Close releases backend resources.
func (a *App) Close(ctx context.Context) error {
	return a.backend.close(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
