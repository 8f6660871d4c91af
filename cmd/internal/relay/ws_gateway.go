package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"dmrelay/cmd/internal/ids"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCleanupTimeout      = 5 * time.Second

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig tunes the websocket transport.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	SendQueueSize  int
	WriteTimeout   time.Duration
	RateEvents     int
	RateWindow     time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: wsDefaultOriginRequired,
		AllowedOrigins: SplitOrigins(wsDefaultAllowedOrigins),
		SendQueueSize:  wsDefaultSendQueueSize,
		WriteTimeout:   wsDefaultWriteTimeout,
		RateEvents:     rateLimitEvents,
		RateWindow:     rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint of the relay.
//
// It enforces origin policy and per-connection rate limits, runs one reader and one
// writer per connection, and hands every inbound frame to the Router in receipt order.
type WSGateway struct {
	log    *slog.Logger
	router *Router
	cfg    GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
	anyOrigin      bool

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewWSGateway constructs a gateway around router.
func NewWSGateway(log *slog.Logger, router *Router, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:            log,
		router:         router,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		anyOrigin:      slices.Contains(cfg.AllowedOrigins, "*"),
		clients:        make(map[*Client]struct{}),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
		// An explicit "*" in the allowlist disables the library's own origin check too.
		InsecureSkipVerify: g.anyOrigin,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(ids.NewSessionID(), g.cfg.SendQueueSize)
	sess := g.router.NewSession(client)
	g.track(client)
	defer g.untrack(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.log.Debug("ws.open", "session_id", client.SessionID, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client)
	}()

	limiter := newFrameLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.logReadErr(client, sess, err)
			break
		}

		if !limiter.allow(time.Now()) {
			g.router.reject(sess, codeRateLimited, "too many events")
			continue
		}

		g.router.Handle(ctx, sess, data)
	}

	client.Close(websocket.StatusNormalClosure, "bye")
	<-writerDone

	// The request context is usually done by now; presence updates still need to land.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), wsCleanupTimeout)
	defer cleanupCancel()
	g.router.Close(cleanupCtx, sess)
}

// writeLoop drains the client's queue until the client closes or a write fails.
// It owns closing the socket, using the status recorded by Client.Close.
func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "context done")
			return
		case <-client.Done():
			code, reason := client.CloseStatus()
			_ = conn.Close(code, reason)
			return
		case frame := <-client.Outbound():
			if err := writeFrame(ctx, conn, frame, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				client.Close(websocket.StatusAbnormalClosure, "write failed")
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// Shutdown closes every open connection, identified or not.
func (g *WSGateway) Shutdown(reason string) {
	g.router.registry.CloseAll(reason)

	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.StatusGoingAway, reason)
	}
}

// OpenConnections returns the number of accepted connections still running.
func (g *WSGateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *WSGateway) track(c *Client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *WSGateway) untrack(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

func (g *WSGateway) logReadErr(client *Client, sess *Session, err error) {
	attrs := []any{"session_id", client.SessionID, "user_id", sess.UserID()}
	switch classifyReadErr(err) {
	case readErrClose:
		g.log.Debug("ws.close.peer", append(attrs, "close_status", websocket.CloseStatus(err))...)
	case readErrCtxDone, readErrConnClosed:
		g.log.Debug("ws.close.local", append(attrs, "err", err)...)
	default:
		g.log.Info("ws.read.fail", append(attrs, "err", err)...)
	}
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" || origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

// SplitOrigins parses a comma separated origin allowlist.
func SplitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's host-pattern check in
// agreement with enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
