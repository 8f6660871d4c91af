package accounts

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMaxBodyBytes = 16 << 10

type signupRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	LastActive  *time.Time `json:"last_active,omitempty"`
}

type userEnvelope struct {
	Success bool         `json:"success"`
	User    userResponse `json:"user"`
}

type usersEnvelope struct {
	Success bool           `json:"success"`
	Users   []userResponse `json:"users"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HandlerConfig tunes the HTTP surface. Zero values use defaults.
type HandlerConfig struct {
	// LoginMaxFailures failed logins per client IP within LoginWindow trigger 429s.
	LoginMaxFailures int
	LoginWindow      time.Duration
	// TrustProxy reads the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// Handler serves the /api/users endpoints.
type Handler struct {
	log          *slog.Logger
	svc          *Service
	cfg          HandlerConfig
	throttle     *loginThrottle
	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *Service, cfg HandlerConfig) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:          log,
		svc:          svc,
		cfg:          cfg,
		throttle:     newLoginThrottle(cfg.LoginMaxFailures, cfg.LoginWindow),
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
	}
}

// Register wires the account routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/users/signup", h.handleSignup)
	mux.HandleFunc("POST /api/users/login", h.handleLogin)
	mux.HandleFunc("GET /api/users/users", h.handleList)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.svc.Signup(r.Context(), SignupInput(req))
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, inputMessage(err))
		return
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "Username already exists")
		return
	default:
		h.log.Error("accounts.signup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, userEnvelope{
		Success: true,
		User: userResponse{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			CreatedAt:   &u.CreatedAt,
		},
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r, h.cfg.TrustProxy)
	if blocked, retryAfter := h.throttle.blocked(ip, h.now()); blocked {
		h.log.Warn("accounts.login.throttled", "ip", ip, "retry_after", retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	u, err := h.svc.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		h.throttle.reset(ip)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	case errors.Is(err, ErrInvalidCredentials):
		h.throttle.fail(ip, h.now())
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	default:
		h.log.Error("accounts.login.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, userEnvelope{
		Success: true,
		User: userResponse{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			LastActive:  &u.LastActive,
		},
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.List(r.Context())
	if err != nil {
		h.log.Error("accounts.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := make([]userResponse, 0, len(users))
	for i := range users {
		u := &users[i]
		out = append(out, userResponse{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			CreatedAt:   &u.CreatedAt,
			LastActive:  &u.LastActive,
		})
	}
	writeJSON(w, http.StatusOK, usersEnvelope{Success: true, Users: out})
}

// inputMessage strips the sentinel prefix from a wrapped ErrInvalidInput.
func inputMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": ")
	if msg == "" || msg == ErrInvalidInput.Error() {
		return "invalid input"
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeError(w, http.StatusTooManyRequests, "Too many login attempts")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{Success: false, Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
