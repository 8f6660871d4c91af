package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
	if got := statusClass(42); got != "unknown" {
		t.Fatalf("statusClass(42)=%q", got)
	}
}

func TestWithRequestLogging_RecordsStatusAndBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK) // superfluous, must not change the logged status
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users/users", nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "http.request" || rec["level"] != "WARN" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["status"] != float64(http.StatusTeapot) || rec["bytes"] != float64(len("short and stout")) {
		t.Fatalf("status/bytes not captured: %v", rec)
	}
	if rec["path"] != "/api/users/users" || rec["status_class"] != "4xx" {
		t.Fatalf("unexpected path/class: %v", rec)
	}
}

func TestWithRequestLogging_ProbesAreDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), log)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if buf.Len() != 0 {
		t.Fatalf("healthz must log at debug, got %q", buf.String())
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff: %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("missing frame options: %q", got)
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("missing referrer policy: %q", got)
	}
}

func TestWithRecover(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	h := WithRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", rr.Code)
	}
	if !strings.Contains(buf.String(), "http.panic") {
		t.Fatalf("panic not logged: %q", buf.String())
	}
}

func TestLoggingResponseWriter_Unwrap(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}
	if lrw.Unwrap() != rr {
		t.Fatalf("Unwrap must return the wrapped writer")
	}
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatalf("recorder cannot hijack; expected error")
	}
	n, err := lrw.ReadFrom(io.LimitReader(strings.NewReader("abcdef"), 4))
	if err != nil || n != 4 || lrw.bytes != 4 {
		t.Fatalf("ReadFrom n=%d bytes=%d err=%v", n, lrw.bytes, err)
	}
}
