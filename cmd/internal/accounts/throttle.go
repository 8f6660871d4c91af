package accounts

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultLoginMaxFailures = 10
	defaultLoginWindow      = 5 * time.Minute
	throttleSweepEvery      = 256
)

// loginThrottle counts failed logins per client IP in a sliding window.
type loginThrottle struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	failures map[string][]time.Time
	ops      int
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	if max <= 0 {
		max = defaultLoginMaxFailures
	}
	if window <= 0 {
		window = defaultLoginWindow
	}
	return &loginThrottle{max: max, window: window, failures: make(map[string][]time.Time)}
}

// blocked reports whether key is over the limit and, if so, how long until the oldest
// failure leaves the window.
func (t *loginThrottle) blocked(key string, now time.Time) (bool, time.Duration) {
	if key == "" {
		return false, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.pruneLocked(key, now)
	if len(live) < t.max {
		return false, 0
	}
	return true, live[0].Add(t.window).Sub(now)
}

func (t *loginThrottle) fail(key string, now time.Time) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures[key] = append(t.pruneLocked(key, now), now)

	t.ops++
	if t.ops%throttleSweepEvery == 0 {
		for k := range t.failures {
			t.pruneLocked(k, now)
		}
	}
}

func (t *loginThrottle) reset(key string) {
	t.mu.Lock()
	delete(t.failures, key)
	t.mu.Unlock()
}

func (t *loginThrottle) pruneLocked(key string, now time.Time) []time.Time {
	cut := now.Add(-t.window)
	ts := t.failures[key]
	i := 0
	for i < len(ts) && !ts[i].After(cut) {
		i++
	}
	ts = ts[i:]
	if len(ts) == 0 {
		delete(t.failures, key)
		return nil
	}
	t.failures[key] = ts
	return ts
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, p := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}
