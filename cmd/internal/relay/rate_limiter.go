package relay

import "time"

// frameLimiter bounds inbound frames per connection over a sliding window.
// It is owned by the connection's read loop and is not safe for concurrent use.
type frameLimiter struct {
	seen   []time.Time // ring of accepted frame times, oldest at head
	head   int
	n      int
	window time.Duration
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{seen: make([]time.Time, limit), window: window}
}

// allow records a frame at now unless the window is already full.
func (l *frameLimiter) allow(now time.Time) bool {
	cut := now.Add(-l.window)
	for l.n > 0 && !l.seen[l.head].After(cut) {
		l.head = (l.head + 1) % len(l.seen)
		l.n--
	}
	if l.n == len(l.seen) {
		return false
	}
	l.seen[(l.head+l.n)%len(l.seen)] = now
	l.n++
	return true
}
