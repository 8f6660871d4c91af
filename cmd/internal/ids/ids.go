// Package ids provides id primitives shared by the relay and account services.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// IDs minted within the same millisecond are strictly increasing, so (timestamp, id)
// ordering is stable for entities created back to back.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot recover from an entropy failure.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// NewSessionID returns a random id for a websocket session.
func NewSessionID() string {
	return uuid.NewString()
}
