package relay

import (
	"sync"

	"github.com/coder/websocket"
)

// Registry maps a user id to the single connection currently addressable for that user.
//
// It is created once per process and injected into the gateway and router.
// Register, Unregister and Lookup are atomic with respect to each other.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Client)}
}

// Register makes client the active connection for userID, replacing any previous entry.
// It returns the displaced client, or nil when there was none or it was client itself.
// The caller decides what to do with the displaced client.
func (r *Registry) Register(userID string, client *Client) *Client {
	if userID == "" || client == nil {
		return nil
	}

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = client
	r.mu.Unlock()

	if prev == client {
		return nil
	}
	return prev
}

// Unregister removes the entry for userID only if it still points at client.
// A late disconnect of a displaced connection therefore never clobbers its successor.
func (r *Registry) Unregister(userID string, client *Client) bool {
	if userID == "" || client == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[userID]; ok && cur == client {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Lookup returns the active connection for userID.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	return c, ok
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll empties the registry and closes every client it held.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	r.conns = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.StatusGoingAway, reason)
	}
}
