package rdp

import (
	"sync"

	"rdp/internal/metrics"
)

// registry tracks a listener's peers by address. An address is either
// pending (handshake in progress) or established, never both.
type registry struct {
	mu          sync.Mutex
	pending     map[string]*handshake
	established map[string]*Conn
}

func newRegistry() *registry {
	return &registry{
		pending:     make(map[string]*handshake),
		established: make(map[string]*Conn),
	}
}

// The methods below are called with r.mu held.

func (r *registry) addPending(h *handshake) {
	r.pending[h.Key()] = h
	metrics.PendingHandshakes.Inc()
}

func (r *registry) removePending(key string) {
	if _, ok := r.pending[key]; ok {
		delete(r.pending, key)
		metrics.PendingHandshakes.Dec()
	}
}

// promote moves key from pending to established.
func (r *registry) promote(key string, c *Conn) {
	r.removePending(key)
	r.established[key] = c
}

func (r *registry) removeEstablished(key string, c *Conn) {
	if cur, ok := r.established[key]; ok && cur == c {
		delete(r.established, key)
	}
}

func (r *registry) clearPending() {
	for key := range r.pending {
		r.removePending(key)
	}
}
