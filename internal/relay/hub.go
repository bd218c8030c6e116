// ABOUTME: Registry of open connections and the live fan-out path
// ABOUTME: Readers load a copy-on-write snapshot; only add/remove take the lock

package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-relay/internal/event"
)

// Hub fans committed records out to every other open connection.
type Hub struct {
	mu      sync.Mutex
	conns   atomic.Pointer[map[string]*Conn]
	metrics *Metrics
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	h := &Hub{
		metrics: metrics,
		logger:  logger.With("component", "hub"),
	}
	empty := map[string]*Conn{}
	h.conns.Store(&empty)
	return h
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := *h.conns.Load()
	next := make(map[string]*Conn, len(old)+1)
	for id, conn := range old {
		next[id] = conn
	}
	next[c.id] = c
	h.conns.Store(&next)
	h.metrics.Connections.Inc()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := *h.conns.Load()
	if _, ok := old[c.id]; !ok {
		return
	}
	next := make(map[string]*Conn, len(old))
	for id, conn := range old {
		if id != c.id {
			next[id] = conn
		}
	}
	h.conns.Store(&next)
	h.metrics.Connections.Dec()
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	return len(*h.conns.Load())
}

// Connections returns the registered connections.
func (h *Hub) Connections() []*Conn {
	m := *h.conns.Load()
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Broadcast delivers rec to every connection except from whose subscriptions
// match it. It never blocks on a slow connection.
func (h *Hub) Broadcast(rec *event.Record, from *Conn) {
	raw := encodeRecord(rec)
	delivered, dropped := 0, 0
	for _, c := range *h.conns.Load() {
		if c == from {
			continue
		}
		n, d := c.deliver(rec, raw)
		delivered += n
		dropped += d
	}
	if dropped > 0 {
		h.metrics.BroadcastDropped.Add(float64(dropped))
	}
	h.logger.Debug("broadcast", "record_id", rec.ID, "kind", rec.Kind, "subscriptions", delivered, "dropped", dropped)
}
