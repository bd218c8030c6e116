// ABOUTME: Relay wires admission, rate limiting, validation and storage behind a WebSocket endpoint
// ABOUTME: ServeHTTP upgrades each request and runs one session until the transport closes

package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/store"
)

// Options tunes session behaviour.
type Options struct {
	MaxMessageBytes  int64
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	OutboundQueue    int
	MaxSubscriptions int
	MaxFilters       int

	Limits event.Limits
	Query  store.QueryOptions

	// CheckOrigin overrides the upgrader's origin check; nil accepts all.
	CheckOrigin func(r *http.Request) bool
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes:  128 * 1024,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		OutboundQueue:    256,
		MaxSubscriptions: 20,
		MaxFilters:       10,
		Limits: event.Limits{
			MaxContentBytes: event.DefaultMaxContentBytes,
			MaxFutureSkew:   15 * time.Minute,
		},
		Query: store.DefaultQueryOptions,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = d.OutboundQueue
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = d.MaxSubscriptions
	}
	if o.MaxFilters <= 0 {
		o.MaxFilters = d.MaxFilters
	}
	if o.Limits.MaxContentBytes <= 0 {
		o.Limits.MaxContentBytes = d.Limits.MaxContentBytes
	}
	if o.Query.DefaultLimit <= 0 {
		o.Query.DefaultLimit = d.Query.DefaultLimit
	}
	if o.Query.HardCap <= 0 {
		o.Query.HardCap = d.Query.HardCap
	}
	return o
}

const (
	seenCacheTTL  = 10 * time.Minute
	seenCacheSize = 50000
)

// Relay is the session manager. It is an http.Handler.
type Relay struct {
	opts      Options
	store     store.RecordStore
	admission *auth.Controller
	limiter   *ratelimit.Limiter
	hub       *Hub
	metrics   *Metrics
	seen      *dedupe.Cache
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New creates a relay. metrics may be nil.
func New(opts Options, st store.RecordStore, admission *auth.Controller, limiter *ratelimit.Limiter, metrics *Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		opts:      opts,
		store:     st,
		admission: admission,
		limiter:   limiter,
		metrics:   metrics,
		seen:      dedupe.New(seenCacheTTL, seenCacheSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With("component", "relay"),
		ctx:    ctx,
		cancel: cancel,
	}
	r.hub = NewHub(metrics, logger)
	return r
}

// Hub returns the relay's connection registry.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		r.logger.Debug("websocket upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	c, err := newConn(r, ws, req.RemoteAddr)
	if err != nil {
		r.logger.Error("creating session", "error", err)
		ws.Close()
		return
	}
	c.serve()
}

// Shutdown closes every session with a going-away close frame and waits for
// them to finish or ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.cancel()
	for _, c := range r.hub.Connections() {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.seen.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
