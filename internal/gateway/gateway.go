// ABOUTME: Gateway orchestrator that wires store, admission, rate limiting and the relay behind one HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the allow-list refresher, health endpoints and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// Version is reported in the relay information document. Set at build time.
var Version = "dev"

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	allow       *auth.AllowList
	admission   *auth.Controller
	relay       *relay.Relay
	registry    *prometheus.Registry
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store named by the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.OpenSQLiteStore(cfg.Database.Path, store.Options{
		Driver:       cfg.Database.Driver,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// authPolicy builds the admission policy. PermitUnlisted is only ever set
// from the explicit config flag.
func authPolicy(cfg *config.Config) auth.Policy {
	admission := auth.DenyUnlisted
	if cfg.Auth.PermitUnlisted {
		admission = auth.PermitUnlisted
	}
	return auth.Policy{
		Admission:       admission,
		RequireAuth:     cfg.Auth.Required,
		AnonymousPubkey: cfg.Auth.AnonymousPubkey,
		ChallengeWindow: cfg.Auth.ChallengeWindow,
		RelayURL:        cfg.Server.RelayURL,
	}
}

func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	rl := cfg.RateLimits
	policy := func(p config.RatePolicy) ratelimit.Policy {
		return ratelimit.Policy{Capacity: p.Capacity, RefillPerSecond: p.RefillPerSecond}
	}
	return ratelimit.Config{
		Submit:     policy(rl.Submit),
		Subscribe:  policy(rl.Subscribe),
		Auth:       policy(rl.Auth),
		IdleTTL:    rl.IdleTTL,
		MaxBuckets: rl.MaxBuckets,
	}
}

func relayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
		WriteTimeout:     cfg.Server.WriteTimeout,
		PingInterval:     cfg.Server.PingInterval,
		OutboundQueue:    cfg.Server.OutboundQueue,
		MaxSubscriptions: cfg.Server.MaxSubscriptions,
		MaxFilters:       cfg.Server.MaxFilters,
		Limits: event.Limits{
			MaxContentBytes: cfg.Limits.MaxContentBytes,
			MaxFutureSkew:   cfg.Limits.MaxFutureSkew,
		},
		Query: store.QueryOptions{
			DefaultLimit: cfg.Limits.DefaultLimit,
			HardCap:      cfg.Limits.QueryCap,
		},
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway around an already opened store. The gateway
// takes ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allow := auth.NewAllowList(s, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := allow.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("loading allow-list: %w", err)
	}

	policy := authPolicy(cfg)
	if policy.Admission == auth.PermitUnlisted {
		logger.Warn("auth.permit_unlisted is on: every identity is admitted, use only for local development")
	}
	admission := auth.NewController(policy, allow, logger)

	limiter, err := ratelimit.New(rateLimitConfig(cfg))
	if err != nil {
		admission.Close()
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(registry)

	gw := &Gateway{
		config:    cfg,
		store:     s,
		allow:     allow,
		admission: admission,
		relay:     relay.New(relayOptions(cfg), s, admission, limiter, metrics, logger),
		registry:  registry,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", gw.handleRoot)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	gw.handler = mux

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("admission configured",
		"admission", policy.Admission.String(),
		"auth_required", policy.RequireAuth,
		"allowlist_entries", allow.Len(),
	)
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Relay returns the relay session manager.
func (g *Gateway) Relay() *relay.Relay {
	return g.relay
}

// handleRoot serves WebSocket upgrades and the relay information document.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		g.relay.ServeHTTP(w, r)
		return
	}
	if r.Method == http.MethodOptions || strings.Contains(r.Header.Get("Accept"), InfoContentType) {
		g.handleInfo(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s: connect with a WebSocket client\n", g.config.Server.Name)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	stats, err := g.store.Stats(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d records, %d allowed, %d connections)",
		stats.Records, g.allow.Len(), g.relay.Hub().Len())
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and the allow-list refresher and blocks until
// ctx is canceled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs the gateway on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		if interval := g.config.Auth.AllowListRefresh; interval > 0 {
			g.allow.Run(gctx, interval)
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" && g.config.Server.RelayURL == "" {
		g.logger.Info("set server.relay_url to bind auth proofs to this relay", "suggested", "ws://"+dnsName)
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every relay session with a
// close frame, and releases the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "relay shutdown", g.relay.Shutdown(ctx))

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		g.admission.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
