// ABOUTME: Gateway orchestrator wiring store, sessions, webhooks, and flows
// ABOUTME: Manages component lifecycle, HTTP health endpoints, and shutdown order

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/barleyhq/barley-gateway/internal/broadcast"
	"github.com/barleyhq/barley-gateway/internal/config"
	"github.com/barleyhq/barley-gateway/internal/dedupe"
	"github.com/barleyhq/barley-gateway/internal/flow"
	"github.com/barleyhq/barley-gateway/internal/router"
	"github.com/barleyhq/barley-gateway/internal/session"
	"github.com/barleyhq/barley-gateway/internal/store"
	"github.com/barleyhq/barley-gateway/internal/transport"
	"github.com/barleyhq/barley-gateway/internal/webhook"
)

// Gateway orchestrates the barley-gateway server components: the store,
// the per-profile session manager, the webhook delivery queue, the flow
// engine, and the HTTP server for health checks.
type Gateway struct {
	config      *config.Config
	store       store.Store
	sessions    *session.Manager
	queue       *webhook.Queue
	flows       *flow.Engine
	broadcaster *broadcast.Broadcaster
	seen        *dedupe.Cache
	events      *router.Router
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := broadcast.NewBroadcaster(logger)
	queue := webhook.NewQueue(s, nil, cfg.Webhooks.DeliveryTimeout, logger)

	client := transport.NewWSClient(cfg.Transport.URL, logger)
	sessions := session.NewManager(client, s, session.Timings{
		ConnectTimeout: cfg.Sessions.ConnectTimeout,
		ReconnectDelay: cfg.Sessions.ReconnectDelay,
		RelinkDelay:    cfg.Sessions.RelinkDelay,
	}, nil, logger)

	flows := flow.NewEngine(s, sessions, nil, logger)
	seen := dedupe.New(5*time.Minute, 100_000) // TTL 5min, max 100k entries
	events := router.New(s, queue, flows, broadcaster, seen, logger)
	sessions.SetSink(events)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		sessions:    sessions,
		queue:       queue,
		flows:       flows,
		broadcaster: broadcaster,
		seen:        seen,
		events:      events,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Sessions exposes the lifecycle manager for outer surfaces (admin
// tooling, tests) that need send or linking access.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Broadcaster exposes the UI update fan-out for observers.
func (g *Gateway) Broadcaster() *broadcast.Broadcaster { return g.broadcaster }

// Events exposes the router so send paths can record outbound messages
// and raise message_sent after a successful transport send.
func (g *Gateway) Events() *router.Router { return g.events }

// Run starts all components, boots stored profiles, and blocks until the
// context is canceled. Returns nil on graceful shutdown, or an error if
// the HTTP server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.queue.Restore(ctx); err != nil {
		g.logger.Warn("restoring webhook queue failed, starting empty", "error", err)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		g.queue.Run(loopCtx)
	}()
	go func() {
		defer loops.Done()
		g.flows.Run(loopCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.bootProfiles(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopLoops()
	loops.Wait()

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// bootProfiles starts a session for every stored profile.
func (g *Gateway) bootProfiles(ctx context.Context) {
	profiles, err := g.store.ListProfiles(ctx)
	if err != nil {
		g.logger.Error("listing profiles at boot failed", "error", err)
		return
	}
	for _, p := range profiles {
		g.sessions.Start(p.ID)
	}
	g.logger.Info("booted stored profiles", "count", len(profiles))
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops all components and releases resources. Sessions close
// first so no new events flow while the rest winds down; the store
// closes last so final writes land.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.sessions.StopAll()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.broadcaster.Close()
	g.seen.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one profile session is open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	profiles, err := g.store.ListProfiles(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}

	open := 0
	for _, p := range profiles {
		if g.sessions.Status(p.ID) == session.StatusOpen {
			open++
		}
	}
	if open == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no profiles connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d profiles connected)", open)
}
