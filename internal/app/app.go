// Package app wires the VoxBridge subsystems into a running server.
//
// New constructs everything from the config: the store, the event bus, the
// session manager and hub, the websocket transport and the plugin monitor.
// Run serves HTTP until the context is cancelled; Shutdown tears the
// subsystems down in order. Inject test doubles through the Providers struct;
// any nil provider slot is built from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/event"
	llmgw "github.com/voxbridge/voxbridge/internal/gateway/llm"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/plugin"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/internal/transport"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/store"
	storepg "github.com/voxbridge/voxbridge/pkg/store/postgres"
)

// shutdownTimeout bounds the HTTP server drain on context cancellation.
const shutdownTimeout = 10 * time.Second

// Providers holds one value per provider slot. Populated by main from the
// config; tests inject mocks. A nil Store is built from the Postgres DSN.
type Providers struct {
	Store   store.Store
	STT     stt.Provider
	TTS     tts.Provider
	LLM     map[string]llm.Provider
	Webhook llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	log       *slog.Logger
	bus       *event.Bus
	manager   *session.Manager
	hub       *session.Hub
	monitor   *plugin.Monitor
	metrics   *observe.Metrics
	transport *transport.Server
	srv       *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger for all subsystems.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics injects pre-built instruments instead of the defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires the application. The Providers struct supplies the pipeline
// backends; the rest is built from cfg.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if providers.Store == nil {
		if cfg.Store.PostgresDSN == "" {
			return nil, errors.New("app: store.postgres_dsn is required when no store is injected")
		}
		pg, err := storepg.NewStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect store: %w", err)
		}
		providers.Store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
	}
	if providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: a TTS provider is required")
	}

	a.bus = event.NewBus(
		event.WithObserverBuffer(cfg.Observer.BufferFrames),
		event.WithWriteTimeout(cfg.Observer.WriteTimeout()),
		event.WithLogger(a.log),
	)

	gw := llmgw.NewGateway(cfg.LLM, providers.LLM, providers.Webhook, llmgw.WithLogger(a.log))
	a.manager = session.NewManager(providers.Store, cfg.Cache, session.WithLogger(a.log))
	a.hub = session.NewHub(a.manager, a.bus, cfg, providers.STT, gw, providers.TTS, a.metrics, a.log)
	a.transport = transport.NewServer(a.hub, a.bus, a.log)
	a.monitor = plugin.NewMonitor(cfg.Plugins, a.bus, plugin.WithLogger(a.log))

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(providers.Store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// Hub exposes the session hub for ingress wiring (the Discord bot).
func (a *App) Hub() *session.Hub { return a.hub }

// Monitor exposes the plugin monitor for PID registration.
func (a *App) Monitor() *plugin.Monitor { return a.monitor }

// Handler exposes the assembled HTTP surface.
func (a *App) Handler() http.Handler { return a.srv.Handler }

// routes assembles the HTTP surface: websocket endpoints, health probes,
// Prometheus metrics, the plugin stats view, the active session list and
// transcript search.
func (a *App) routes(st store.Store) http.Handler {
	mux := http.NewServeMux()

	wsHandler := a.transport.Handler()
	mux.Handle("GET /ws", wsHandler)
	mux.Handle("GET /observe", wsHandler)

	h := health.New(health.Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := st.GetAgent(ctx, "healthcheck")
			if errors.Is(err, store.ErrAgentNotFound) {
				return nil
			}
			return err
		},
	})
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /plugins", a.handlePluginStats)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	mux.Handle("GET /search", a.searchHandler(st))

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handlePluginStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.monitor.Stats()); err != nil {
		a.log.Warn("encode plugin stats", "err", err)
	}
}

// handleSessions lists the sessions with a live connection.
func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	ids := a.hub.ListActive()
	sort.Strings(ids)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	resp := struct {
		Active []string `json:"active"`
		Count  int      `json:"count"`
	}{Active: ids, Count: len(ids)}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Warn("encode session list", "err", err)
	}
}

// searchHandler serves full-text search over stored turns. Query parameters:
// q (required), session_id, role, after, before (RFC 3339) and limit.
func (a *App) searchHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qp := r.URL.Query()
		query := qp.Get("q")
		if query == "" {
			http.Error(w, "missing q parameter", http.StatusBadRequest)
			return
		}
		opts := store.SearchOpts{
			SessionID: qp.Get("session_id"),
			Role:      qp.Get("role"),
		}
		if v := qp.Get("after"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "after must be an RFC 3339 timestamp", http.StatusBadRequest)
				return
			}
			opts.After = ts
		}
		if v := qp.Get("before"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "before must be an RFC 3339 timestamp", http.StatusBadRequest)
				return
			}
			opts.Before = ts
		}
		if v := qp.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			opts.Limit = n
		}

		turns, err := st.SearchTurns(r.Context(), query, opts)
		if err != nil {
			a.log.Error("turn search failed", "err", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(turns); err != nil {
			a.log.Warn("encode search results", "err", err)
		}
	}
}

// Run serves HTTP until ctx is cancelled, then drains the server. The
// subsystems stay up for Shutdown.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info("server listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(drainCtx); err != nil {
		a.log.Warn("http drain incomplete", "err", err)
	}
	return ctx.Err()
}

// Shutdown tears down the subsystems in order, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		a.hub.Close()
		a.monitor.Close()
		a.manager.Close()
		a.bus.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
