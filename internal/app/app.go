// Package app wires all Exastream subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the speaker and listener sockets until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithUsageStore,
// WithBroker, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/exalang/exastream/internal/broker"
	"github.com/exalang/exastream/internal/config"
	"github.com/exalang/exastream/internal/health"
	"github.com/exalang/exastream/internal/observe"
	"github.com/exalang/exastream/internal/usage"
	usagepg "github.com/exalang/exastream/internal/usage/postgres"
	"github.com/exalang/exastream/pkg/provider/speech"
	"github.com/exalang/exastream/pkg/provider/tts"
)

// idleSweepInterval is how often idle speaker sessions are collected.
const idleSweepInterval = time.Minute

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	Speech speech.Provider
	TTS    tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider Providers

	broker   *broker.Broker
	sessions *SessionManager
	store    usage.Store
	guard    *usage.Guard
	metrics  *observe.Metrics
	health   *health.Handler

	server *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUsageStore injects a usage store instead of creating one from config.
func WithUsageStore(s usage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBroker injects a fan-out broker instead of creating one from config.
func WithBroker(b *broker.Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.Speech == nil {
		return nil, errors.New("app: a speech provider is required")
	}

	a := &App{
		cfg:      cfg,
		provider: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Usage store + guard ───────────────────────────────────────────
	if err := a.initUsage(ctx); err != nil {
		return nil, fmt.Errorf("app: init usage: %w", err)
	}

	// ── 2. Fan-out broker ────────────────────────────────────────────────
	if a.broker == nil {
		a.broker = broker.New(broker.Config{
			OutboxDepth: cfg.Broker.OutboxDepth,
			AckTimeout:  msDuration(cfg.Broker.AckTimeoutMs),
		})
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Streamer:  a.broker,
		Guard:     a.guard,
		Metrics:   a.metrics,
	})

	// ── 4. Health + HTTP server ──────────────────────────────────────────
	a.health = health.New(a.healthCheckers()...)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initUsage sets up the quota store and guard. No configured plans disables
// metering entirely.
func (a *App) initUsage(ctx context.Context) error {
	if len(a.cfg.Usage.Plans) == 0 {
		return nil
	}

	if a.store == nil {
		if dsn := a.cfg.Usage.PostgresDSN; dsn != "" {
			store, err := usagepg.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		} else {
			a.store = usage.NewMemoryStore()
		}
	}

	plans := make(map[string]usage.Limits, len(a.cfg.Usage.Plans))
	for code, plan := range a.cfg.Usage.Plans {
		plans[code] = usage.Limits{
			AudioSeconds:     plan.AudioSeconds,
			SynthesizedChars: plan.SynthesizedChars,
		}
	}
	a.guard = usage.NewGuard(usage.GuardConfig{
		Store:        a.store,
		Plans:        plans,
		WarnFraction: float64(a.cfg.Usage.WarnPercent) / 100,
	})
	return nil
}

// routes builds the HTTP mux: the two sockets, health probes, and the
// Prometheus scrape endpoint, all behind the tracing middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/translate", a.HandleTranslate)
	mux.HandleFunc("/ws/tts", a.HandleListen)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// healthCheckers builds the readiness probe list.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{
		{
			Name: "speech_provider",
			Check: func(context.Context) error {
				if a.provider.Speech == nil {
					return errors.New("not configured")
				}
				return nil
			},
		},
	}
	if pg, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "usage_store", Check: pg.Ping})
	}
	return checkers
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the broker, the idle sweeper, and the HTTP server, blocking
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.broker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.sessions.SweepIdle()
			}
		}
	})

	g.Go(func() error {
		slog.Info("server listening",
			"addr", a.cfg.Server.ListenAddr,
			"tls", a.cfg.Server.TLS != nil,
		)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count())

		a.sessions.CloseAll()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
