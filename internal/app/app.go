// Package app assembles the concierge from its subsystems and owns their
// lifecycle: the apartment ledger, the allowance bucket, the build sequencer,
// the realm connection, the dialogue handler and the operational HTTP server.
//
// Construction is synchronous and fails fast; [App.Run] drives the long
// running loops; [App.Shutdown] reverses every registration made during
// construction, in order, so a stopped App leaves nothing behind.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/xetem/cinnabar-concierge/internal/allowance"
	"github.com/xetem/cinnabar-concierge/internal/config"
	"github.com/xetem/cinnabar-concierge/internal/dialogue"
	"github.com/xetem/cinnabar-concierge/internal/health"
	"github.com/xetem/cinnabar-concierge/internal/observe"
	"github.com/xetem/cinnabar-concierge/internal/provision"
	"github.com/xetem/cinnabar-concierge/internal/realm"
	"github.com/xetem/cinnabar-concierge/internal/registry"
	"github.com/xetem/cinnabar-concierge/internal/sequencer"
)

// httpShutdownTimeout bounds the drain of in-flight probe requests.
const httpShutdownTimeout = 5 * time.Second

// App is the assembled concierge. Create with [New], drive with [App.Run],
// stop with [App.Shutdown].
type App struct {
	cfg *config.Config

	store   registry.Store
	alloc   *registry.Allocator
	bucket  *allowance.Bucket
	seq     *sequencer.Sequencer
	dialog  *dialogue.Handler
	metrics *observe.Metrics

	events realm.EventSource
	out    realm.Messenger
	chars  realm.CharSource

	httpSrv     *http.Server
	unsubscribe func()

	// closers tear construction down in registration order.
	closers  []func() error
	stopOnce sync.Once
}

// Option overrides a collaborator during construction. Used in tests to
// substitute in-memory fakes for the realm connection and the ledger.
type Option func(*App)

// WithStore substitutes the apartment ledger backend, bypassing the
// configured driver.
func WithStore(s registry.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRealm substitutes the realm collaborators, bypassing the WebSocket
// dial.
func WithRealm(events realm.EventSource, out realm.Messenger, chars realm.CharSource) Option {
	return func(a *App) {
		a.events = events
		a.out = out
		a.chars = chars
	}
}

// WithMetrics substitutes the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New constructs a fully wired App. Any failure aborts construction after
// unwinding the registrations already made.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	alloc, err := registry.NewAllocator(ctx, a.store)
	if err != nil {
		return nil, fmt.Errorf("app: init allocator: %w", err)
	}
	a.alloc = alloc
	a.bucket = allowance.New(cfg.Allowance.Ceiling.Std())

	if a.events == nil {
		client, err := realm.Dial(ctx, realm.ClientConfig{
			URL:   cfg.Realm.URL,
			Token: cfg.Realm.Token,
		})
		if err != nil {
			return nil, fmt.Errorf("app: connect realm: %w", err)
		}
		a.events, a.out, a.chars = client, client, client
		a.closers = append(a.closers, client.Close)
		slog.Info("connected to realm", "url", cfg.Realm.URL)
	}

	a.seq = sequencer.New()
	pipe := provision.New(a.chars, a.alloc, a.bucket, a.metrics, cfg.Bot.FallbackContact)
	if err := a.seq.Register(provision.Action, pipe.Handler()); err != nil {
		return nil, fmt.Errorf("app: register build action: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.seq.Unregister(provision.Action)
		return nil
	})

	a.dialog = dialogue.New(a.out, a.alloc, a.bucket, a.seq, a.metrics, dialogue.Config{
		Numbering:       cfg.Bot.Numbering,
		SessionTimeout:  cfg.Bot.SessionTimeout.Std(),
		ReplyCost:       cfg.Allowance.ReplyCost.Std(),
		FallbackContact: cfg.Bot.FallbackContact,
	})

	a.unsubscribe = a.events.Subscribe(a.dialog.HandleEvent)
	a.closers = append(a.closers, func() error {
		a.unsubscribe()
		return nil
	})

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		health.New(
			health.Checker{Name: "realm", Check: a.checkRealm},
			health.Checker{Name: "ledger", Check: a.alloc.Ping},
		).Register(mux)
		a.httpSrv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	ok = true
	return a, nil
}

// initStore opens the configured ledger backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		a.closers = append(a.closers, a.store.Close)
		return nil
	}

	switch a.cfg.Store.Driver {
	case config.StoreSQLite:
		store, err := registry.OpenSQLite(a.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("app: open ledger: %w", err)
		}
		a.store = store

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("app: connect ledger database: %w", err)
		}
		store := registry.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("app: migrate ledger: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.store = store

	case config.StoreMemory:
		slog.Warn("using the in-memory ledger, leases will not survive a restart")
		a.store = registry.NewMemStore()

	default:
		return fmt.Errorf("app: unknown store driver %q", a.cfg.Store.Driver)
	}

	a.closers = append(a.closers, a.store.Close)
	return nil
}

// checkRealm reports readiness of the realm connection: the configured
// concierge character must currently be under this connection's control.
func (a *App) checkRealm(context.Context) error {
	if _, err := a.chars.Char(a.cfg.Realm.CharID); err != nil {
		return err
	}
	return nil
}

// Run drives the sequencer, the dialogue session janitor and the operational
// HTTP server until ctx is cancelled. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.seq.Run(ctx) })
	g.Go(func() error { return a.dialog.Run(ctx) })

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("serving operational endpoints", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			if err := a.httpSrv.Shutdown(sctx); err != nil {
				slog.Warn("http server shutdown incomplete", "err", err)
			}
			return ctx.Err()
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown reverses construction: the event subscription, the registered
// build action, the realm connection and the ledger are torn down in order.
// Idempotent; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if ctx.Err() != nil {
			err = ctx.Err()
			return
		}
		err = a.runClosers()
	})
	return err
}

// runClosers runs and drops the accumulated closers in reverse registration
// order, so the subscription goes before the connection and the connection
// before the ledger.
func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// PendingBuilds reports the number of queued build requests. Exposed for the
// operational log line printed on shutdown.
func (a *App) PendingBuilds() int { return a.seq.Pending() }

// PendingSessions reports the number of open dialogue sessions.
func (a *App) PendingSessions() int { return a.dialog.PendingSessions() }
