// Package app wires the TrendNet server runtime: config, logging, identity,
// the message store, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"trendnet/cmd/identity"
	"trendnet/cmd/internal/audit"
	"trendnet/cmd/internal/observability"
	"trendnet/cmd/internal/realtime"
	"trendnet/cmd/internal/seed"
	sectoken "trendnet/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App is the TrendNet server runtime: it owns HTTP server wiring and realtime dependencies.
type App struct {
	cfg Config
	log Logger

	store     realtime.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	engine    *realtime.Engine
	ws        *realtime.Gateway
	personas  *seed.Directory
	publisher audit.Publisher
	emitter   *audit.Emitter
	login     http.Handler

	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "trendnet",
	}, log)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	a := &App{cfg: cfg, log: log, shutdownTracing: shutdownTracing}
	if err := a.wire(ctx); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	data, err := seed.Load()
	if err != nil {
		return err
	}
	a.personas = data.Directory()

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.store, a.dbPool, a.dbEnabled = store, pool, pool != nil

	a.publisher = audit.NewPublisher(log, cfg.AMQPURL, cfg.AMQPExchange)
	a.emitter = audit.NewEmitter(log, a.publisher, "trendnet", cfg.Environment, 1024)

	auth, mem, err := newIdentity(cfg, a.personas)
	if err != nil {
		return err
	}
	if mem != nil && cfg.DevLogin {
		a.login = newDevLogin(log, mem, a.emitter)
	}

	a.engine, err = realtime.NewEngine(realtime.EngineConfig{
		Log:           log,
		Store:         store,
		Resolver:      realtime.Resolver{RoomGlobalFallback: cfg.RoomGlobalFallback},
		Personas:      a.personas,
		Audit:         a.emitter,
		SendQueueSize: cfg.WS.SendQueueSize,
	})
	if err != nil {
		return err
	}

	a.ws, err = realtime.NewGateway(log, a.engine, auth, cfg.WS)
	if err != nil {
		return err
	}

	if cfg.Seed {
		n, err := data.SeedRooms(ctx, store, a.engine, a.personas)
		if err != nil {
			return err
		}
		log.Info("seed.rooms", "messages", n)
	}
	return nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		ws:        a.ws,
		personas:  a.personas,
		login:     a.login,
	})
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and the audit worker and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"audit", audit.PublisherMode(a.publisher),
		"dev_login", a.login != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.emitter.Run(gctx) })

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.closeResources(closeCtx)

	a.log.Info("server.stopped")
	return err
}

func (a *App) closeResources(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Error("audit.close.fail", "err", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Error("tracing.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory store.
// The app owns the pool; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (realtime.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return realtime.NewMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, nil
}

// newIdentity picks the token registry. A PASETO public key selects external
// verification; otherwise an in-memory registry is returned as well so dev
// tokens and dev login can populate it.
func newIdentity(cfg Config, personas *seed.Directory) (identity.Registry, *identity.MemoryRegistry, error) {
	if cfg.PasetoPublicKeyHex != "" {
		reg, err := identity.NewPasetoRegistry(identity.PasetoConfig{
			PublicKeyHex: cfg.PasetoPublicKeyHex,
			Issuer:       cfg.PasetoIssuer,
			ClockSkew:    30 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return reg, nil, nil
	}

	hasher, err := sectoken.NewHasher(cfg.TokenHMACKey)
	if err != nil {
		return nil, nil, fmt.Errorf("security policy: TRENDNET_TOKEN_HMAC_KEY: %w", err)
	}
	if cfg.RequireTokenHMAC && !hasher.Keyed() {
		return nil, nil, errors.New("security policy: TRENDNET_REQUIRE_TOKEN_HMAC=true but TRENDNET_TOKEN_HMAC_KEY is missing")
	}

	mem := identity.NewMemoryRegistry(identity.WithTokenHasher(hasher))
	if err := personas.RegisterAll(mem); err != nil {
		return nil, nil, err
	}
	devs, err := identity.ParseDevTokens(cfg.DevTokens)
	if err != nil {
		return nil, nil, fmt.Errorf("dev tokens: %w", err)
	}
	for tok, p := range devs {
		if _, err := mem.Register(p); err != nil {
			return nil, nil, err
		}
		mem.Bind(tok, p.ID)
	}
	return mem, mem, nil
}
