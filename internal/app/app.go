package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"example.com/scorebridge/db"
	"example.com/scorebridge/internal/access"
	"example.com/scorebridge/internal/auth"
	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/config"
	"example.com/scorebridge/internal/directory"
	"example.com/scorebridge/internal/httpapi"
	"example.com/scorebridge/internal/logging"
	"example.com/scorebridge/internal/metrics"
	"example.com/scorebridge/internal/migrate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// App is the directory server: REST surface, bus broker and the store behind them.
type App struct {
	cfg config.Config
	log zerolog.Logger

	db   *pgxpool.Pool
	hub  *bus.Hub
	nats *bus.NATSBroker

	Metrics   *metrics.Manager
	Directory *directory.Service

	srv *http.Server
}

func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, Metrics: metrics.New()}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	acc := access.NewService(store, logging.Component(log, "access"),
		access.WithLimit(rate.Limit(cfg.Access.Rate), cfg.Access.Burst),
		access.WithMetrics(a.Metrics),
	)
	signer := auth.NewSigner([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)

	var broker bus.Broker
	switch cfg.Bus.Transport {
	case "nats":
		nb, err := bus.NewNATSBroker(bus.NATSConfig{
			URL:           cfg.Bus.NATSURL,
			Prefix:        cfg.Bus.Prefix,
			Name:          "scorebridge-server",
			ReconnectWait: cfg.Bus.ReconnectWait,
		}, logging.Component(log, "nats"))
		if err != nil {
			a.closeDB()
			return nil, err
		}
		a.nats, broker = nb, nb
	default:
		a.hub = bus.NewHub(logging.Component(log, "hub"), signer.JudgeDevice, a.Metrics)
		broker = a.hub
	}

	a.Directory = directory.NewService(directory.Deps{
		Store:    store,
		Verifier: acc,
		Tokens:   signer,
		Broker:   broker,
		Log:      logging.Component(log, "directory"),
		Metrics:  a.Metrics,
	})
	directory.NewIngestor(a.Directory, logging.Component(log, "ingest"), a.Metrics).Attach(broker)
	if a.hub != nil {
		a.hub.OnDisconnect(func(ctx context.Context, deviceID string) {
			if err := a.Directory.Leave(ctx, deviceID); err != nil {
				log.Warn().Err(err).Str("device", deviceID).Msg("mark judge disconnected")
			}
		})
	}

	h := &httpapi.Handler{
		Directory: a.Directory,
		Access:    acc,
		Signer:    signer,
		AdminKey:  cfg.Auth.AdminKey,
		Log:       logging.Component(log, "http"),
	}
	opts := httpapi.RouteOptions{Metrics: a.Metrics, Origins: cfg.HTTP.Origins}
	if a.hub != nil {
		opts.Bus = a.hub
	}
	if cfg.Auth.AdminKey == "" {
		log.Warn().Msg("auth.admin_key is empty, coordinator sessions are disabled")
	}

	a.srv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h.Routes(opts),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (directory.Store, error) {
	if a.cfg.Store != "postgres" {
		a.log.Warn().Msg("using in-memory store, state is lost on restart")
		return directory.NewMemoryStore(), nil
	}

	if a.cfg.Postgres.RunMigrations {
		if err := migrate.Up(a.cfg.Postgres.URL, db.Migrations, logging.Component(a.log, "migrate")); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.New(ctx, a.cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	a.db = pool
	return directory.NewPostgresStore(pool), nil
}

// Handler exposes the routed server for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }

func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.log.Info().Str("addr", a.cfg.HTTP.Addr).Str("bus", a.cfg.Bus.Transport).Str("store", a.cfg.Store).Msg("http server starting")

	g.Go(func() error {
		err := a.srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if a.nats != nil {
		g.Go(func() error { return a.nats.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info().Msg("http server shutting down")
		if a.hub != nil {
			a.hub.Close()
		}
		_ = a.srv.Shutdown(shutdownCtx)
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close is best-effort.
func (a *App) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	a.closeDB()
}

func (a *App) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}
