package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/meetrelay/internal/eventlog"
	"github.com/lukasbauer/meetrelay/internal/httpapi"
	"github.com/lukasbauer/meetrelay/internal/metrics"
	"github.com/lukasbauer/meetrelay/internal/relay"
	"github.com/lukasbauer/meetrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	cfg     Config
	logger  *log.Logger
	db      *pgxpool.Pool
	store   *store.Store
	relay   *relay.Relay
	metrics *metrics.Metrics
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.AssemblyAIAPIKey == "" {
		return nil, errors.New("ASSEMBLYAI_API_KEY is required")
	}

	// Persistence is optional: without DATABASE_URL the relay keeps no
	// transcript history and logs no lifecycle events.
	var (
		db *pgxpool.Pool
		s  *store.Store
	)
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool
		s = store.New(pool)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var recorder relay.Recorder
	if s != nil {
		recorder = s
	}

	rl := relay.New(relay.Config{
		APIKey:       cfg.AssemblyAIAPIKey,
		StreamURL:    cfg.AssemblyAIURL,
		IdleTimeout:  cfg.SessionIdleTimeout,
		ReapInterval: cfg.SessionReapEvery,
	}, logger, recorder, eventlog.New(db), m)
	rl.StartReaper()

	return &App{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   s,
		relay:   rl,
		metrics: m,
	}, nil
}

func (a *App) Router() http.Handler {
	return httpapi.NewRouter(httpapi.RouterConfig{
		DefaultSampleRate: a.cfg.DefaultSampleRate,
		SubscriberBuffer:  a.cfg.SubscriberBuffer,
		ClientAPIKey:      a.cfg.ClientAPIKey,
		JWTSecret:         a.cfg.JWTSecret,
		JWTExpiry:         a.cfg.JWTExpiry,
	}, a.logger, a.relay, a.store, a.metrics)
}

// Shutdown drains the relay and releases resources. Bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.relay.Close(ctx)
	if a.db != nil {
		a.db.Close()
	}
	return err
}
