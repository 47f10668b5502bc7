// Package app assembles the encounter server from its configuration and
// runs it until the context is canceled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dndtracker/internal/api"
	"dndtracker/internal/archive"
	"dndtracker/internal/broadcast"
	"dndtracker/internal/config"
	"dndtracker/internal/discovery"
	"dndtracker/internal/metrics"
	"dndtracker/internal/relay"
	"dndtracker/internal/session"
	"dndtracker/internal/store"
	"dndtracker/internal/token"
)

const shutdownTimeout = 10 * time.Second

// Application owns every long-lived component of the server.
type Application struct {
	cfg     config.Config
	log     *zap.Logger
	handler http.Handler

	svc       *session.Service
	hub       *broadcast.Hub
	redis     *redis.Client
	publisher *relay.Publisher
	archive   archive.Backend
	writer    *archive.Writer
}

// Prometheus is where the application registers and exposes metrics.
type Prometheus struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// New connects the configured sinks and builds the HTTP handler. Nothing is
// served until Run.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, prom Prometheus) (*Application, error) {
	m, err := metrics.New(prom.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a := &Application{cfg: cfg, log: log}
	st := store.New(store.WithLogger(log))
	opts := []session.Option{session.WithLogger(log), session.WithMetrics(m)}

	if cfg.RedisAddr != "" {
		if err := a.connectRedis(ctx, m); err != nil {
			return nil, err
		}
		st.AddObserver(a.publisher)
	}

	backend, err := openArchive(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init archive: %w", err)
	}
	if backend != nil {
		a.archive = backend
		a.writer = archive.NewWriter(backend, archive.WithLogger(log), archive.WithMetrics(m))
		st.AddObserver(a.writer)
		opts = append(opts, session.WithLifecycleObserver(a.writer))
	}

	a.hub = broadcast.NewHub(log, m)
	a.svc = session.New(st, token.NewAuthority(cfg.ServerSalt), a.hub, session.Config{
		LogCapacity:      cfg.LogCapacity,
		SubscriberBuffer: cfg.SubscriberBuffer,
		IdleTTL:          cfg.IdleTTL,
	}, opts...)

	apiOpts := api.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		CreateRate:     cfg.CreateRate,
		CreateBurst:    cfg.CreateBurst,
		SyncRate:       cfg.SyncRate,
		SyncBurst:      cfg.SyncBurst,
	}
	if cfg.Metrics {
		apiOpts.Gatherer = prom.Gatherer
	}
	a.handler = api.NewServer(a.svc, apiOpts, log, m).Handler()
	return a, nil
}

// Handler serves the HTTP and push channel surface.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Service exposes the engine facade.
func (a *Application) Service() *session.Service {
	return a.svc
}

// Start launches the background workers: the reaper and any sink. The
// returned function blocks until they have all returned, which happens once
// ctx is done.
func (a *Application) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(a.svc.Run)
	if a.publisher != nil {
		run(a.publisher.Run)
	}
	if a.writer != nil {
		run(a.writer.Run)
	}
	return wg.Wait
}

// Run serves until ctx is done, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	defer a.Close()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	wait := a.Start(workerCtx)
	defer func() {
		stopWorkers()
		wait()
	}()

	if a.cfg.MDNS {
		adv, err := discovery.Advertise(discovery.InstanceName(), a.cfg.Port, a.log)
		if err != nil {
			a.log.Warn("mdns advertisement failed", zap.Error(err))
		}
		defer adv.Shutdown()
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.log.Info("starting encounter server",
		zap.String("env", a.cfg.Env),
		zap.String("address", srv.Addr),
		zap.String("archive", a.cfg.Archive),
		zap.Bool("redis", a.publisher != nil))

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked push channels are not tracked by Shutdown.
		a.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// Close releases the sink connections. Workers must have stopped first.
func (a *Application) Close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("close archive", zap.Error(err))
		}
		a.archive = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
		a.redis = nil
	}
}
