package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dndtracker/internal/archive"
	"dndtracker/internal/config"
	"dndtracker/internal/metrics"
	"dndtracker/internal/relay"
)

// Startup waits up to maxConnectWait for a dependency to come up.
var (
	maxConnectWait      = 30 * time.Second
	initialConnectDelay = 500 * time.Millisecond
)

// retry runs op with exponential backoff until it succeeds, ctx ends or
// maxConnectWait elapses.
func retry(ctx context.Context, log *zap.Logger, dependency string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialConnectDelay
	b.MaxElapsedTime = maxConnectWait
	b.Reset()
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn("dependency not ready",
			zap.String("dependency", dependency),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
}

func (a *Application) connectRedis(ctx context.Context, m *metrics.Collectors) error {
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := retry(ctx, a.log, "redis", func() error { return relay.Ping(ctx, client) }); err != nil {
		_ = client.Close()
		return fmt.Errorf("init redis: %w", err)
	}
	a.redis = client
	a.publisher = relay.New(client, a.cfg.RedisChannelPrefix, relay.WithLogger(a.log), relay.WithMetrics(m))
	a.log.Info("connected to redis", zap.String("addr", a.cfg.RedisAddr))
	return nil
}

// openArchive returns nil when archiving is off.
func openArchive(ctx context.Context, cfg config.Config, log *zap.Logger) (archive.Backend, error) {
	switch cfg.Archive {
	case config.ArchivePostgres:
		var pg *archive.Postgres
		err := retry(ctx, log, "postgres", func() error {
			var err error
			pg, err = archive.OpenPostgres(ctx, cfg.DatabaseURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		log.Info("archiving to postgres")
		return pg, nil
	case config.ArchiveBolt:
		b, err := archive.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		log.Info("archiving to bolt", zap.String("path", cfg.BoltPath))
		return b, nil
	default:
		return nil, nil
	}
}
