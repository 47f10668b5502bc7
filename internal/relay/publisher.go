// Package relay mirrors committed encounter states onto Redis pub/sub so
// processes outside this server can follow an encounter.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dndtracker/internal/encounter"
	"dndtracker/internal/metrics"
)

const (
	defaultPrefix  = "dndtracker:encounter"
	defaultQueue   = 1024
	publishTimeout = 5 * time.Second
)

// Publisher publishes every committed push frame to the channel
// <prefix>:<encounterID>. Commits are queued and published by Run; when the
// queue is full the frame is dropped.
type Publisher struct {
	client *redis.Client
	prefix string
	queue  chan encounter.Snapshot

	log     *zap.Logger
	metrics *metrics.Collectors
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Publisher) { p.log = log }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithQueueSize bounds the number of frames waiting to be published.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan encounter.Snapshot, n)
		}
	}
}

// New wires client into a Publisher.
func New(client *redis.Client, prefix string, opts ...Option) *Publisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	p := &Publisher{
		client: client,
		prefix: prefix,
		queue:  make(chan encounter.Snapshot, defaultQueue),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel names the pub/sub channel of an encounter.
func (p *Publisher) Channel(encounterID string) string {
	return p.prefix + ":" + encounterID
}

// Committed queues snap without blocking.
func (p *Publisher) Committed(snap encounter.Snapshot) {
	select {
	case p.queue <- snap:
	default:
		p.metrics.SinkDrop("redis")
		p.log.Warn("relay queue full, dropping frame",
			zap.String("encounter_id", snap.State.ID),
			zap.Uint64("sequence", snap.Sequence()))
	}
}

// Run publishes queued frames until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-p.queue:
			if err := p.publish(ctx, snap); err != nil {
				p.log.Warn("relay publish failed",
					zap.String("encounter_id", snap.State.ID),
					zap.Uint64("sequence", snap.Sequence()),
					zap.Error(err))
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, snap encounter.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(snap.State.ID), snap.Frame).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ping checks that the Redis server answers.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
