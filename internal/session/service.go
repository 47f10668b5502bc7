// Package session is the engine facade used by the gateway. It ties token
// resolution, the state store, the action processor and the broadcaster
// together so that every accepted mutation is committed and pushed in
// sequence order.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dndtracker/internal/broadcast"
	"dndtracker/internal/encounter"
	"dndtracker/internal/metrics"
	"dndtracker/internal/store"
	"dndtracker/internal/token"
)

// LifecycleObserver is told when encounters are created, after their tokens
// exist, and when the reaper expires them. Implementations must not block.
type LifecycleObserver interface {
	EncounterCreated(snap encounter.Snapshot, hostDigest, playerDigest string)
	EncounterExpired(id string, at time.Time)
}

// Config tunes a Service.
type Config struct {
	LogCapacity      int
	SubscriberBuffer int
	IdleTTL          time.Duration
}

// Created is the result of Create. The tokens are only ever returned here.
type Created struct {
	EncounterID string
	HostToken   string
	PlayerToken string
	Snapshot    encounter.Snapshot
}

// Service implements the encounter operations.
type Service struct {
	store     *store.Store
	tokens    *token.Authority
	hub       *broadcast.Hub
	processor encounter.Processor
	cfg       Config

	lifecycle []LifecycleObserver
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Collectors
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLifecycleObserver registers o for creation and expiry.
func WithLifecycleObserver(o LifecycleObserver) Option {
	return func(s *Service) { s.lifecycle = append(s.lifecycle, o) }
}

// WithClock replaces time.Now for expiry notifications.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// WithProcessor replaces the default processor, mostly for deterministic
// clocks and ids in tests.
func WithProcessor(p encounter.Processor) Option {
	return func(s *Service) { s.processor = p }
}

// New wires a Service and registers hub as an observer of st.
func New(st *store.Store, tokens *token.Authority, hub *broadcast.Hub, cfg Config, opts ...Option) *Service {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = broadcast.DefaultBuffer
	}
	s := &Service{
		store:     st,
		tokens:    tokens,
		hub:       hub,
		processor: encounter.NewProcessor(cfg.LogCapacity),
		cfg:       cfg,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	st.AddObserver(hub)
	return s
}

// Create allocates an encounter at sequence 0 and mints its tokens.
func (s *Service) Create(ctx context.Context, name string) (Created, error) {
	if err := ctx.Err(); err != nil {
		return Created{}, err
	}

	snap, err := s.store.Create(name)
	if err != nil {
		return Created{}, err
	}
	id := snap.State.ID

	pair, err := s.tokens.Mint(id)
	if err != nil {
		s.store.Delete(id)
		return Created{}, err
	}

	hostDigest, playerDigest := s.tokens.Digest(pair.Host), s.tokens.Digest(pair.Player)
	for _, o := range s.lifecycle {
		o.EncounterCreated(snap, hostDigest, playerDigest)
	}
	s.metrics.SetEncounters(s.store.Len())
	s.log.Info("encounter created", zap.String("encounter_id", id), zap.String("name", snap.State.Meta.Name))

	return Created{
		EncounterID: id,
		HostToken:   pair.Host,
		PlayerToken: pair.Player,
		Snapshot:    snap,
	}, nil
}

// Snapshot returns the latest committed state of id for a holder of either
// token.
func (s *Service) Snapshot(ctx context.Context, id, tok string) (encounter.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return encounter.Snapshot{}, err
	}
	snap, err := s.store.Get(id)
	if err != nil {
		return encounter.Snapshot{}, err
	}
	if _, err := s.tokens.ResolveFor(id, tok); err != nil {
		return encounter.Snapshot{}, err
	}
	return snap, nil
}

// unknownAction labels mutations whose action was never decoded.
const unknownAction = "UNKNOWN"

// Submit applies action on behalf of the token holder. On success the
// committed state has already been queued to every subscriber.
func (s *Service) Submit(ctx context.Context, id, tok string, action encounter.Action) (encounter.Snapshot, error) {
	snap, err := s.submit(ctx, id, tok, action)
	name := unknownAction
	if action != nil {
		name = action.Name()
	}
	s.metrics.Mutation(name, encounter.Code(err))
	return snap, err
}

// ActJSON submits a host action still in its wire form. The encounter, the
// token and the host role are checked before the body is decoded, so a bad
// credential is never reported as a malformed action.
func (s *Service) ActJSON(ctx context.Context, id, tok string, raw json.RawMessage) (encounter.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return encounter.Snapshot{}, err
	}
	grant, err := s.authorize(id, tok)
	if err == nil && grant.Role != encounter.RoleHost {
		err = fmt.Errorf("%w: host actions require the host token", encounter.ErrForbidden)
	}
	var action encounter.Action
	if err == nil {
		action, err = encounter.DecodeHostAction(raw)
	}
	if err != nil {
		s.metrics.Mutation(unknownAction, encounter.Code(err))
		return encounter.Snapshot{}, err
	}
	return s.Submit(ctx, id, tok, action)
}

func (s *Service) submit(ctx context.Context, id, tok string, action encounter.Action) (encounter.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return encounter.Snapshot{}, err
	}
	grant, err := s.authorize(id, tok)
	if err != nil {
		return encounter.Snapshot{}, err
	}

	snap, err := s.store.Commit(id, func(prev encounter.State) (encounter.State, error) {
		return s.processor.Apply(prev, grant.Role, action)
	})
	if err != nil {
		s.log.Debug("mutation rejected",
			zap.String("encounter_id", id),
			zap.String("role", string(grant.Role)),
			zap.Error(err))
		return encounter.Snapshot{}, err
	}
	return snap, nil
}

// Act submits a host action.
func (s *Service) Act(ctx context.Context, id, tok string, action encounter.Action) (encounter.Snapshot, error) {
	return s.Submit(ctx, id, tok, action)
}

// Roll records a die result.
func (s *Service) Roll(ctx context.Context, id, tok string, roll encounter.Roll) (encounter.Snapshot, error) {
	return s.Submit(ctx, id, tok, roll)
}

// Chat appends a chat message.
func (s *Service) Chat(ctx context.Context, id, tok, message string) (encounter.Snapshot, error) {
	return s.Submit(ctx, id, tok, encounter.Chat{Message: message})
}

// Subscribe opens a push channel on id. The current state is queued as the
// first frame inside the encounter's write section, so the subscriber sees
// every later commit exactly once and in order.
func (s *Service) Subscribe(ctx context.Context, id, tok string) (*broadcast.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grant, err := s.authorize(id, tok)
	if err != nil {
		return nil, err
	}

	sub := broadcast.NewSubscriber(id, grant.Role, s.cfg.SubscriberBuffer)
	if err := s.store.View(id, func(snap encounter.Snapshot) {
		s.hub.Subscribe(sub, snap)
	}); err != nil {
		return nil, err
	}
	s.store.Touch(id)
	return sub, nil
}

// Resync queues the current state for sub when it differs from the
// sequence the client reports. It returns false when sub is gone.
func (s *Service) Resync(sub *broadcast.Subscriber, have uint64) bool {
	ok := true
	err := s.store.View(sub.EncounterID, func(snap encounter.Snapshot) {
		if snap.Sequence() != have {
			ok = s.hub.Deliver(sub, snap)
		}
	})
	if err != nil {
		return false
	}
	s.store.Touch(sub.EncounterID)
	return ok
}

// Unsubscribe closes sub's channel.
func (s *Service) Unsubscribe(sub *broadcast.Subscriber) {
	s.hub.Unsubscribe(sub)
	s.store.Touch(sub.EncounterID)
}

// Len returns the number of live encounters.
func (s *Service) Len() int {
	return s.store.Len()
}

// Reap expires encounters idle for longer than the configured TTL. Encounters
// with open push channels are kept.
func (s *Service) Reap() []string {
	expired := s.store.Sweep(s.cfg.IdleTTL, s.hub.HasSubscribers)
	at := s.now()
	for _, id := range expired {
		s.tokens.Revoke(id)
		s.hub.CloseEncounter(id)
		for _, o := range s.lifecycle {
			o.EncounterExpired(id, at)
		}
	}
	if len(expired) > 0 {
		s.metrics.SetEncounters(s.store.Len())
	}
	return expired
}

// Run reaps idle encounters until ctx is done. It returns immediately when
// no TTL is configured.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.IdleTTL <= 0 {
		return
	}
	interval := s.cfg.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// authorize resolves tok against id. An unknown encounter is reported as
// NotFound before the token is looked at.
func (s *Service) authorize(id, tok string) (token.Grant, error) {
	if _, err := s.store.Get(id); err != nil {
		return token.Grant{}, err
	}
	return s.tokens.ResolveFor(id, tok)
}
