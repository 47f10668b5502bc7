// Package archive keeps a write-behind audit trail of encounters: the
// creation record with token digests, every committed snapshot, and the
// roll and chat entries each commit appended. The archive is never read back
// to rebuild live state.
package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dndtracker/internal/encounter"
	"dndtracker/internal/metrics"
)

const (
	defaultQueue = 1024
	writeTimeout = 10 * time.Second
)

// Creation is the first record of an encounter.
type Creation struct {
	Snapshot     encounter.Snapshot
	HostDigest   string
	PlayerDigest string
}

// Commit is one accepted mutation. Roll and Chat are set when the mutation
// appended that entry.
type Commit struct {
	Snapshot encounter.Snapshot
	Roll     *encounter.RollEntry
	Chat     *encounter.ChatEntry
}

// Backend persists archive records.
type Backend interface {
	SaveCreation(ctx context.Context, c Creation) error
	SaveCommit(ctx context.Context, c Commit) error
	SaveExpiry(ctx context.Context, encounterID string, at time.Time) error
	Close() error
}

// NewCommit derives the archive record of snap.
func NewCommit(snap encounter.Snapshot) Commit {
	c := Commit{Snapshot: snap}
	seq := snap.Sequence()
	if n := len(snap.State.Rolls); n > 0 && snap.State.Rolls[n-1].Sequence == seq {
		roll := snap.State.Rolls[n-1]
		c.Roll = &roll
	}
	if n := len(snap.State.Chat); n > 0 && snap.State.Chat[n-1].Sequence == seq {
		chat := snap.State.Chat[n-1]
		c.Chat = &chat
	}
	return c
}

type job struct {
	creation *Creation
	commit   *Commit
	expiry   *expiry
}

type expiry struct {
	id string
	at time.Time
}

// Writer queues archive records and writes them from a single worker so
// records of one encounter reach the backend in commit order. A full queue
// drops the record.
type Writer struct {
	backend Backend
	queue   chan job

	log     *zap.Logger
	metrics *metrics.Collectors
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithQueueSize bounds the number of pending records.
func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan job, n)
		}
	}
}

// NewWriter returns a Writer in front of backend.
func NewWriter(backend Backend, opts ...Option) *Writer {
	w := &Writer{
		backend: backend,
		queue:   make(chan job, defaultQueue),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EncounterCreated queues the creation record.
func (w *Writer) EncounterCreated(snap encounter.Snapshot, hostDigest, playerDigest string) {
	w.enqueue(job{creation: &Creation{Snapshot: snap, HostDigest: hostDigest, PlayerDigest: playerDigest}}, snap.State.ID)
}

// Committed queues the commit record.
func (w *Writer) Committed(snap encounter.Snapshot) {
	c := NewCommit(snap)
	w.enqueue(job{commit: &c}, snap.State.ID)
}

// EncounterExpired queues the revocation of the encounter's tokens.
func (w *Writer) EncounterExpired(id string, at time.Time) {
	w.enqueue(job{expiry: &expiry{id: id, at: at}}, id)
}

func (w *Writer) enqueue(j job, id string) {
	select {
	case w.queue <- j:
	default:
		w.metrics.SinkDrop("archive")
		w.log.Warn("archive queue full, dropping record", zap.String("encounter_id", id))
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
// ctx only signals the stop; a record already dequeued is still written.
func (w *Writer) Run(ctx context.Context) {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case j := <-w.queue:
			w.write(writeCtx, j)
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case j := <-w.queue:
			w.write(ctx, j)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var (
		err error
		id  string
	)
	switch {
	case j.creation != nil:
		id = j.creation.Snapshot.State.ID
		err = w.backend.SaveCreation(ctx, *j.creation)
	case j.commit != nil:
		id = j.commit.Snapshot.State.ID
		err = w.backend.SaveCommit(ctx, *j.commit)
	case j.expiry != nil:
		id = j.expiry.id
		err = w.backend.SaveExpiry(ctx, j.expiry.id, j.expiry.at)
	}
	if err != nil {
		w.log.Warn("archive write failed", zap.String("encounter_id", id), zap.Error(err))
	}
}
