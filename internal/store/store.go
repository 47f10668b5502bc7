// Package store is the registry of live encounters. Each encounter is an
// independent unit of consistency with its own write section; encounters
// never block each other.
package store

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dndtracker/internal/encounter"
)

// Observer receives every committed snapshot while the encounter's write
// section is still held, so calls for one encounter arrive in commit order.
// Committed must not block.
type Observer interface {
	Committed(snap encounter.Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(encounter.Snapshot)

func (f ObserverFunc) Committed(snap encounter.Snapshot) { f(snap) }

// Mutator computes the next state from the current one.
type Mutator func(encounter.State) (encounter.State, error)

type record struct {
	mu         sync.Mutex
	current    atomic.Pointer[encounter.Snapshot]
	lastActive atomic.Int64
	// removed is set under mu once the record leaves the store. A caller
	// that looked the record up before that must not act on it.
	removed bool
}

func (r *record) touch(at time.Time) {
	r.lastActive.Store(at.UnixNano())
}

// Store owns one record per encounter id.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record

	observers []Observer
	newID     func() string
	now       func() time.Time
	log       *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers o for every commit.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// WithIDGenerator replaces uuid.NewString.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*record),
		newID:   uuid.NewString,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver registers o after construction. It must be called before the
// store serves traffic.
func (s *Store) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Create allocates a new encounter at sequence 0.
func (s *Store) Create(name string) (encounter.Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return encounter.Snapshot{}, fmt.Errorf("%w: name is required", encounter.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(name) > encounter.MaxNameLength {
		return encounter.Snapshot{}, fmt.Errorf("%w: name longer than %d characters", encounter.ErrInvalidArgument, encounter.MaxNameLength)
	}

	now := s.now()
	id := s.newID()
	snap, err := encounter.Seal(encounter.NewState(id, name, now))
	if err != nil {
		return encounter.Snapshot{}, err
	}

	rec := &record{}
	rec.current.Store(&snap)
	rec.touch(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return encounter.Snapshot{}, fmt.Errorf("encounter id %s already allocated", id)
	}
	s.records[id] = rec
	return snap, nil
}

// Get returns the latest committed snapshot of id.
func (s *Store) Get(id string) (encounter.Snapshot, error) {
	rec, err := s.record(id)
	if err != nil {
		return encounter.Snapshot{}, err
	}
	return *rec.current.Load(), nil
}

// Commit runs mutate inside id's write section and publishes the result.
// The mutator must advance the sequence by exactly one; a failing mutator
// leaves the record untouched and notifies nobody.
func (s *Store) Commit(id string, mutate Mutator) (encounter.Snapshot, error) {
	rec, err := s.record(id)
	if err != nil {
		return encounter.Snapshot{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return encounter.Snapshot{}, notFound(id)
	}

	prev := rec.current.Load()
	next, err := mutate(prev.State)
	if err != nil {
		return encounter.Snapshot{}, err
	}
	if next.Sequence != prev.Sequence()+1 {
		return encounter.Snapshot{}, fmt.Errorf("commit %s: sequence %d does not follow %d", id, next.Sequence, prev.Sequence())
	}

	snap, err := encounter.Seal(next)
	if err != nil {
		return encounter.Snapshot{}, err
	}
	rec.current.Store(&snap)
	rec.touch(s.now())

	for _, o := range s.observers {
		o.Committed(snap)
	}
	return snap, nil
}

// View runs fn with the current snapshot while holding id's write section,
// so no commit can land between reading the snapshot and fn returning.
func (s *Store) View(id string, fn func(encounter.Snapshot)) error {
	rec, err := s.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return notFound(id)
	}
	fn(*rec.current.Load())
	return nil
}

// Touch records activity on id without committing.
func (s *Store) Touch(id string) {
	if rec, err := s.record(id); err == nil {
		rec.touch(s.now())
	}
}

// Delete removes id. It reports whether the encounter existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.mu.Lock()
	rec.removed = true
	rec.mu.Unlock()
	delete(s.records, id)
	return true
}

// Len returns the number of live encounters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep deletes encounters idle for longer than idle, skipping those for
// which keep returns true, and returns the deleted ids. Each candidate is
// decided inside its write section, so a View or Commit in progress finishes
// first and keep sees its effects.
func (s *Store) Sweep(idle time.Duration, keep func(id string) bool) []string {
	if idle <= 0 {
		return nil
	}
	cutoff := s.now().Add(-idle).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, rec := range s.records {
		if rec.lastActive.Load() >= cutoff {
			continue
		}
		if s.expire(rec, id, cutoff, keep) {
			delete(s.records, id)
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		s.log.Info("expired idle encounters", zap.Strings("encounter_ids", expired), zap.Duration("idle", idle))
	}
	return expired
}

// expire marks rec removed unless it became active or keep claims it.
func (s *Store) expire(rec *record, id string, cutoff int64, keep func(id string) bool) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.lastActive.Load() >= cutoff {
		return false
	}
	if keep != nil && keep(id) {
		return false
	}
	rec.removed = true
	return true
}

func (s *Store) record(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return rec, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", encounter.ErrNotFound, id)
}
