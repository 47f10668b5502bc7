// Package broadcast fans committed encounter states out to push channels.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"dndtracker/internal/encounter"
	"dndtracker/internal/metrics"
)

// DefaultBuffer is the number of frames a subscriber may fall behind before
// it is dropped.
const DefaultBuffer = 32

// Subscriber is one push channel bound to an encounter. The hub closes
// Frames when the subscriber is removed, whether by Unsubscribe, by
// CloseEncounter or because it fell too far behind.
type Subscriber struct {
	EncounterID string
	Role        encounter.Role

	send chan []byte
}

// NewSubscriber returns a subscriber whose queue holds buffer frames.
func NewSubscriber(encounterID string, role encounter.Role, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{
		EncounterID: encounterID,
		Role:        role,
		send:        make(chan []byte, buffer),
	}
}

// Frames yields encoded push frames in commit order.
func (s *Subscriber) Frames() <-chan []byte {
	return s.send
}

type room struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	closed      bool
}

// Hub keeps one room per encounter. Rooms lock independently so a publish
// to one encounter never waits on another.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room

	log     *zap.Logger
	metrics *metrics.Collectors
}

// NewHub returns an empty hub. log and m may be nil.
func NewHub(log *zap.Logger, m *metrics.Collectors) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms:   make(map[string]*room),
		log:     log,
		metrics: m,
	}
}

func (h *Hub) lookup(id string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

func (h *Hub) roomFor(id string) *room {
	if r := h.lookup(id); r != nil {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &room{subscribers: make(map[*Subscriber]struct{})}
		h.rooms[id] = r
	}
	return r
}

// Subscribe registers sub and queues initial as its first frame. Callers
// hold the encounter's write section so no commit can slip between initial
// and the first pushed frame.
func (h *Hub) Subscribe(sub *Subscriber, initial encounter.Snapshot) {
	r := h.roomFor(sub.EncounterID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		close(sub.send)
		return
	}
	r.subscribers[sub] = struct{}{}
	h.metrics.SubscriberAdded()
	sub.send <- initial.Frame
	h.log.Debug("subscriber registered",
		zap.String("encounter_id", sub.EncounterID),
		zap.String("role", string(sub.Role)),
		zap.Uint64("sequence", initial.Sequence()),
		zap.Int("subscribers", len(r.subscribers)))
}

// Committed queues snap for every subscriber of its encounter. A subscriber
// whose queue is full is dropped; Committed never blocks.
func (h *Hub) Committed(snap encounter.Snapshot) {
	r := h.lookup(snap.State.ID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subscribers {
		h.enqueue(r, sub, snap)
	}
}

// Deliver queues snap for sub alone. It is used to answer a resync request
// and reports false if sub is no longer registered.
func (h *Hub) Deliver(sub *Subscriber, snap encounter.Snapshot) bool {
	r := h.lookup(sub.EncounterID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[sub]; !ok {
		return false
	}
	return h.enqueue(r, sub, snap)
}

// enqueue must run with r.mu held.
func (h *Hub) enqueue(r *room, sub *Subscriber, snap encounter.Snapshot) bool {
	select {
	case sub.send <- snap.Frame:
		return true
	default:
		delete(r.subscribers, sub)
		close(sub.send)
		h.metrics.SubscriberRemoved(true)
		h.log.Warn("dropping slow subscriber",
			zap.String("encounter_id", sub.EncounterID),
			zap.String("role", string(sub.Role)),
			zap.Uint64("sequence", snap.Sequence()))
		return false
	}
}

// Unsubscribe removes sub. It is safe to call more than once and after the
// hub already dropped sub.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	r := h.lookup(sub.EncounterID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[sub]; !ok {
		return
	}
	delete(r.subscribers, sub)
	close(sub.send)
	h.metrics.SubscriberRemoved(false)
}

// HasSubscribers reports whether any push channel is open for id.
func (h *Hub) HasSubscribers(id string) bool {
	return h.Count(id) > 0
}

// Count returns the number of subscribers of id.
func (h *Hub) Count(id string) int {
	r := h.lookup(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// CloseEncounter removes every subscriber of id and forgets the room.
func (h *Hub) CloseEncounter(id string) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	delete(h.rooms, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for sub := range r.subscribers {
		delete(r.subscribers, sub)
		close(sub.send)
		h.metrics.SubscriberRemoved(false)
	}
}

// Close removes every subscriber of every encounter. Their delivery tasks
// see a closed queue and end their channels.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.CloseEncounter(id)
	}
}
