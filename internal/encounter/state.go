// Package encounter holds the authoritative encounter record, the actions
// that mutate it and the processor that applies them.
package encounter

import (
	"maps"
	"slices"
	"time"
)

// Role is the capability bound to a token.
type Role string

const (
	RoleHost   Role = "HOST"
	RolePlayer Role = "PLAYER"
)

// Label is the display name used for chat and roll entries.
func (r Role) Label() string {
	switch r {
	case RoleHost:
		return "Host"
	case RolePlayer:
		return "Player"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RolePlayer
}

// Status is the coarse lifecycle of an encounter.
type Status string

const (
	StatusSetup   Status = "setup"
	StatusRunning Status = "running"
)

// NoTurn is the active-turn index when the turn order is empty.
const NoTurn = -1

// Meta carries display data that does not take part in turn logic.
type Meta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Combatant is one entry of the turn order.
type Combatant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Initiative int    `json:"initiative"`
}

// Effect is an ongoing condition, optionally bounded in rounds or tied to
// a concentrating actor.
type Effect struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	ActorID               string `json:"actorId,omitempty"`
	SourceActorID         string `json:"sourceActorId,omitempty"`
	ConcentrationActorID  string `json:"concentrationActorId,omitempty"`
	RequiresConcentration bool   `json:"requiresConcentration,omitempty"`
	RoundsRemaining       *int   `json:"roundsRemaining,omitempty"`
}

// Concentration tracks an actor that is holding a concentration effect.
type Concentration struct {
	EffectID        string `json:"effectId,omitempty"`
	CheckNeeded     bool   `json:"checkNeeded"`
	DC              int    `json:"dc,omitempty"`
	LastDamageTaken int    `json:"lastDamageTaken,omitempty"`
	LastResult      string `json:"lastResult,omitempty"`
}

// ChatEntry is one accepted chat message.
type ChatEntry struct {
	Sequence uint64    `json:"sequence"`
	Role     Role      `json:"role"`
	WhoLabel string    `json:"whoLabel"`
	ActorID  string    `json:"actorId,omitempty"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// RollEntry is one accepted dice result.
type RollEntry struct {
	Sequence uint64    `json:"sequence"`
	Role     Role      `json:"role"`
	WhoLabel string    `json:"whoLabel"`
	ActorID  string    `json:"actorId,omitempty"`
	Kind     string    `json:"kind"`
	Value    int       `json:"value"`
	At       time.Time `json:"at"`
}

// LogEntry is one engine event. Only the fields relevant to Kind are set.
type LogEntry struct {
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Role     Role   `json:"role,omitempty"`
	Action   string `json:"action,omitempty"`
	Timing   string `json:"timing,omitempty"`
	ActorID  string `json:"actorId,omitempty"`
	EffectID string `json:"effectId,omitempty"`
	DC       int    `json:"dc,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	Round    int    `json:"round,omitempty"`
}

// State is the full encounter record. Committed states are never mutated;
// the processor works on a Clone.
type State struct {
	ID            string                   `json:"id"`
	Sequence      uint64                   `json:"sequence"`
	Status        Status                   `json:"status"`
	Round         int                      `json:"round"`
	TurnIndex     int                      `json:"turnIndex"`
	TurnOrder     []Combatant              `json:"turnOrder"`
	Effects       []Effect                 `json:"effects"`
	Concentration map[string]Concentration `json:"concentration"`
	Chat          []ChatEntry              `json:"chat"`
	Rolls         []RollEntry              `json:"rolls"`
	Log           []LogEntry               `json:"log"`
	Meta          Meta                     `json:"meta"`
}

// NewState returns the record of a freshly created encounter.
func NewState(id, name string, now time.Time) State {
	now = now.UTC()
	return State{
		ID:            id,
		Sequence:      0,
		Status:        StatusSetup,
		Round:         1,
		TurnIndex:     NoTurn,
		TurnOrder:     []Combatant{},
		Effects:       []Effect{},
		Concentration: map[string]Concentration{},
		Chat:          []ChatEntry{},
		Rolls:         []RollEntry{},
		Log:           []LogEntry{},
		Meta: Meta{
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Clone returns a copy that shares no slices or maps with s.
func (s State) Clone() State {
	next := s
	next.TurnOrder = slices.Clone(s.TurnOrder)
	next.Effects = slices.Clone(s.Effects)
	next.Concentration = maps.Clone(s.Concentration)
	next.Chat = slices.Clone(s.Chat)
	next.Rolls = slices.Clone(s.Rolls)
	next.Log = slices.Clone(s.Log)
	if next.Concentration == nil {
		next.Concentration = map[string]Concentration{}
	}
	return next
}

// ActiveCombatant returns the combatant whose turn it is.
func (s State) ActiveCombatant() (Combatant, bool) {
	if s.TurnIndex < 0 || s.TurnIndex >= len(s.TurnOrder) {
		return Combatant{}, false
	}
	return s.TurnOrder[s.TurnIndex], true
}

func (s State) combatantIndex(id string) int {
	return slices.IndexFunc(s.TurnOrder, func(c Combatant) bool { return c.ID == id })
}

func (s State) effectIndex(id string) int {
	return slices.IndexFunc(s.Effects, func(e Effect) bool { return e.ID == id })
}
