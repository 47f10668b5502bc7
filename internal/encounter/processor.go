package encounter

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultLogCapacity bounds the chat, roll and event logs.
	DefaultLogCapacity = 200

	MaxNameLength    = 200
	MaxMessageLength = 2000
	MaxLabelLength   = 64
)

// Log entry kinds.
const (
	LogRoll                     = "roll"
	LogChat                     = "chat"
	LogAction                   = "action"
	LogTiming                   = "timing"
	LogEffectAdded              = "effect_added"
	LogEffectRemoved            = "effect_removed"
	LogEffectExpired            = "effect_expired"
	LogCombatantAdded           = "combatant_added"
	LogCombatantRemoved         = "combatant_removed"
	LogConcentrationCheckNeeded = "concentration_check_needed"
	LogConcentrationResolved    = "concentration_resolved"
	LogSaveApplied              = "save_applied"
)

// Timing markers emitted by NEXT_TURN.
const (
	TimingTurnEnd    = "turn_end"
	TimingTurnStart  = "turn_start"
	TimingRoundEnd   = "round_end"
	TimingRoundStart = "round_start"
)

// Processor validates and applies actions. Apply never touches its input
// state and has no side effects beyond NewID and Now.
type Processor struct {
	LogCapacity int
	NewID       func() string
	Now         func() time.Time
}

// NewProcessor returns a processor with uuid identifiers and wall-clock time.
func NewProcessor(logCapacity int) Processor {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}
	return Processor{
		LogCapacity: logCapacity,
		NewID:       uuid.NewString,
		Now:         time.Now,
	}
}

// Apply returns the state that results from role submitting action against
// prev. Every accepted action advances Sequence by exactly one.
func (p Processor) Apply(prev State, role Role, action Action) (State, error) {
	if !role.Valid() {
		return State{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}
	if action == nil {
		return State{}, fmt.Errorf("%w: action is required", ErrInvalidArgument)
	}
	if action.HostOnly() && role != RoleHost {
		return State{}, fmt.Errorf("%w: %s requires the host token", ErrForbidden, action.Name())
	}

	now := p.now()
	next := prev.Clone()
	next.Sequence = prev.Sequence + 1
	next.Meta.UpdatedAt = now

	var err error
	switch a := action.(type) {
	case Roll:
		err = p.roll(&next, role, a, now)
	case Chat:
		err = p.chat(&next, role, a, now)
	default:
		err = p.host(&next, role, action)
	}
	if err != nil {
		return State{}, err
	}
	return next, nil
}

func (p Processor) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p Processor) newID() string {
	if p.NewID == nil {
		return uuid.NewString()
	}
	return p.NewID()
}

func (p Processor) log(s *State, entries ...LogEntry) {
	for i := range entries {
		entries[i].Sequence = s.Sequence
	}
	s.Log = appendBounded(s.Log, p.LogCapacity, entries...)
}

func appendBounded[T any](list []T, capacity int, items ...T) []T {
	list = append(list, items...)
	if capacity > 0 && len(list) > capacity {
		list = slices.Clone(list[len(list)-capacity:])
	}
	return list
}

func (p Processor) roll(s *State, role Role, r Roll, now time.Time) error {
	if err := ValidateRoll(r.Kind, r.Value); err != nil {
		return err
	}
	who := strings.TrimSpace(r.WhoLabel)
	if who == "" {
		who = role.Label()
	}
	if utf8.RuneCountInString(who) > MaxLabelLength {
		return fmt.Errorf("%w: whoLabel longer than %d characters", ErrInvalidArgument, MaxLabelLength)
	}

	entry := RollEntry{
		Sequence: s.Sequence,
		Role:     role,
		WhoLabel: who,
		ActorID:  strings.TrimSpace(r.ActorID),
		Kind:     NormalizeDie(r.Kind),
		Value:    r.Value,
		At:       now,
	}
	s.Rolls = appendBounded(s.Rolls, p.LogCapacity, entry)
	p.log(s, LogEntry{Kind: LogRoll, Role: role, ActorID: entry.ActorID})
	return nil
}

func (p Processor) chat(s *State, role Role, c Chat, now time.Time) error {
	text := strings.TrimSpace(c.Message)
	if text == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrInvalidArgument, MaxMessageLength)
	}

	s.Chat = appendBounded(s.Chat, p.LogCapacity, ChatEntry{
		Sequence: s.Sequence,
		Role:     role,
		WhoLabel: role.Label(),
		Text:     text,
		At:       now,
	})
	p.log(s, LogEntry{Kind: LogChat, Role: role})
	return nil
}

func (p Processor) host(s *State, role Role, action Action) error {
	p.log(s, LogEntry{Kind: LogAction, Role: role, Action: action.Name()})
	if s.Status == StatusSetup {
		s.Status = StatusRunning
	}

	switch a := action.(type) {
	case NextTurn:
		p.nextTurn(s)
		return nil
	case AddCombatant:
		return p.addCombatant(s, a.Combatant)
	case RemoveCombatant:
		return p.removeCombatant(s, strings.TrimSpace(a.ActorID))
	case AddEffect:
		return p.addEffect(s, a.Effect)
	case RemoveEffect:
		return p.removeEffect(s, strings.TrimSpace(a.EffectID))
	case ApplyDamage:
		return p.applyDamage(s, strings.TrimSpace(a.ActorID), a.DamageTaken)
	case ResolveConcentrationSave:
		return p.resolveConcentration(s, strings.TrimSpace(a.ActorID), a.Success)
	case ApplySaveResult:
		return p.applySave(s, strings.TrimSpace(a.EffectID), a.Success)
	default:
		return fmt.Errorf("%w: unsupported action %s", ErrInvalidArgument, action.Name())
	}
}

// nextTurn advances the active index, wrapping into a new round. With an
// empty turn order only the turn_end marker is logged.
func (p Processor) nextTurn(s *State) {
	if len(s.TurnOrder) == 0 {
		s.TurnIndex = NoTurn
		p.log(s, LogEntry{Kind: LogTiming, Timing: TimingTurnEnd})
		return
	}

	idx := s.TurnIndex
	if idx < 0 || idx >= len(s.TurnOrder) {
		idx = 0
	}
	p.log(s, LogEntry{Kind: LogTiming, Timing: TimingTurnEnd, ActorID: s.TurnOrder[idx].ID})

	idx++
	if idx >= len(s.TurnOrder) {
		idx = 0
		p.nextRound(s)
	}
	s.TurnIndex = idx
	p.log(s, LogEntry{Kind: LogTiming, Timing: TimingTurnStart, ActorID: s.TurnOrder[idx].ID})
}

// nextRound closes the current round, ticking effect durations, and opens
// the next one.
func (p Processor) nextRound(s *State) {
	p.log(s, LogEntry{Kind: LogTiming, Timing: TimingRoundEnd, Round: s.Round})
	p.tickEffects(s)
	s.Round++
	p.log(s, LogEntry{Kind: LogTiming, Timing: TimingRoundStart, Round: s.Round})
}

func (p Processor) tickEffects(s *State) {
	kept := s.Effects[:0]
	for _, e := range s.Effects {
		if e.RoundsRemaining != nil {
			remaining := *e.RoundsRemaining - 1
			if remaining <= 0 {
				dropConcentrationFor(s, e.ID)
				p.log(s, LogEntry{Kind: LogEffectExpired, EffectID: e.ID})
				continue
			}
			e.RoundsRemaining = &remaining
		}
		kept = append(kept, e)
	}
	s.Effects = kept
}

func (p Processor) addCombatant(s *State, c Combatant) error {
	c.Name = strings.TrimSpace(c.Name)
	c.ID = strings.TrimSpace(c.ID)
	if c.Name == "" {
		return fmt.Errorf("%w: combatant name is required", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(c.Name) > MaxNameLength {
		return fmt.Errorf("%w: combatant name longer than %d characters", ErrInvalidArgument, MaxNameLength)
	}
	if c.ID == "" {
		c.ID = p.newID()
	}
	if s.combatantIndex(c.ID) >= 0 {
		return fmt.Errorf("%w: combatant %q already in turn order", ErrInvalidArgument, c.ID)
	}

	active, hasActive := s.ActiveCombatant()

	// Descending initiative; ties keep insertion order.
	pos := slices.IndexFunc(s.TurnOrder, func(existing Combatant) bool {
		return existing.Initiative < c.Initiative
	})
	if pos < 0 {
		pos = len(s.TurnOrder)
	}
	s.TurnOrder = slices.Insert(s.TurnOrder, pos, c)

	if hasActive {
		s.TurnIndex = s.combatantIndex(active.ID)
	} else {
		s.TurnIndex = 0
	}
	p.log(s, LogEntry{Kind: LogCombatantAdded, ActorID: c.ID})
	return nil
}

func (p Processor) removeCombatant(s *State, id string) error {
	if id == "" {
		return fmt.Errorf("%w: actorId is required", ErrInvalidArgument)
	}
	idx := s.combatantIndex(id)
	if idx < 0 {
		return fmt.Errorf("%w: unknown combatant %q", ErrInvalidArgument, id)
	}

	wasActive := idx == s.TurnIndex
	s.TurnOrder = slices.Delete(s.TurnOrder, idx, idx+1)
	delete(s.Concentration, id)
	p.log(s, LogEntry{Kind: LogCombatantRemoved, ActorID: id})

	switch {
	case len(s.TurnOrder) == 0:
		s.TurnIndex = NoTurn
	case idx < s.TurnIndex:
		s.TurnIndex--
	case wasActive:
		// The next combatant takes the turn; past the end of the order that
		// means a new round.
		if s.TurnIndex >= len(s.TurnOrder) {
			s.TurnIndex = 0
			p.nextRound(s)
		}
		p.log(s, LogEntry{Kind: LogTiming, Timing: TimingTurnStart, ActorID: s.TurnOrder[s.TurnIndex].ID})
	}
	return nil
}

func (p Processor) addEffect(s *State, e Effect) error {
	e.Name = strings.TrimSpace(e.Name)
	e.ID = strings.TrimSpace(e.ID)
	if e.Name == "" {
		return fmt.Errorf("%w: effect name is required", ErrInvalidArgument)
	}
	if e.RoundsRemaining != nil && *e.RoundsRemaining <= 0 {
		return fmt.Errorf("%w: roundsRemaining must be positive", ErrInvalidArgument)
	}
	if e.ID == "" {
		e.ID = p.newID()
	}
	if s.effectIndex(e.ID) >= 0 {
		return fmt.Errorf("%w: effect %q already exists", ErrInvalidArgument, e.ID)
	}
	if e.RoundsRemaining != nil {
		rounds := *e.RoundsRemaining
		e.RoundsRemaining = &rounds
	}

	s.Effects = append(s.Effects, e)
	if e.RequiresConcentration && e.SourceActorID != "" {
		s.Concentration[e.SourceActorID] = Concentration{EffectID: e.ID}
	}
	p.log(s, LogEntry{Kind: LogEffectAdded, EffectID: e.ID, ActorID: e.ActorID})
	return nil
}

func (p Processor) removeEffect(s *State, id string) error {
	if id == "" {
		return fmt.Errorf("%w: effectId is required", ErrInvalidArgument)
	}
	idx := s.effectIndex(id)
	if idx < 0 {
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidArgument, id)
	}
	s.Effects = slices.Delete(s.Effects, idx, idx+1)
	dropConcentrationFor(s, id)
	p.log(s, LogEntry{Kind: LogEffectRemoved, EffectID: id})
	return nil
}

func (p Processor) applyDamage(s *State, actorID string, damage int) error {
	if actorID == "" {
		return fmt.Errorf("%w: actorId is required", ErrInvalidArgument)
	}
	if damage <= 0 {
		return fmt.Errorf("%w: damageTaken must be positive", ErrInvalidArgument)
	}
	entry, ok := s.Concentration[actorID]
	if !ok {
		return fmt.Errorf("%w: %q is not concentrating", ErrInvalidArgument, actorID)
	}

	dc := max(10, damage/2)
	entry.CheckNeeded = true
	entry.DC = dc
	entry.LastDamageTaken = damage
	s.Concentration[actorID] = entry
	p.log(s, LogEntry{Kind: LogConcentrationCheckNeeded, ActorID: actorID, DC: dc})
	return nil
}

func (p Processor) resolveConcentration(s *State, actorID string, success bool) error {
	if actorID == "" {
		return fmt.Errorf("%w: actorId is required", ErrInvalidArgument)
	}
	entry, ok := s.Concentration[actorID]
	if !ok {
		return fmt.Errorf("%w: %q is not concentrating", ErrInvalidArgument, actorID)
	}

	if success {
		entry.CheckNeeded = false
		entry.LastResult = "success"
		s.Concentration[actorID] = entry
	} else {
		delete(s.Concentration, actorID)
		s.Effects = slices.DeleteFunc(s.Effects, func(e Effect) bool {
			return e.ConcentrationActorID == actorID || (e.SourceActorID == actorID && e.RequiresConcentration)
		})
	}
	p.log(s, LogEntry{Kind: LogConcentrationResolved, ActorID: actorID, Success: &success})
	return nil
}

func (p Processor) applySave(s *State, effectID string, success bool) error {
	if effectID == "" {
		return fmt.Errorf("%w: effectId is required", ErrInvalidArgument)
	}
	idx := s.effectIndex(effectID)
	if idx < 0 {
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidArgument, effectID)
	}
	if success {
		s.Effects = slices.Delete(s.Effects, idx, idx+1)
		dropConcentrationFor(s, effectID)
	}
	p.log(s, LogEntry{Kind: LogSaveApplied, EffectID: effectID, Success: &success})
	return nil
}

func dropConcentrationFor(s *State, effectID string) {
	for actor, entry := range s.Concentration {
		if entry.EffectID == effectID {
			delete(s.Concentration, actor)
		}
	}
}
