package encounter

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProcessor(capacity int) Processor {
	n := 0
	fixed := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	return Processor{
		LogCapacity: capacity,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
		Now: func() time.Time { return fixed },
	}
}

func newTestState() State {
	return NewState("enc-1", "Goblin Cave", time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC))
}

func mustApply(t *testing.T, p Processor, s State, role Role, a Action) State {
	t.Helper()
	next, err := p.Apply(s, role, a)
	require.NoError(t, err)
	return next
}

func withCombatants(t *testing.T, p Processor, s State, names ...string) State {
	t.Helper()
	for i, name := range names {
		s = mustApply(t, p, s, RoleHost, AddCombatant{Combatant: Combatant{ID: name, Name: name, Initiative: 100 - i}})
	}
	return s
}

func TestNewState(t *testing.T) {
	s := newTestState()

	assert.Equal(t, "enc-1", s.ID)
	assert.Equal(t, uint64(0), s.Sequence)
	assert.Equal(t, StatusSetup, s.Status)
	assert.Equal(t, 1, s.Round)
	assert.Equal(t, NoTurn, s.TurnIndex)
	assert.Empty(t, s.TurnOrder)
	assert.Empty(t, s.Chat)
	assert.Empty(t, s.Rolls)
	assert.Equal(t, "Goblin Cave", s.Meta.Name)
	assert.Equal(t, s.Meta.CreatedAt, s.Meta.UpdatedAt)
}

func TestApply_NextTurnCyclesThroughOrder(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "a", "b", "c")
	require.Equal(t, 0, s.TurnIndex)
	start := s.Sequence

	var seen []int
	for i := 0; i < 3; i++ {
		s = mustApply(t, p, s, RoleHost, NextTurn{})
		seen = append(seen, s.TurnIndex)
	}

	assert.Equal(t, []int{1, 2, 0}, seen)
	assert.Equal(t, start+3, s.Sequence)
	assert.Equal(t, 2, s.Round)
	assert.Equal(t, StatusRunning, s.Status)
}

func TestApply_NextTurnWithEmptyOrderStillAdvancesSequence(t *testing.T) {
	p := testProcessor(0)
	s := newTestState()

	next := mustApply(t, p, s, RoleHost, NextTurn{})

	assert.Equal(t, uint64(1), next.Sequence)
	assert.Equal(t, NoTurn, next.TurnIndex)
	assert.Equal(t, 1, next.Round)
	require.NotEmpty(t, next.Log)
	assert.Equal(t, TimingTurnEnd, next.Log[len(next.Log)-1].Timing)
}

func TestApply_NextTurnLogsTimingEvents(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "a", "b")
	s = mustApply(t, p, s, RoleHost, NextTurn{})
	before := len(s.Log)

	s = mustApply(t, p, s, RoleHost, NextTurn{})

	var timings []string
	for _, entry := range s.Log[before:] {
		if entry.Kind == LogTiming {
			timings = append(timings, entry.Timing)
		}
		assert.Equal(t, s.Sequence, entry.Sequence)
	}
	assert.Equal(t, []string{TimingTurnEnd, TimingRoundEnd, TimingRoundStart, TimingTurnStart}, timings)
}

func TestApply_PlayerCannotAdvanceTurn(t *testing.T) {
	p := testProcessor(0)
	s := newTestState()

	_, err := p.Apply(s, RolePlayer, NextTurn{})

	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, uint64(0), s.Sequence)
}

func TestApply_UnknownRoleIsUnauthorized(t *testing.T) {
	_, err := testProcessor(0).Apply(newTestState(), Role("GUEST"), Chat{Message: "hi"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateRoll_UnknownKindListsSupported(t *testing.T) {
	err := ValidateRoll("d7", 3)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), `"d7"`)
	assert.Contains(t, err.Error(), "d4, d6, d8, d10, d12, d20, d100")
}

func TestApply_Roll(t *testing.T) {
	tests := []struct {
		name    string
		roll    Roll
		wantErr bool
	}{
		{name: "d20 in range", roll: Roll{Kind: "d20", Value: 14}},
		{name: "d20 max", roll: Roll{Kind: "d20", Value: 20}},
		{name: "upper case kind", roll: Roll{Kind: " D6 ", Value: 1}},
		{name: "d100", roll: Roll{Kind: "d100", Value: 100}},
		{name: "d20 above range", roll: Roll{Kind: "d20", Value: 21}, wantErr: true},
		{name: "zero", roll: Roll{Kind: "d4", Value: 0}, wantErr: true},
		{name: "unknown kind", roll: Roll{Kind: "d7", Value: 3}, wantErr: true},
		{name: "empty kind", roll: Roll{Value: 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProcessor(0)
			s := newTestState()

			next, err := p.Apply(s, RolePlayer, tt.roll)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			require.Len(t, next.Rolls, 1)
			assert.Equal(t, uint64(1), next.Rolls[0].Sequence)
			assert.Equal(t, NormalizeDie(tt.roll.Kind), next.Rolls[0].Kind)
			assert.Equal(t, tt.roll.Value, next.Rolls[0].Value)
			assert.Equal(t, "Player", next.Rolls[0].WhoLabel)
		})
	}
}

func TestApply_RollRecordsSequenceOfAcceptance(t *testing.T) {
	p := testProcessor(0)
	s := mustApply(t, p, newTestState(), RoleHost, NextTurn{})

	s = mustApply(t, p, s, RolePlayer, Roll{Kind: "d20", Value: 14, WhoLabel: "  Thorin "})

	require.Len(t, s.Rolls, 1)
	assert.Equal(t, uint64(2), s.Sequence)
	assert.Equal(t, uint64(2), s.Rolls[0].Sequence)
	assert.Equal(t, "Thorin", s.Rolls[0].WhoLabel)
}

func TestApply_Chat(t *testing.T) {
	p := testProcessor(0)
	s := newTestState()

	_, err := p.Apply(s, RolePlayer, Chat{Message: "   "})
	require.ErrorIs(t, err, ErrInvalidArgument)

	next := mustApply(t, p, s, RoleHost, Chat{Message: "  Roll initiative!\n"})
	require.Len(t, next.Chat, 1)
	assert.Equal(t, "Roll initiative!", next.Chat[0].Text)
	assert.Equal(t, "Host", next.Chat[0].WhoLabel)
	assert.Equal(t, RoleHost, next.Chat[0].Role)
	assert.Equal(t, StatusSetup, next.Status, "chat does not start the encounter")
}

func TestApply_LogsAreBounded(t *testing.T) {
	p := testProcessor(3)
	s := newTestState()

	for i := 1; i <= 5; i++ {
		s = mustApply(t, p, s, RolePlayer, Chat{Message: fmt.Sprintf("msg %d", i)})
	}

	require.Len(t, s.Chat, 3)
	assert.Equal(t, "msg 3", s.Chat[0].Text)
	assert.Equal(t, "msg 5", s.Chat[2].Text)
	assert.Len(t, s.Log, 3)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "a", "b")
	s = mustApply(t, p, s, RolePlayer, Chat{Message: "one"})
	snapshot, err := json.Marshal(s)
	require.NoError(t, err)

	_ = mustApply(t, p, s, RoleHost, NextTurn{})
	_ = mustApply(t, p, s, RolePlayer, Chat{Message: "two"})
	_ = mustApply(t, p, s, RoleHost, RemoveCombatant{ActorID: "a"})

	after, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshot), string(after))
}

func TestApply_AddCombatantOrdersByInitiative(t *testing.T) {
	p := testProcessor(0)
	s := newTestState()

	s = mustApply(t, p, s, RoleHost, AddCombatant{Combatant: Combatant{Name: "Goblin", Initiative: 12}})
	s = mustApply(t, p, s, RoleHost, AddCombatant{Combatant: Combatant{ID: "hero", Name: "Hero", Initiative: 18}})
	s = mustApply(t, p, s, RoleHost, AddCombatant{Combatant: Combatant{ID: "wolf", Name: "Wolf", Initiative: 12}})

	var ids []string
	for _, c := range s.TurnOrder {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"hero", "id-1", "wolf"}, ids)

	active, ok := s.ActiveCombatant()
	require.True(t, ok)
	assert.Equal(t, "id-1", active.ID, "the first combatant stays active when others join")

	_, err := p.Apply(s, RoleHost, AddCombatant{Combatant: Combatant{ID: "hero", Name: "Again"}})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.Apply(s, RoleHost, AddCombatant{Combatant: Combatant{Name: "  "}})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApply_RemoveCombatantKeepsActiveTurn(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "a", "b", "c")
	s = mustApply(t, p, s, RoleHost, NextTurn{})
	require.Equal(t, "b", s.TurnOrder[s.TurnIndex].ID)

	removedEarlier := mustApply(t, p, s, RoleHost, RemoveCombatant{ActorID: "a"})
	assert.Equal(t, "b", removedEarlier.TurnOrder[removedEarlier.TurnIndex].ID)

	removedActive := mustApply(t, p, s, RoleHost, RemoveCombatant{ActorID: "b"})
	assert.Equal(t, "c", removedActive.TurnOrder[removedActive.TurnIndex].ID)

	s = mustApply(t, p, s, RoleHost, NextTurn{})
	require.Equal(t, 1, s.Round)
	removedLast := mustApply(t, p, s, RoleHost, RemoveCombatant{ActorID: "c"})
	assert.Equal(t, 0, removedLast.TurnIndex)
	assert.Equal(t, 2, removedLast.Round, "removing the last active combatant closes the round")

	single := withCombatants(t, p, newTestState(), "solo")
	emptied := mustApply(t, p, single, RoleHost, RemoveCombatant{ActorID: "solo"})
	assert.Equal(t, NoTurn, emptied.TurnIndex)

	_, err := p.Apply(s, RoleHost, RemoveCombatant{ActorID: "nobody"})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApply_RemovingLastActiveCombatantEndsRound(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "a", "b")
	one := 1
	s = mustApply(t, p, s, RoleHost, AddEffect{Effect: Effect{ID: "bane", Name: "Bane", RoundsRemaining: &one}})
	s = mustApply(t, p, s, RoleHost, NextTurn{})
	require.Equal(t, "b", s.TurnOrder[s.TurnIndex].ID)

	s = mustApply(t, p, s, RoleHost, RemoveCombatant{ActorID: "b"})

	assert.Equal(t, 0, s.TurnIndex)
	assert.Equal(t, 2, s.Round)
	assert.Empty(t, s.Effects, "effect durations tick at the round boundary")

	var timings []string
	for _, e := range s.Log {
		if e.Kind == LogTiming && e.Sequence == s.Sequence {
			timings = append(timings, e.Timing)
		}
	}
	assert.Equal(t, []string{TimingRoundEnd, TimingRoundStart, TimingTurnStart}, timings)
}

func TestApply_EffectsTickAtRoundEnd(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "a", "b")
	two, one := 2, 1
	s = mustApply(t, p, s, RoleHost, AddEffect{Effect: Effect{ID: "persist", Name: "Bless", RoundsRemaining: &two}})
	s = mustApply(t, p, s, RoleHost, AddEffect{Effect: Effect{ID: "expire", Name: "Bane", RoundsRemaining: &one}})
	s = mustApply(t, p, s, RoleHost, AddEffect{Effect: Effect{ID: "other", Name: "Prone"}})

	s = mustApply(t, p, s, RoleHost, NextTurn{})
	require.Len(t, s.Effects, 3, "no tick before the round wraps")

	s = mustApply(t, p, s, RoleHost, NextTurn{})
	require.Len(t, s.Effects, 2)
	assert.Equal(t, "persist", s.Effects[0].ID)
	require.NotNil(t, s.Effects[0].RoundsRemaining)
	assert.Equal(t, 1, *s.Effects[0].RoundsRemaining)
	assert.Equal(t, "other", s.Effects[1].ID)
	assert.Equal(t, 2, two, "caller-owned counters are not modified")
}

func TestApply_ConcentrationFlow(t *testing.T) {
	p := testProcessor(0)
	s := withCombatants(t, p, newTestState(), "wizard", "orc")
	s = mustApply(t, p, s, RoleHost, AddEffect{Effect: Effect{
		ID:                    "hold",
		Name:                  "Hold Person",
		ActorID:               "orc",
		SourceActorID:         "wizard",
		RequiresConcentration: true,
	}})
	require.Contains(t, s.Concentration, "wizard")

	_, err := p.Apply(s, RoleHost, ApplyDamage{ActorID: "orc", DamageTaken: 5})
	require.ErrorIs(t, err, ErrInvalidArgument)

	damaged := mustApply(t, p, s, RoleHost, ApplyDamage{ActorID: "wizard", DamageTaken: 30})
	entry := damaged.Concentration["wizard"]
	assert.True(t, entry.CheckNeeded)
	assert.Equal(t, 15, entry.DC)
	assert.Equal(t, 30, entry.LastDamageTaken)

	low := mustApply(t, p, s, RoleHost, ApplyDamage{ActorID: "wizard", DamageTaken: 4})
	assert.Equal(t, 10, low.Concentration["wizard"].DC)

	held := mustApply(t, p, damaged, RoleHost, ResolveConcentrationSave{ActorID: "wizard", Success: true})
	assert.False(t, held.Concentration["wizard"].CheckNeeded)
	assert.Equal(t, "success", held.Concentration["wizard"].LastResult)
	assert.Len(t, held.Effects, 1)

	broken := mustApply(t, p, damaged, RoleHost, ResolveConcentrationSave{ActorID: "wizard", Success: false})
	assert.NotContains(t, broken.Concentration, "wizard")
	assert.Empty(t, broken.Effects)
}

func TestApply_SaveResult(t *testing.T) {
	p := testProcessor(0)
	s := mustApply(t, p, newTestState(), RoleHost, AddEffect{Effect: Effect{ID: "poison", Name: "Poisoned"}})

	failed := mustApply(t, p, s, RoleHost, ApplySaveResult{EffectID: "poison", Success: false})
	assert.Len(t, failed.Effects, 1)

	saved := mustApply(t, p, s, RoleHost, ApplySaveResult{EffectID: "poison", Success: true})
	assert.Empty(t, saved.Effects)
	last := saved.Log[len(saved.Log)-1]
	assert.Equal(t, LogSaveApplied, last.Kind)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)

	_, err := p.Apply(s, RoleHost, ApplySaveResult{EffectID: "missing", Success: true})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApply_RemoveEffect(t *testing.T) {
	p := testProcessor(0)
	s := mustApply(t, p, newTestState(), RoleHost, AddEffect{Effect: Effect{Name: "Haste", SourceActorID: "a", RequiresConcentration: true}})
	require.Len(t, s.Effects, 1)
	require.Contains(t, s.Concentration, "a")

	s = mustApply(t, p, s, RoleHost, RemoveEffect{EffectID: s.Effects[0].ID})
	assert.Empty(t, s.Effects)
	assert.NotContains(t, s.Concentration, "a")

	_, err := p.Apply(s, RoleHost, RemoveEffect{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodeHostAction(t *testing.T) {
	tests := []struct {
		raw     string
		want    Action
		wantErr bool
	}{
		{raw: `{"type":"NEXT_TURN"}`, want: NextTurn{}},
		{raw: `{"type":"next_turn"}`, want: NextTurn{}},
		{raw: `{"type":"REMOVE_COMBATANT","actorId":"a"}`, want: RemoveCombatant{ActorID: "a"}},
		{raw: `{"type":"APPLY_DAMAGE","actorId":"a","damageTaken":7}`, want: ApplyDamage{ActorID: "a", DamageTaken: 7}},
		{raw: `{"type":"APPLY_SAVE_RESULT","effectId":"e","success":true}`, want: ApplySaveResult{EffectID: "e", Success: true}},
		{raw: `{"type":"ADD_COMBATANT","combatant":{"name":"Orc","initiative":9}}`, want: AddCombatant{Combatant: Combatant{Name: "Orc", Initiative: 9}}},
		{raw: `{"type":"ADD_COMBATANT"}`, wantErr: true},
		{raw: `{"type":"CAST_FIREBALL"}`, wantErr: true},
		{raw: `{}`, wantErr: true},
		{raw: `[1,2]`, wantErr: true},
		{raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := DecodeHostAction(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.HostOnly())
		})
	}
}

func TestSeal(t *testing.T) {
	s := newTestState()

	snap, err := Seal(s)
	require.NoError(t, err)

	var frame struct {
		Type  string `json:"type"`
		State State  `json:"state"`
	}
	require.NoError(t, json.Unmarshal(snap.Frame, &frame))
	assert.Equal(t, MessageStateFull, frame.Type)
	assert.Equal(t, s.ID, frame.State.ID)
	assert.True(t, s.Meta.CreatedAt.Equal(frame.State.Meta.CreatedAt))

	var body map[string]any
	require.NoError(t, json.Unmarshal(snap.Body, &body))
	for _, key := range []string{"id", "sequence", "turnIndex", "turnOrder", "chat", "rolls"} {
		assert.Contains(t, body, key)
	}
	assert.Equal(t, []any{}, body["turnOrder"])
}

func TestCode(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "unauthorized", Code(fmt.Errorf("%w: bad token", ErrUnauthorized)))
	assert.Equal(t, "forbidden", Code(ErrForbidden))
	assert.Equal(t, "not_found", Code(fmt.Errorf("get: %w", ErrNotFound)))
	assert.Equal(t, "invalid_argument", Code(ErrInvalidArgument))
	assert.Equal(t, "internal", Code(errors.New("disk on fire")))
}
