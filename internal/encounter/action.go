package encounter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is a submitted mutation. The concrete types below are the only
// implementations.
type Action interface {
	// Name is the wire tag of the action.
	Name() string
	// HostOnly reports whether only RoleHost may submit it.
	HostOnly() bool
}

// Host action wire tags.
const (
	ActionNextTurn                 = "NEXT_TURN"
	ActionAddCombatant             = "ADD_COMBATANT"
	ActionRemoveCombatant          = "REMOVE_COMBATANT"
	ActionAddEffect                = "ADD_EFFECT"
	ActionRemoveEffect             = "REMOVE_EFFECT"
	ActionApplyDamage              = "APPLY_DAMAGE"
	ActionResolveConcentrationSave = "RESOLVE_CONCENTRATION_SAVE"
	ActionApplySaveResult          = "APPLY_SAVE_RESULT"
	ActionRoll                     = "ROLL"
	ActionChat                     = "CHAT"
)

type hostAction struct{}

func (hostAction) HostOnly() bool { return true }

// NextTurn ends the active combatant's turn and starts the next one.
type NextTurn struct{ hostAction }

// AddCombatant places a combatant into the turn order by initiative.
type AddCombatant struct {
	hostAction
	Combatant Combatant
}

// RemoveCombatant takes a combatant out of the turn order.
type RemoveCombatant struct {
	hostAction
	ActorID string
}

// AddEffect attaches a timed or permanent effect to a combatant.
type AddEffect struct {
	hostAction
	Effect Effect
}

// RemoveEffect ends an effect early.
type RemoveEffect struct {
	hostAction
	EffectID string
}

// ApplyDamage records damage taken, prompting a concentration save when due.
type ApplyDamage struct {
	hostAction
	ActorID     string
	DamageTaken int
}

// ResolveConcentrationSave settles a pending concentration check.
type ResolveConcentrationSave struct {
	hostAction
	ActorID string
	Success bool
}

// ApplySaveResult settles a saving throw against an effect.
type ApplySaveResult struct {
	hostAction
	EffectID string
	Success  bool
}

// Roll records a dice result rolled by the caller.
type Roll struct {
	Kind     string `json:"kind"`
	Value    int    `json:"value"`
	ActorID  string `json:"actorId,omitempty"`
	WhoLabel string `json:"whoLabel,omitempty"`
}

// Chat posts a free-text message.
type Chat struct {
	Message string
}

func (NextTurn) Name() string                 { return ActionNextTurn }
func (AddCombatant) Name() string             { return ActionAddCombatant }
func (RemoveCombatant) Name() string          { return ActionRemoveCombatant }
func (AddEffect) Name() string                { return ActionAddEffect }
func (RemoveEffect) Name() string             { return ActionRemoveEffect }
func (ApplyDamage) Name() string              { return ActionApplyDamage }
func (ResolveConcentrationSave) Name() string { return ActionResolveConcentrationSave }
func (ApplySaveResult) Name() string          { return ActionApplySaveResult }
func (Roll) Name() string                     { return ActionRoll }
func (Chat) Name() string                     { return ActionChat }

func (Roll) HostOnly() bool { return false }
func (Chat) HostOnly() bool { return false }

type hostActionWire struct {
	Type        string     `json:"type"`
	Combatant   *Combatant `json:"combatant"`
	Effect      *Effect    `json:"effect"`
	ActorID     string     `json:"actorId"`
	EffectID    string     `json:"effectId"`
	DamageTaken int        `json:"damageTaken"`
	Success     bool       `json:"success"`
}

// DecodeHostAction parses the body of a host action such as
// {"type":"NEXT_TURN"}.
func DecodeHostAction(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidArgument)
	}
	var w hostActionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: decode action: %v", ErrInvalidArgument, err)
	}

	switch strings.ToUpper(strings.TrimSpace(w.Type)) {
	case ActionNextTurn:
		return NextTurn{}, nil
	case ActionAddCombatant:
		if w.Combatant == nil {
			return nil, fmt.Errorf("%w: combatant is required", ErrInvalidArgument)
		}
		return AddCombatant{Combatant: *w.Combatant}, nil
	case ActionRemoveCombatant:
		return RemoveCombatant{ActorID: w.ActorID}, nil
	case ActionAddEffect:
		if w.Effect == nil {
			return nil, fmt.Errorf("%w: effect is required", ErrInvalidArgument)
		}
		return AddEffect{Effect: *w.Effect}, nil
	case ActionRemoveEffect:
		return RemoveEffect{EffectID: w.EffectID}, nil
	case ActionApplyDamage:
		return ApplyDamage{ActorID: w.ActorID, DamageTaken: w.DamageTaken}, nil
	case ActionResolveConcentrationSave:
		return ResolveConcentrationSave{ActorID: w.ActorID, Success: w.Success}, nil
	case ActionApplySaveResult:
		return ApplySaveResult{EffectID: w.EffectID, Success: w.Success}, nil
	case "":
		return nil, fmt.Errorf("%w: action type is required", ErrInvalidArgument)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidArgument, w.Type)
	}
}
