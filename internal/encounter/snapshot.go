package encounter

import (
	"encoding/json"
	"fmt"
)

// MessageStateFull tags a push frame carrying a complete State.
const MessageStateFull = "state.full"

// Snapshot is a committed state together with its encodings. Both the
// synchronous reply and every push frame reuse these bytes.
type Snapshot struct {
	State State
	// Body is the JSON encoding of State.
	Body json.RawMessage
	// Frame is the push envelope {"type":"state.full","state":Body}.
	Frame []byte
}

// Sequence is shorthand for s.State.Sequence.
func (s Snapshot) Sequence() uint64 {
	return s.State.Sequence
}

type envelope struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// Seal encodes state once for every delivery path.
func Seal(state State) (Snapshot, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode state: %w", err)
	}
	frame, err := json.Marshal(envelope{Type: MessageStateFull, State: body})
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode frame: %w", err)
	}
	return Snapshot{State: state, Body: body, Frame: frame}, nil
}
