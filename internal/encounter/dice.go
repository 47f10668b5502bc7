package encounter

import (
	"fmt"
	"strings"
)

var dieFaces = map[string]int{
	"d4":   4,
	"d6":   6,
	"d8":   8,
	"d10":  10,
	"d12":  12,
	"d20":  20,
	"d100": 100,
}

// DiceKinds lists the supported roll kinds ordered by face count.
var DiceKinds = []string{"d4", "d6", "d8", "d10", "d12", "d20", "d100"}

// NormalizeDie lower-cases and trims a roll kind.
func NormalizeDie(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// Faces returns the number of faces for a supported die kind.
func Faces(kind string) (int, bool) {
	faces, ok := dieFaces[NormalizeDie(kind)]
	return faces, ok
}

// ValidateRoll checks that value is a possible result of the given die.
func ValidateRoll(kind string, value int) error {
	faces, ok := Faces(kind)
	if !ok {
		return fmt.Errorf("%w: unsupported roll kind %q, want one of %s", ErrInvalidArgument, kind, strings.Join(DiceKinds, ", "))
	}
	if value < 1 || value > faces {
		return fmt.Errorf("%w: %s value %d outside 1..%d", ErrInvalidArgument, NormalizeDie(kind), value, faces)
	}
	return nil
}
