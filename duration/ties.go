package duration

import (
	"fmt"
	"strings"
)

// TieMethod selects how the partial likelihood treats failures that occur
// at the same time.
type TieMethod int

// Efron averages the risk set over the tied failures, removing a fraction
// of the tied subjects' risk for each successive failure.  Breslow uses
// the full risk set for every tied failure, which is simpler but biased
// toward zero when ties are common.  Efron is the default.
const (
	Efron TieMethod = iota
	Breslow
)

func (tm TieMethod) String() string {
	switch tm {
	case Efron:
		return "efron"
	case Breslow:
		return "breslow"
	}
	return fmt.Sprintf("TieMethod(%d)", int(tm))
}

// ParseTieMethod converts "efron" or "breslow" (in any case) to a
// TieMethod.  The empty string gives the default, Efron.
func ParseTieMethod(s string) (TieMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "efron":
		return Efron, nil
	case "breslow":
		return Breslow, nil
	}
	return Efron, fmt.Errorf("%w: unknown tie method %q", ErrInvalidInput, s)
}
