package completion

import (
	"errors"
)

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrUnknownStrategy = errors.New("unknown completion strategy")
	ErrNoDonors        = errors.New("no complete rows to draw donors from")
	ErrMalformedTable  = errors.New("malformed raw table")
)
