package match

import (
	"errors"
	"fmt"
)

// Errors returned by match operations. The caller-recoverable ones carry the
// message shown to players.
var (
	ErrNotFound       = errors.New("match not found")
	ErrInvalidState   = errors.New("operation not allowed in the current match state")
	ErrAlreadyStarted = fmt.Errorf("%w: match has already started", ErrInvalidState)
	ErrAlreadyEnded   = fmt.Errorf("%w: match has ended", ErrInvalidState)
	ErrFull           = errors.New("match is full")
	ErrAlreadyMember  = errors.New("player already in match")
	ErrThrottled      = errors.New("too many taps, please wait")
	ErrPlayerNotFound = errors.New("player not found in match")
	ErrNotStarted     = errors.New("match has not started yet")
	ErrEnded          = errors.New("match has ended")
	ErrMatchGone      = errors.New("match is no longer available")
	ErrInvalidParams  = errors.New("invalid match parameters")
	ErrPersistence    = errors.New("failed to persist finished match")
)

func invalidParams(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, reason)
}

var userFacing = []error{
	ErrNotFound,
	ErrInvalidState,
	ErrFull,
	ErrAlreadyMember,
	ErrThrottled,
	ErrPlayerNotFound,
	ErrNotStarted,
	ErrEnded,
	ErrMatchGone,
	ErrInvalidParams,
}

// IsUserFacing reports whether err may be relayed verbatim to a client.
func IsUserFacing(err error) bool {
	for _, target := range userFacing {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
