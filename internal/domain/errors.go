package domain

import "errors"

// Store sentinel errors. Repositories return these so callers can branch
// without knowing which driver is underneath.
var (
	ErrCallNotFound        = errors.New("call session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrActiveCallExists    = errors.New("an active call already exists for this scope")
)
