package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNameEmpty          = errors.New("name empty")
	ErrNameTooLong        = errors.New("name too long")
	ErrInstrumentEmpty    = errors.New("instrument empty")
	ErrInstrumentTooLong  = errors.New("instrument too long")
	ErrRoomNotFound       = errors.New("room not found")
	ErrOrphanCandidate    = errors.New("candidate for unknown peer link")
	ErrProbeTimeout       = errors.New("probe timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMediaAcquisition   = errors.New("media acquisition failed")
)

// ValidationError reports a missing or malformed participant field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
