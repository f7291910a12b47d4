package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain error wraps exactly one of these so callers can
// classify with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrState            = errors.New("invalid action for current phase")
	ErrPermission       = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Domain errors
var (
	ErrRoomNotFound      = fmt.Errorf("%w: room not found, check the code", ErrNotFound)
	ErrRoomNotLoaded     = fmt.Errorf("%w: room not loaded", ErrState)
	ErrInvalidRoomCode   = fmt.Errorf("%w: room code must be 4 digits", ErrValidation)
	ErrHostIDRequired    = fmt.Errorf("%w: host id is required", ErrValidation)
	ErrPlayerIDRequired  = fmt.Errorf("%w: player id is required", ErrValidation)
	ErrNicknameRequired  = fmt.Errorf("%w: add a nickname", ErrValidation)
	ErrChoiceRequired    = fmt.Errorf("%w: pick an option or type your own", ErrValidation)
	ErrChoiceTooLong     = fmt.Errorf("%w: answer is too long", ErrValidation)
	ErrPromptRequired    = fmt.Errorf("%w: prompt is required", ErrValidation)
	ErrSubmissionsClosed = fmt.Errorf("%w: submissions are closed", ErrState)
	ErrNotJudging        = fmt.Errorf("%w: not in judging phase", ErrState)
	ErrAlreadyRevealed   = fmt.Errorf("%w: winner already revealed", ErrState)
	ErrUnknownPhase      = fmt.Errorf("%w: room phase not recognised, try again shortly", ErrState)
	ErrHostMismatch      = fmt.Errorf("%w: this room already has a different host on record, use the original host device", ErrPermission)
	ErrSubmissionMissing = fmt.Errorf("%w: submission not found", ErrNotFound)
)
