package flowvm

import (
	"errors"

	"github.com/birdayz/flowvm/internal/scheme"
	"github.com/birdayz/flowvm/kwire"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrProjectLoaded = errors.New("a project is already loaded")
	ErrNoProject     = errors.New("no project loaded")
)

// Load errors. Every error LoadProject returns wraps one of these or a
// module's own error.
var (
	ErrInvalidFormat      = kwire.ErrInvalidFormat
	ErrUnsupportedVersion = kwire.ErrUnsupportedVersion
	ErrInvalidEnum        = kwire.ErrInvalidEnum
	ErrTooLarge           = kwire.ErrTooLarge

	ErrUnknownType      = scheme.ErrUnknownType
	ErrUnknownModule    = scheme.ErrUnknownModule
	ErrUnknownSignal    = scheme.ErrUnknownSignal
	ErrUnknownMemory    = scheme.ErrUnknownMemory
	ErrInvalidPosition  = scheme.ErrInvalidPosition
	ErrInvalidReference = scheme.ErrInvalidReference
	ErrTypeMismatch     = scheme.ErrTypeMismatch
)
