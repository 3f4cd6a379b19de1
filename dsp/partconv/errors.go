package partconv

import (
	"errors"

	"github.com/cwbudde/algo-convolver/dsp/device"
)

// Errors returned by the engine. Device failures are wrapped in ErrDevice
// and leave the engine unusable.
var (
	ErrInvalidArgument = errors.New("partconv: invalid argument")
	ErrOutOfMemory     = device.ErrOutOfMemory
	ErrDevice          = errors.New("partconv: device failure")
	ErrNotImplemented  = device.ErrNotImplemented
	ErrClosed          = errors.New("partconv: engine closed")
)
