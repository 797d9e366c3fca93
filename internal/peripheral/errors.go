package peripheral

import "errors"

// Peripheral errors. A failed operation leaves the peripheral unchanged.
var (
	ErrInvalidID       = errors.New("invalid device id")
	ErrInvalidChannel  = errors.New("invalid pwm channel")
	ErrOutOfRange      = errors.New("value out of range")
	ErrPWMNotAvailable = errors.New("pwm not available for device")
	ErrUnknownBoard    = errors.New("unknown board")
	ErrPinConflict     = errors.New("pin assigned twice")
)

// Co-processor link errors.
var (
	ErrLinkClosed  = errors.New("co-processor link closed")
	ErrLinkTimeout = errors.New("co-processor did not answer")
	ErrRemote      = errors.New("co-processor rejected request")
	ErrFrame       = errors.New("invalid link frame")
)
