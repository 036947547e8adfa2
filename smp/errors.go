package smp

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means more bytes are needed before a frame can be
	// decoded.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrMalformed means the bytes can never form a valid frame.
	ErrMalformed = errors.New("malformed frame")
)

// DecodeError describes a decoding failure. Kind is ErrIncomplete or
// ErrMalformed.
type DecodeError struct {
	Kind   error
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("smp decode: %v: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func incomplete(format string, args ...interface{}) error {
	return &DecodeError{Kind: ErrIncomplete, Reason: fmt.Sprintf(format, args...)}
}

func malformed(format string, args ...interface{}) error {
	return &DecodeError{Kind: ErrMalformed, Reason: fmt.Sprintf(format, args...)}
}

// DeviceError is a non-zero return code reported by the device.
type DeviceError struct {
	Group Group
	ID    uint8

	// RC is the return code. For SMP v2 group errors it is the
	// group-specific code and GroupRC is true.
	RC      int
	GroupRC bool
}

func (e *DeviceError) Error() string {
	if e.GroupRC {
		return fmt.Sprintf("%s/%d failed: group error %d", e.Group, e.ID, e.RC)
	}
	return fmt.Sprintf("%s/%d failed: %s (rc=%d)", e.Group, e.ID, rcName(e.RC), e.RC)
}

// IsDeviceError returns true if err is or wraps a *DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
