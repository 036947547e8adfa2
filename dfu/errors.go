package dfu

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an upload is already running on the
	// uploader.
	ErrBusy = errors.New("dfu: upload already in progress")

	// ErrUploadStalled is returned when the device stops advancing the
	// upload offset.
	ErrUploadStalled = errors.New("dfu: upload stalled")

	// ErrDigestRejected is returned when the device reports that the
	// received image does not match the announced digest.
	ErrDigestRejected = errors.New("dfu: device rejected image digest")

	// ErrUpdateTimedOut is returned when the device does not come back
	// within the reconnect window after reset.
	ErrUpdateTimedOut = errors.New("dfu: device did not reconnect")
)

// TransitionError indicates a lifecycle operation that is not valid in
// the current state.
type TransitionError struct {
	Operation string
	State     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Operation, e.State)
}
