package mcumgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
)

var (
	// ErrTimeout matches any *TimeoutError with errors.Is.
	ErrTimeout = errors.New("mcumgr: response timeout")

	// ErrMTUTooSmall is returned when the link cannot carry a single data
	// byte per upload chunk.
	ErrMTUTooSmall = errors.New("mcumgr: mtu too small for upload")
)

// TimeoutError indicates that no response arrived within the request
// timeout.
type TimeoutError struct {
	Group    smp.Group
	ID       uint8
	Sequence uint8
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s/%d seq=%d: no response after %s", e.Group, e.ID, e.Sequence, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
