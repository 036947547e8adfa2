package image

import (
	"errors"
	"fmt"
)

var (
	// ErrImageTooLarge is returned when the input exceeds the configured
	// size limit.
	ErrImageTooLarge = errors.New("image too large")

	// ErrDigestMismatch is returned by Image.Validate when the embedded
	// digest does not match the image contents.
	ErrDigestMismatch = errors.New("image digest mismatch")

	// ErrMalformedImage matches any *MalformedImageError with errors.Is.
	ErrMalformedImage = errors.New("malformed image")
)

// MalformedImageError indicates that the header or trailer could not be
// decoded.
type MalformedImageError struct {
	Field  string
	Offset int
	Reason string
}

func (e *MalformedImageError) Error() string {
	return fmt.Sprintf("malformed image: %s at offset %d: %s", e.Field, e.Offset, e.Reason)
}

func (e *MalformedImageError) Is(target error) bool {
	return target == ErrMalformedImage
}

func malformed(field string, offset int, format string, args ...interface{}) error {
	return &MalformedImageError{Field: field, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrImageTooLarge, size, limit)
}
