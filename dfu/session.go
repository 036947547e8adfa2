package dfu

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Session is the state of one image upload. It is created by
// Uploader.Start and never reused.
type Session struct {
	// ID identifies the session in logs and history
	ID string

	// TotalLength is the number of bytes to upload
	TotalLength int

	// ChunkCapacity is the data size per upload request, fixed for the
	// session from the link MTU
	ChunkCapacity int

	// Digest is the SHA-256 of the upload bytes, sent with the first chunk
	Digest []byte

	mu     sync.Mutex
	acked  int
	chunks int
}

func newSession(total, capacity int, digest []byte) *Session {
	return &Session{
		ID:            ulid.Make().String(),
		TotalLength:   total,
		ChunkCapacity: capacity,
		Digest:        digest,
	}
}

// BytesAcknowledged returns the device-reported offset.
func (s *Session) BytesAcknowledged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Chunks returns the number of chunk requests answered so far.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Percentage returns the acknowledged share of the image, 0 to 100.
func (s *Session) Percentage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return percentage(s.acked, s.TotalLength)
}

func (s *Session) acknowledge(off int) {
	s.mu.Lock()
	s.acked = off
	s.chunks++
	s.mu.Unlock()
}

func percentage(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
