// Package transport defines the link abstraction SMP traffic runs over.
//
// A Transport produces connections. A Conn carries whole SMP frames
// outbound and delivers inbound bytes, possibly fragmented, to subscribed
// handlers. Conn.Done is closed when the link is lost or disconnected.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotConnected is returned when no link is available.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrLinkLost is returned to operations interrupted by link loss.
	ErrLinkLost = errors.New("transport: link lost")
)

// Handler receives inbound bytes. The slice is owned by the handler.
type Handler func(data []byte)

// Subscription cancels a handler registration.
type Subscription interface {
	Unsubscribe()
}

// Conn is an established link to a device.
type Conn interface {
	// Write sends one complete frame.
	Write(ctx context.Context, data []byte) error

	// Subscribe registers h for inbound data.
	Subscribe(h Handler) (Subscription, error)

	// MTU returns the largest frame Write accepts.
	MTU() int

	// Disconnect closes the link. It is safe to call more than once.
	Disconnect() error

	// Done is closed when the link goes down for any reason.
	Done() <-chan struct{}
}

// Transport opens links to a device.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Subscribers is a set of handlers for Conn implementations.
type Subscribers struct {
	mu       sync.Mutex
	next     int
	handlers map[int]Handler
}

// Add registers h and returns its subscription.
func (s *Subscribers) Add(h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.handlers[id] = h
	return &subscription{set: s, id: id}
}

// Publish delivers a copy of data to every handler.
func (s *Subscribers) Publish(data []byte) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
}

// Len returns the number of registered handlers.
func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

type subscription struct {
	set *Subscribers
	id  int
}

func (s *subscription) Unsubscribe() {
	s.set.mu.Lock()
	delete(s.set.handlers, s.id)
	s.set.mu.Unlock()
}
