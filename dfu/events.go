package dfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
)

// EventKind identifies an update event.
type EventKind int

// Event kinds.
const (
	// EventUploadProgress reports a chunk accepted by the device
	EventUploadProgress EventKind = iota + 1

	// EventUploadCompleted reports that every byte was acknowledged
	EventUploadCompleted

	// EventUploadFailed ends an upload; Err holds the reason
	EventUploadFailed

	// EventBootConfirmed reports that the new image runs and is confirmed
	EventBootConfirmed

	// EventBootReverted reports that the device runs a different image
	EventBootReverted

	// EventUpdateTimedOut reports that the device did not come back
	// within the reconnect window
	EventUpdateTimedOut

	// EventUpdateFailed ends an update that failed after the upload,
	// e.g. a rejected test or reset command
	EventUpdateFailed
)

func (k EventKind) String() string {
	switch k {
	case EventUploadProgress:
		return "upload_progress"
	case EventUploadCompleted:
		return "upload_completed"
	case EventUploadFailed:
		return "upload_failed"
	case EventBootConfirmed:
		return "boot_confirmed"
	case EventBootReverted:
		return "boot_reverted"
	case EventUpdateTimedOut:
		return "update_timed_out"
	case EventUpdateFailed:
		return "update_failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one entry on an upload or update event stream.
type Event struct {
	Kind      EventKind
	SessionID string

	// Percentage is the share of the image acknowledged by the device
	Percentage        float64
	BytesAcknowledged int
	TotalLength       int

	// Err is set on failure events
	Err error

	// Slot is the active slot observed after reboot, on boot events
	Slot *mcumgr.SlotState

	Time time.Time
}

// eventStream queues events without blocking the producer and forwards
// them in order to an output channel. Once the stream has ended, events a
// reader has not taken are dropped, except the final one.
type eventStream struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	ended  chan struct{}
	out    chan Event

	// stopped is closed when pump returns
	stopped chan struct{}
}

func newEventStream() *eventStream {
	s := &eventStream{
		notify:  make(chan struct{}, 1),
		ended:   make(chan struct{}),
		out:     make(chan Event, 16),
		stopped: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *eventStream) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.wake()
}

// close marks the end of the stream.
func (s *eventStream) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ended)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *eventStream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *eventStream) pump() {
	defer close(s.stopped)
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.notify
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
			continue
		default:
		}
		select {
		case s.out <- ev:
		case <-s.ended:
			s.flush(ev)
			return
		}
	}
}

// flush delivers the last queued event, or ev if the queue is empty,
// evicting unread events from out to make room.
func (s *eventStream) flush(ev Event) {
	s.mu.Lock()
	if n := len(s.queue); n > 0 {
		ev = s.queue[n-1]
	}
	s.queue = nil
	s.mu.Unlock()

	for {
		select {
		case s.out <- ev:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

// handle is the caller's view of a running upload or update.
type handle struct {
	stream *eventStream
	cancel context.CancelFunc
	done   chan struct{}
	result Event
}

func newHandle(cancel context.CancelFunc) handle {
	return handle{
		stream: newEventStream(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Events returns the event stream. It ends with exactly one terminal
// event and is then closed. Progress events still unread when the
// operation ends may be dropped; the terminal event never is.
func (h *handle) Events() <-chan Event {
	return h.stream.out
}

// Cancel stops the operation. The stream still ends with a terminal
// event.
func (h *handle) Cancel() {
	h.cancel()
}

// Wait blocks until the operation ends and returns its terminal event.
func (h *handle) Wait() Event {
	<-h.done
	return h.result
}

// Done is closed when the operation ends.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) finish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.result = ev
	h.stream.push(ev)
	h.stream.close()
	h.cancel()
	close(h.done)
}
