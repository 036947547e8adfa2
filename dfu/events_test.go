package dfu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStreamEndsWithoutReader(t *testing.T) {
	s := newEventStream()
	for i := 1; i <= 100; i++ {
		s.push(Event{Kind: EventUploadProgress, BytesAcknowledged: i})
	}
	s.push(Event{Kind: EventUploadCompleted, BytesAcknowledged: 100})
	s.close()

	select {
	case <-s.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pump still waiting for a reader")
	}

	var events []Event
	for ev := range s.out {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), cap(s.out))
	assert.Equal(t, EventUploadCompleted, events[len(events)-1].Kind)

	prev := 0
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventUploadProgress, ev.Kind)
		assert.Greater(t, ev.BytesAcknowledged, prev)
		prev = ev.BytesAcknowledged
	}
}

func TestEventStreamReaderGetsTerminal(t *testing.T) {
	s := newEventStream()
	go func() {
		for i := 1; i <= 100; i++ {
			s.push(Event{Kind: EventUploadProgress, BytesAcknowledged: i})
		}
		s.push(Event{Kind: EventUploadCompleted})
		s.close()
	}()

	var events []Event
	for ev := range s.out {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, EventUploadCompleted, events[len(events)-1].Kind)
}
