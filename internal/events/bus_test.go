package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	const n = 1000
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: TaskProgress, TaskID: fmt.Sprint(i)})
	}
	bus.Close()

	var got []Event
	for e := range bus.Events() {
		got = append(got, e)
	}
	require.Len(t, got, n)
	for i, e := range got {
		assert.Equal(t, fmt.Sprint(i), e.TaskID)
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		// No consumer is draining; a bounded channel would block here.
		for i := 0; i < 10000; i++ {
			bus.Publish(Event{Type: TaskProgress, TaskID: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	bus.Close()
	count := 0
	for range bus.Events() {
		count++
	}
	assert.Equal(t, 10000, count)
}

func TestBusCloseDrainsQueued(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: TaskAdded, TaskID: "a"})
	bus.Publish(Event{Type: TaskStarted, TaskID: "a"})
	bus.Close()
	// Publishing after close is a silent no-op.
	bus.Publish(Event{Type: TaskCompleted, TaskID: "a"})

	var types []Type
	for e := range bus.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []Type{TaskAdded, TaskStarted}, types)
}
