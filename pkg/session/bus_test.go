package session

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestBusFilterAndOrder(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	var got []string
	bus.Subscribe(func(ev Event) { got = append(got, "all:"+string(ev.Type)) })
	bus.Subscribe(func(ev Event) { got = append(got, "frames:"+string(ev.Type)) }, EventFrameReady)

	bus.Publish(Event{Type: EventSessionCreated})
	bus.Publish(Event{Type: EventFrameReady})

	assert.Equal(t, []string{
		"all:sessionCreated",
		"all:frameReady",
		"frames:frameReady",
	}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var n atomic.Int32
	unsub := bus.Subscribe(func(Event) { n.Add(1) })

	bus.Publish(Event{Type: EventFrameReady})
	unsub()
	unsub()
	bus.Publish(Event{Type: EventFrameReady})

	assert.Equal(t, int32(1), n.Load())
	assert.Equal(t, 0, bus.Len())
}

func TestBusRecoversPanics(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	var panics, after atomic.Int32
	bus.onPanic = func() { panics.Add(1) }

	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { after.Add(1) })

	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventSessionError}) })
	assert.Equal(t, int32(1), panics.Load())
	assert.Equal(t, int32(1), after.Load())
}

func TestBusStampsTime(t *testing.T) {
	bus := NewBus(nil)
	var ev Event
	bus.Subscribe(func(e Event) { ev = e })
	bus.Publish(Event{Type: EventDisplayChanged})
	assert.False(t, ev.At.IsZero())
}
