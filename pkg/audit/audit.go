// Package audit records session lifecycle events.
//
// The session core only sees Sink, whose Record must never block. Async
// adapts any Writer (log, Postgres, several at once) to that contract with
// a bounded queue and a single writer goroutine; when the queue is full
// events are dropped and counted rather than stalling a session.
package audit

import (
	"context"
	"errors"
	"time"
)

// EventType names an audited action.
type EventType string

const (
	SessionCreated      EventType = "session.created"
	SessionConnected    EventType = "session.connected"
	SessionDisconnected EventType = "session.disconnected"
	SessionError        EventType = "session.error"
	DeviceConnected     EventType = "device.connected"
	DeviceDisconnected  EventType = "device.disconnected"
	DeviceFailed        EventType = "device.failed"
	TransferFinished    EventType = "transfer.finished"
)

// Event is one audit record.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Host      string    `json:"host,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Sink is the fire-and-forget hook the session core calls.
type Sink interface {
	Record(ev Event)
}

// Writer persists events. Writers may block; wrap them in Async.
type Writer interface {
	Write(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Record implements Sink.
func (f SinkFunc) Record(ev Event) { f(ev) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several writers. Every writer is attempted;
// the errors are joined.
func Multi(writers ...Writer) Writer {
	return multiWriter(writers)
}

type multiWriter []Writer

func (m multiWriter) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
