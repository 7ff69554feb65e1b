package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names what happened.
type EventType string

const (
	EventSessionCreated       EventType = "sessionCreated"
	EventSessionConnected     EventType = "sessionConnected"
	EventSessionDisconnected  EventType = "sessionDisconnected"
	EventSessionError         EventType = "sessionError"
	EventFrameReady           EventType = "frameReady"
	EventClipboardReceived    EventType = "clipboardReceived"
	EventFileTransferReceived EventType = "fileTransferReceived"
	EventDeviceEvent          EventType = "deviceEvent"
	EventDisplayChanged       EventType = "displayChanged"
	EventUnknownFrame         EventType = "unknownFrame"
	EventDeviceStatus         EventType = "deviceStatus"
	EventTransferStatus       EventType = "transferStatus"
)

// Event is one notification on the Bus.
//
// Payload depends on Type:
//
//	sessionCreated, sessionConnected,
//	sessionDisconnected, sessionError  Snapshot
//	frameReady                         *protocol.VideoFrame
//	clipboardReceived                  *protocol.ClipboardData
//	fileTransferReceived               *protocol.FileTransferChunk
//	deviceEvent                        *protocol.DeviceEvent
//	unknownFrame                       *protocol.UnknownFrame
//	displayChanged                     DisplayPrefs
//	deviceStatus, transferStatus       set by the redirect registries
type Event struct {
	Type      EventType
	SessionID string
	ClientID  string
	At        time.Time
	Payload   any

	// Err is set on sessionError, and on sessionDisconnected when the
	// host side ended the session.
	Err error
}

// Publisher accepts events. *Bus implements it.
type Publisher interface {
	Publish(ev Event)
}

// Subscriber receives events. It runs on the publishing goroutine and
// must not block.
type Subscriber func(ev Event)

type subscription struct {
	fn    Subscriber
	types map[EventType]struct{}
}

func (s *subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to any number of subscribers.
//
// Delivery is synchronous, in subscription order. A subscriber that
// panics is logged and skipped; the remaining subscribers still run.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	order  []uint64
	nextID uint64

	logger  *zap.Logger
	onPanic func()
}

// NewBus creates an empty bus. A nil logger discards logs.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers fn for the given types, or for every type when none
// are given. The returned func removes the subscription; it is safe to
// call more than once.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.order))
	for _, id := range b.order {
		if sub := b.subs[id]; sub.wants(ev.Type) {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("event", string(ev.Type)),
				zap.String("session_id", ev.SessionID),
				zap.Any("panic", r))
			if b.onPanic != nil {
				b.onPanic()
			}
		}
	}()
	fn(ev)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
