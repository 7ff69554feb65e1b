package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HistoryRecorder saves a snapshot to a Store on every lifecycle event.
// Saving happens on its own goroutine; when its queue is full, snapshots
// are dropped.
type HistoryRecorder struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger

	queue chan Snapshot
	done  chan struct{}

	mu          sync.RWMutex
	closed      bool
	unsubscribe func()
}

// NewHistoryRecorder starts a recorder keeping snapshots for ttl.
func NewHistoryRecorder(store Store, ttl time.Duration, logger *zap.Logger) *HistoryRecorder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HistoryRecorder{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "session_history")),
		queue:  make(chan Snapshot, 256),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

// Attach subscribes the recorder to lifecycle events on bus.
func (h *HistoryRecorder) Attach(bus *Bus) {
	unsub := bus.Subscribe(h.handle,
		EventSessionCreated,
		EventSessionConnected,
		EventSessionDisconnected,
		EventSessionError)

	h.mu.Lock()
	h.unsubscribe = unsub
	h.mu.Unlock()
}

func (h *HistoryRecorder) handle(ev Event) {
	snap, ok := ev.Payload.(Snapshot)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- snap:
	default:
		h.logger.Warn("history queue full, dropping snapshot", zap.String("session_id", snap.SessionID))
	}
}

func (h *HistoryRecorder) run() {
	defer close(h.done)
	for snap := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.store.Save(ctx, snap, h.ttl); err != nil {
			h.logger.Warn("save snapshot failed", zap.String("session_id", snap.SessionID), zap.Error(err))
		}
		cancel()
	}
}

// Close detaches from the bus and waits for queued snapshots to be saved.
func (h *HistoryRecorder) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
