package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncConfig configures an Async sink.
type AsyncConfig struct {
	// BufferSize bounds the queue of pending events.
	// Default: 1024.
	BufferSize int

	// WriteTimeout bounds each Writer call.
	// Default: 5s.
	WriteTimeout time.Duration

	// OnDrop is called for every event dropped on a full queue.
	OnDrop func(ev Event)

	// Logger receives write failures. Default: no-op.
	Logger *zap.Logger
}

// DefaultAsyncConfig returns the default configuration.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		BufferSize:   1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Async is a non-blocking Sink in front of a Writer.
type Async struct {
	w      Writer
	cfg    AsyncConfig
	logger *zap.Logger

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the writer goroutine.
func NewAsync(w Writer, cfg AsyncConfig) *Async {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Async{
		w:      w,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "audit")),
		queue:  make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues ev without blocking. Events recorded after Close, or
// while the queue is full, are dropped.
func (a *Async) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(ev)
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.drop(ev)
	}
}

func (a *Async) drop(ev Event) {
	if a.cfg.OnDrop != nil {
		a.cfg.OnDrop(ev)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
		if err := a.w.Write(ctx, ev); err != nil {
			a.logger.Warn("audit write failed",
				zap.String("type", string(ev.Type)),
				zap.String("session_id", ev.SessionID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written,
// or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
