package session

import (
	"sync"
	"time"

	"github.com/deskgate/deskgate/pkg/protocol"
)

// DefaultFrameRate is how many times per second the pump drains.
const DefaultFrameRate = 30

// frameSource is the part of *transport.Conn the pump reads.
type frameSource interface {
	PopFrame() (*protocol.VideoFrame, bool)
	IsConnected() bool
	Done() <-chan struct{}
}

// FramePump drains a connection's frame buffer on a fixed cadence and
// hands every frame, oldest first, to emit.
//
// The pump stops on Stop, or by itself once the connection is gone.
type FramePump struct {
	src      frameSource
	interval time.Duration
	emit     func(*protocol.VideoFrame)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	start    sync.Once
}

// NewFramePump returns a stopped pump ticking rate times per second.
func NewFramePump(src frameSource, rate int, emit func(*protocol.VideoFrame)) *FramePump {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	return &FramePump{
		src:      src,
		interval: time.Second / time.Duration(rate),
		emit:     emit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the pump goroutine. Later calls do nothing.
func (p *FramePump) Start() {
	p.start.Do(func() { go p.run() })
}

// Stop asks the pump to exit. It does not wait; use Done for that. Safe
// to call from an emit callback and more than once.
func (p *FramePump) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed when the pump goroutine has exited.
func (p *FramePump) Done() <-chan struct{} {
	return p.done
}

func (p *FramePump) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.src.Done():
			return
		case <-ticker.C:
			if !p.src.IsConnected() {
				return
			}
			if !p.drain() {
				return
			}
		}
	}
}

// drain emits every buffered frame. It returns false if Stop was called
// meanwhile.
func (p *FramePump) drain() bool {
	for {
		select {
		case <-p.stop:
			return false
		default:
		}
		f, ok := p.src.PopFrame()
		if !ok {
			return true
		}
		p.emit(f)
	}
}
