package transport

import (
	"sync"

	"github.com/deskgate/deskgate/pkg/protocol"
)

// frameBuffer is a bounded FIFO ring of video frames. Push drops the
// oldest frame when the ring is full.
type frameBuffer struct {
	mu    sync.Mutex
	items []*protocol.VideoFrame
	head  int
	size  int
}

func newFrameBuffer(capacity int) *frameBuffer {
	return &frameBuffer{items: make([]*protocol.VideoFrame, capacity)}
}

// push appends f and reports whether an older frame was dropped.
func (b *frameBuffer) push(f *protocol.VideoFrame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if b.size == len(b.items) {
		b.items[b.head] = nil
		b.head = (b.head + 1) % len(b.items)
		b.size--
		dropped = true
	}
	b.items[(b.head+b.size)%len(b.items)] = f
	b.size++
	return dropped
}

// pop removes and returns the oldest frame.
func (b *frameBuffer) pop() (*protocol.VideoFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil, false
	}
	f := b.items[b.head]
	b.items[b.head] = nil
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return f, true
}

func (b *frameBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
