package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/protocol"
)

// queueSource is an in-memory frameSource.
type queueSource struct {
	mu        sync.Mutex
	frames    []*protocol.VideoFrame
	connected bool
	done      chan struct{}
}

func newQueueSource() *queueSource {
	return &queueSource{connected: true, done: make(chan struct{})}
}

func (q *queueSource) push(f *protocol.VideoFrame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
}

func (q *queueSource) PopFrame() (*protocol.VideoFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *queueSource) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func (q *queueSource) Done() <-chan struct{} { return q.done }

func (q *queueSource) disconnect() {
	q.mu.Lock()
	q.connected = false
	q.mu.Unlock()
}

type frameSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *frameSink) emit(f *protocol.VideoFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, string(f.Data))
	s.mu.Unlock()
}

func (s *frameSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func TestFramePumpPreservesOrder(t *testing.T) {
	src := newQueueSource()
	for _, d := range []string{"A", "B", "C"} {
		src.push(&protocol.VideoFrame{Data: []byte(d)})
	}

	sink := &frameSink{}
	p := NewFramePump(src, 200, sink.emit)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, sink.snapshot())
}

func TestFramePumpOrderUnderConcurrentPushes(t *testing.T) {
	src := newQueueSource()
	sink := &frameSink{}
	p := NewFramePump(src, 500, sink.emit)
	p.Start()
	defer p.Stop()

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				src.push(&protocol.VideoFrame{Data: []byte(fmt.Sprintf("%d:%03d", w, i))})
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == writers*perWriter }, 2*time.Second, 5*time.Millisecond)

	// Frames from one writer keep their relative order.
	last := make(map[byte]string)
	for _, f := range sink.snapshot() {
		w := f[0]
		assert.Greater(t, f, last[w])
		last[w] = f
	}
}

func TestFramePumpStopsWhenConnectionGone(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		src := newQueueSource()
		p := NewFramePump(src, 100, func(*protocol.VideoFrame) {})
		p.Start()
		close(src.done)

		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("pump kept running after connection closed")
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		src := newQueueSource()
		src.push(&protocol.VideoFrame{Data: []byte("late")})
		src.disconnect()

		sink := &frameSink{}
		p := NewFramePump(src, 100, sink.emit)
		p.Start()

		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("pump kept running after disconnect")
		}
		assert.Empty(t, sink.snapshot())
	})
}

func TestFramePumpStopIsIdempotent(t *testing.T) {
	src := newQueueSource()
	p := NewFramePump(src, 0, func(*protocol.VideoFrame) {})
	assert.Equal(t, time.Second/DefaultFrameRate, p.interval)

	p.Start()
	p.Start()
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestFramePumpStopFromEmit(t *testing.T) {
	src := newQueueSource()
	for i := 0; i < 5; i++ {
		src.push(&protocol.VideoFrame{Data: []byte{byte('0' + i)}})
	}

	var p *FramePump
	var count int
	p = NewFramePump(src, 200, func(*protocol.VideoFrame) {
		count++
		p.Stop()
	})
	p.Start()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
	assert.Equal(t, 1, count)
}
