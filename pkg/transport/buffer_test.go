package transport

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/protocol"
)

func frame(s string) *protocol.VideoFrame {
	return &protocol.VideoFrame{Data: []byte(s)}
}

func TestFrameBufferFIFO(t *testing.T) {
	b := newFrameBuffer(4)
	for _, s := range []string{"A", "B", "C"} {
		assert.False(t, b.push(frame(s)))
	}
	assert.Equal(t, 3, b.len())

	for _, want := range []string{"A", "B", "C"} {
		f, ok := b.pop()
		require.True(t, ok)
		assert.Equal(t, want, string(f.Data))
	}
	_, ok := b.pop()
	assert.False(t, ok)
}

func TestFrameBufferDropsOldest(t *testing.T) {
	b := newFrameBuffer(2)
	b.push(frame("A"))
	b.push(frame("B"))
	assert.True(t, b.push(frame("C")))
	assert.Equal(t, 2, b.len())

	f, _ := b.pop()
	assert.Equal(t, "B", string(f.Data))
	f, _ = b.pop()
	assert.Equal(t, "C", string(f.Data))
}

func TestFrameBufferWrapAround(t *testing.T) {
	b := newFrameBuffer(3)
	next := 0
	for round := 0; round < 10; round++ {
		b.push(frame(fmt.Sprint(round * 2)))
		b.push(frame(fmt.Sprint(round*2 + 1)))
		for i := 0; i < 2; i++ {
			f, ok := b.pop()
			require.True(t, ok)
			assert.Equal(t, fmt.Sprint(next), string(f.Data))
			next++
		}
	}
}

// Concurrent producers keep their own relative order.
func TestFrameBufferConcurrentPushPreservesPerProducerOrder(t *testing.T) {
	const producers, perProducer = 4, 200
	b := newFrameBuffer(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.push(frame(fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	last := make(map[int]int)
	for p := 0; p < producers; p++ {
		last[p] = -1
	}
	for {
		f, ok := b.pop()
		if !ok {
			break
		}
		var p, i int
		_, err := fmt.Sscanf(string(f.Data), "%d:%d", &p, &i)
		require.NoError(t, err)
		assert.Greater(t, i, last[p])
		last[p] = i
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer-1, last[p])
	}
}
