package redirect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/audit"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/session"
)

func newTransfers(t *testing.T, cfg TransferRegistryConfig, opts Options) (*TransferRegistry, *DiskCodec) {
	t.Helper()
	codec, err := NewDiskCodec(t.TempDir(), 0)
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	r := NewTransferRegistry(codec, cfg, opts)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, codec
}

type result struct {
	t   Transfer
	err error
}

func awaitTransfer() (TransferOutcome, <-chan result) {
	ch := make(chan result, 1)
	return func(t Transfer, err error) { ch <- result{t, err} }, ch
}

// gatedReader serves data, then blocks until release is closed.
type gatedReader struct {
	data    []byte
	release chan struct{}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	if len(g.data) > 0 {
		n := copy(p, g.data)
		g.data = g.data[n:]
		return n, nil
	}
	<-g.release
	return 0, io.EOF
}

func TestTransferStatusAdvance(t *testing.T) {
	tests := []struct {
		from, to TransferStatus
		want     bool
	}{
		{TransferPending, TransferInProgress, true},
		{TransferPending, TransferCancelled, true},
		{TransferInProgress, TransferCompleted, true},
		{TransferInProgress, TransferFailed, true},
		{TransferInProgress, TransferPending, false},
		{TransferInProgress, TransferInProgress, false},
		{TransferCompleted, TransferFailed, false},
		{TransferCancelled, TransferCompleted, false},
		{TransferFailed, TransferCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canAdvance(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestUploadAndDownload(t *testing.T) {
	log := &auditLog{}
	r, codec := newTransfers(t, TransferRegistryConfig{}, Options{Audit: log})

	content := []byte("%PDF-1.4\n" + strings.Repeat("quarterly numbers ", 400))
	done, results := awaitTransfer()
	up, err := r.Upload("s1", "../../etc/report.pdf", int64(len(content)), bytes.NewReader(content), done)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", up.FileName, "path components are stripped")
	assert.Equal(t, "application/pdf", up.MIMEType)
	assert.Equal(t, Upload, up.Direction)

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, TransferCompleted, res.t.Status)
	assert.Equal(t, int64(len(content)), res.t.Transferred)
	assert.Equal(t, float64(100), res.t.Progress)
	require.NotNil(t, res.t.EndedAt)

	info, err := codec.Stat(up.Key)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", info.Name)

	var buf bytes.Buffer
	done, results = awaitTransfer()
	down, err := r.Download("s1", up.ID, &buf, done)
	require.NoError(t, err)
	assert.Equal(t, Download, down.Direction)
	res = <-results
	require.NoError(t, res.err)
	assert.Equal(t, content, buf.Bytes())

	assert.Len(t, r.List("s1"), 2)
	assert.Equal(t, []audit.EventType{audit.TransferFinished, audit.TransferFinished}, log.types())
}

func TestUploadValidation(t *testing.T) {
	r, _ := newTransfers(t, TransferRegistryConfig{MaxSize: 10}, Options{})

	_, err := r.Upload("s1", "", 1, strings.NewReader("x"), nil)
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidConfig))

	_, err = r.Upload("", "a.txt", 1, strings.NewReader("x"), nil)
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidConfig))

	_, err = r.Upload("s1", "a.txt", 11, strings.NewReader("01234567890"), nil)
	assert.True(t, errors.Is(err, gwerrors.ErrLimitExceeded))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDownloadErrors(t *testing.T) {
	r, _ := newTransfers(t, TransferRegistryConfig{}, Options{})

	_, err := r.Download("s1", "missing", io.Discard, nil)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound))

	release := make(chan struct{})
	up, err := r.Upload("s1", "a.bin", 0, &gatedReader{data: bytes.Repeat([]byte{'b'}, sniffLen+10), release: release}, nil)
	require.NoError(t, err)

	_, err = r.Download("s1", up.ID, io.Discard, nil)
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidTransition), "incomplete source")

	_, err = r.Download("s2", up.ID, io.Discard, nil)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound), "other session")
	close(release)
}

func TestCancelUpload(t *testing.T) {
	r, codec := newTransfers(t, TransferRegistryConfig{}, Options{})

	release := make(chan struct{})
	body := &gatedReader{data: bytes.Repeat([]byte{'a'}, 5000), release: release}
	done, results := awaitTransfer()
	up, err := r.Upload("s1", "big.txt", 10000, body, done)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, _ := r.Get("s1", up.ID)
		return cur.Status == TransferInProgress
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Cancel("s1", up.ID))
	cur, _ := r.Get("s1", up.ID)
	assert.Equal(t, TransferCancelled, cur.Status)

	err = r.Cancel("s1", up.ID)
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidTransition), "cancel is not repeatable")
	assert.True(t, errors.Is(r.Cancel("s1", "nope"), gwerrors.ErrNotFound))

	close(release)
	res := <-results
	assert.True(t, errors.Is(res.err, gwerrors.ErrInvalidTransition))
	assert.Equal(t, TransferCancelled, res.t.Status, "a cancelled transfer never completes")

	_, err = codec.Get(context.Background(), up.Key, io.Discard)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound))
}

func TestTransferStatusEvents(t *testing.T) {
	bus := session.NewBus(zaptest.NewLogger(t))
	var mu sync.Mutex
	var seen []TransferStatus
	bus.Subscribe(func(ev session.Event) {
		mu.Lock()
		seen = append(seen, ev.Payload.(Transfer).Status)
		mu.Unlock()
	}, session.EventTransferStatus)

	r, _ := newTransfers(t, TransferRegistryConfig{}, Options{Publisher: bus})
	done, results := awaitTransfer()
	_, err := r.Upload("s1", "notes.txt", 5, strings.NewReader("hello"), done)
	require.NoError(t, err)
	require.NoError(t, (<-results).err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TransferStatus{TransferInProgress, TransferCompleted}, seen)
}

func hostChunks(t *testing.T, id uuid.UUID, data []byte, size int) []*protocol.Chunk {
	t.Helper()
	total := (len(data) + size - 1) / size
	var out []*protocol.Chunk
	for i := 0; i < total; i++ {
		end := (i + 1) * size
		if end > len(data) {
			end = len(data)
		}
		ft, err := protocol.NewChunk(1, id, uint32(i), uint32(total), data[i*size:end])
		require.NoError(t, err)
		c, err := protocol.ParseChunk(ft)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestReceiveChunks(t *testing.T) {
	r, codec := newTransfers(t, TransferRegistryConfig{}, Options{})

	id := uuid.New()
	data := []byte(strings.Repeat("host file body ", 100))
	chunks := hostChunks(t, id, data, 512)
	require.Len(t, chunks, 3)

	tr, err := r.ReceiveChunk("s1", chunks[0])
	require.NoError(t, err)
	assert.Equal(t, TransferInProgress, tr.Status)
	assert.Equal(t, Download, tr.Direction)

	// Out of order and duplicated chunks are tolerated.
	_, err = r.ReceiveChunk("s1", chunks[2])
	require.NoError(t, err)
	_, err = r.ReceiveChunk("s1", chunks[2])
	require.NoError(t, err)

	tr, err = r.ReceiveChunk("s1", chunks[1])
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, tr.Status)
	assert.Equal(t, int64(len(data)), tr.Size)
	assert.Equal(t, "text/plain; charset=utf-8", tr.MIMEType)

	var buf bytes.Buffer
	_, err = codec.Get(context.Background(), id.String(), &buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf.Bytes())

	_, err = r.ReceiveChunk("s1", chunks[0])
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidTransition), "completed transfers take no chunks")

	_, err = r.ReceiveChunk("s2", chunks[0])
	assert.True(t, errors.Is(err, gwerrors.ErrConflict), "ids are not shared across sessions")
}

func TestReceiveCorruptChunk(t *testing.T) {
	r, _ := newTransfers(t, TransferRegistryConfig{}, Options{})

	id := uuid.New()
	chunks := hostChunks(t, id, []byte("0123456789"), 4)
	chunks[1].Data = []byte("XXXX")

	_, err := r.ReceiveChunk("s1", chunks[0])
	require.NoError(t, err)
	_, err = r.ReceiveChunk("s1", chunks[1])
	assert.True(t, errors.Is(err, gwerrors.ErrMalformedFrame))

	tr, ok := r.Get("s1", id.String())
	require.True(t, ok)
	assert.Equal(t, TransferFailed, tr.Status)
	assert.NotEmpty(t, tr.Error)
}

func TestFollowRoutesChunks(t *testing.T) {
	bus := session.NewBus(zaptest.NewLogger(t))
	r, codec := newTransfers(t, TransferRegistryConfig{}, Options{})
	unsubscribe := r.Follow(bus)
	defer unsubscribe()

	id := uuid.New()
	ft, err := protocol.NewChunk(7, id, 0, 1, []byte("single"))
	require.NoError(t, err)
	bus.Publish(session.Event{Type: session.EventFileTransferReceived, SessionID: "s1", Payload: ft})

	tr, ok := r.Get("s1", id.String())
	require.True(t, ok)
	assert.Equal(t, TransferCompleted, tr.Status)

	bus.Publish(session.Event{Type: session.EventSessionDisconnected, SessionID: "s1"})
	assert.Empty(t, r.List("s1"))
	_, err = codec.Get(context.Background(), id.String(), io.Discard)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound), "stored content goes with the session")
}

func TestTransferCleanup(t *testing.T) {
	r, _ := newTransfers(t, TransferRegistryConfig{IdleTimeout: time.Minute}, Options{})

	done, results := awaitTransfer()
	up, err := r.Upload("s1", "old.txt", 3, strings.NewReader("old"), done)
	require.NoError(t, err)
	require.NoError(t, (<-results).err)

	assert.Zero(t, r.Cleanup(time.Now()))
	assert.Equal(t, 1, r.Cleanup(time.Now().Add(2*time.Minute)))
	_, ok := r.Get("s1", up.ID)
	assert.False(t, ok)
}

func TestTransferLimitPerSession(t *testing.T) {
	r, _ := newTransfers(t, TransferRegistryConfig{MaxPerSession: 1}, Options{})

	done, results := awaitTransfer()
	_, err := r.Upload("s1", "a.txt", 1, strings.NewReader("a"), done)
	require.NoError(t, err)
	<-results

	_, err = r.Upload("s1", "b.txt", 1, strings.NewReader("b"), nil)
	assert.True(t, errors.Is(err, gwerrors.ErrLimitExceeded))
	_, err = r.Upload("s2", "b.txt", 1, strings.NewReader("b"), nil)
	assert.NoError(t, err)
}

func TestTransferConcurrentLimit(t *testing.T) {
	r, _ := newTransfers(t, TransferRegistryConfig{MaxPerSession: 2}, Options{})

	const attempts = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		limited int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Upload("s1", "a.txt", 1, strings.NewReader("a"), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, gwerrors.ErrLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, attempts-2, limited)
	assert.Len(t, r.List("s1"), 2)
}
