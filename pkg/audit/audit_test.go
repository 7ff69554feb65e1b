package audit

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memWriter struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (m *memWriter) Write(_ context.Context, ev Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *memWriter) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestAsyncWritesInOrder(t *testing.T) {
	w := &memWriter{}
	a := NewAsync(w, AsyncConfig{Logger: zaptest.NewLogger(t)})

	for i := 0; i < 10; i++ {
		a.Record(Event{Type: SessionCreated, SessionID: string(rune('a' + i))})
	}
	require.NoError(t, a.Close(context.Background()))

	got := w.snapshot()
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, string(rune('a'+i)), ev.SessionID)
		assert.False(t, ev.At.IsZero())
	}
}

func TestAsyncNeverBlocks(t *testing.T) {
	w := &memWriter{block: make(chan struct{})}
	var dropped atomic.Int32
	a := NewAsync(w, AsyncConfig{
		BufferSize: 2,
		OnDrop:     func(Event) { dropped.Add(1) },
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Record(Event{Type: SessionError})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled writer")
	}
	// At most the queue plus the one event held by the writer survive.
	assert.GreaterOrEqual(t, int(dropped.Load()), 47)

	close(w.block)
	require.NoError(t, a.Close(context.Background()))
}

func TestAsyncRecordAfterClose(t *testing.T) {
	var dropped atomic.Int32
	a := NewAsync(&memWriter{}, AsyncConfig{OnDrop: func(Event) { dropped.Add(1) }})
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	a.Record(Event{Type: SessionCreated})
	assert.Equal(t, int32(1), dropped.Load())
}

func TestAsyncCloseHonorsContext(t *testing.T) {
	w := &memWriter{block: make(chan struct{})}
	defer close(w.block)
	a := NewAsync(w, AsyncConfig{})
	a.Record(Event{Type: SessionCreated})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &memWriter{}
	bad := &memWriter{err: errors.New("disk full")}
	err := Multi(bad, ok).Write(context.Background(), Event{Type: SessionCreated})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.snapshot(), 1)
}

func TestLogWriter(t *testing.T) {
	w := NewLogWriter(zaptest.NewLogger(t))
	assert.NoError(t, w.Write(context.Background(), Event{Type: SessionConnected, SessionID: "s1"}))
}

func TestPostgresWriter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists audit_events")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into audit_events")).
		WithArgs("session.connected", "s1", "c1", "10.0.0.5:3389", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := NewPostgresWriter(mock)
	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, p.Write(context.Background(), Event{
		Type:      SessionConnected,
		SessionID: "s1",
		ClientID:  "c1",
		Host:      "10.0.0.5:3389",
		At:        at,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriterHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"type", "session_id", "client_id", "host", "detail", "at"}).
		AddRow("session.disconnected", "s1", "c1", "h:1", "", at.Add(time.Minute)).
		AddRow("session.connected", "s1", "c1", "h:1", "", at)
	mock.ExpectQuery(regexp.QuoteMeta("select type, session_id")).
		WithArgs("s1", 100).
		WillReturnRows(rows)

	got, err := NewPostgresWriter(mock).History(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, SessionDisconnected, got[0].Type)
	assert.Equal(t, at, got[1].At)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriterError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into audit_events")).
		WillReturnError(errors.New("conn reset"))

	err = NewPostgresWriter(mock).Write(context.Background(), Event{Type: SessionError, SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn reset")
}
