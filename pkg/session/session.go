package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/transport"
)

// MaxMonitorIndex bounds SetMonitor.
const MaxMonitorIndex = 15

// Session is one client's remote desktop session.
//
// Sessions are created by a Manager. Input, clipboard and display
// operations are silent no-ops unless the session is connected.
type Session struct {
	id        string
	clientID  string
	cfg       Config
	createdAt time.Time

	status       atomic.Int32
	lastActivity atomic.Int64
	frames       atomic.Uint64

	mu      sync.Mutex
	conn    *transport.Conn
	pump    *FramePump
	display DisplayPrefs
	lastErr error
	endedAt time.Time

	// cancelConnect aborts an in-flight connect. aborted records a
	// Disconnect that arrived before the host confirmed.
	cancelConnect context.CancelFunc
	aborted       bool
	// settled is closed once the manager has finished creating the
	// session, successfully or not.
	settled chan struct{}

	bus     Publisher
	logger  *zap.Logger
	onEnd   func(*Session)
	onFrame func()
}

func newSession(id, clientID string, cfg Config, bus Publisher, logger *zap.Logger) *Session {
	now := time.Now()
	s := &Session{
		id:        id,
		clientID:  clientID,
		cfg:       cfg,
		createdAt: now,
		display:   DisplayPrefs{Quality: cfg.Quality},
		bus:       bus,
		settled:   make(chan struct{}),
		logger:    logger.With(zap.String("session_id", id), zap.String("client_id", clientID)),
	}
	s.status.Store(int32(StatusConnecting))
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// ClientID returns the owning client.
func (s *Session) ClientID() string { return s.clientID }

// Config returns the connection configuration.
func (s *Session) Config() Config { return s.cfg }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current status.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// LastActivity returns the time of the last input, output or lifecycle change.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// FramesPumped returns how many frames were emitted as frameReady.
func (s *Session) FramesPumped() uint64 { return s.frames.Load() }

// BytesSent returns the bytes written to the host.
func (s *Session) BytesSent() uint64 {
	if c := s.connection(); c != nil {
		return c.BytesSent()
	}
	return 0
}

// BytesReceived returns the bytes read from the host.
func (s *Session) BytesReceived() uint64 {
	if c := s.connection(); c != nil {
		return c.BytesReceived()
	}
	return 0
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Display returns the current display preferences.
func (s *Session) Display() DisplayPrefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// touch moves last activity forward, never back.
func (s *Session) touch() {
	now := time.Now().UnixNano()
	for {
		prev := s.lastActivity.Load()
		if now <= prev || s.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (s *Session) transition(from, to Status) bool {
	if !canTransition(from, to) {
		return false
	}
	return s.status.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) connection() *transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// liveConn returns the connection only while the session is connected.
func (s *Session) liveConn() *transport.Conn {
	if s.Status() != StatusConnected {
		return nil
	}
	return s.connection()
}

// connect opens the host connection and starts the frame pump. On failure
// the session moves to StatusError and keeps err. A Disconnect while
// connecting cancels the dial or handshake and makes connect fail with
// ErrNotConnected.
func (s *Session) connect(ctx context.Context, opts transport.Options, frameRate int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return s.abort(nil)
	}
	s.cancelConnect = cancel
	s.mu.Unlock()

	handler := transport.HandlerFuncs{OnEvent: s.handleEvent, OnClose: s.handleClose}
	conn, err := transport.Open(ctx, opts, handler)
	if err != nil {
		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			return s.abort(err)
		}
		s.fail(err)
		return err
	}

	// Disconnect reads the status under mu, so connecting -> connected
	// happens under it too.
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		conn.Close()
		return s.abort(nil)
	}
	s.conn = conn
	s.pump = NewFramePump(conn, frameRate, s.emitFrame)
	pump := s.pump
	connected := s.transition(StatusConnecting, StatusConnected)
	s.mu.Unlock()

	if !connected {
		conn.Close()
		return gwerrors.E(gwerrors.InvalidTransition, "session.connect", s.id, nil)
	}
	s.touch()
	pump.Start()
	s.logger.Info("session connected", zap.String("addr", conn.Addr()))
	s.publish(EventSessionConnected, s.Snapshot(), nil)

	// The host may have hung up between the confirm and the status change,
	// when handleClose still saw connecting and ignored it.
	select {
	case <-conn.Done():
		s.handleClose(conn.Err())
	default:
	}
	return nil
}

// abort fails a connect that was cut short by Disconnect.
func (s *Session) abort(cause error) error {
	err := &gwerrors.Error{
		Kind:    gwerrors.NotConnected,
		Op:      "session.connect",
		Subject: s.id,
		Message: "disconnected before the host confirmed",
		Err:     cause,
	}
	s.logger.Info("connect aborted by disconnect")
	s.fail(err)
	return err
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.endedAt = time.Now()
	s.mu.Unlock()
	s.transition(StatusConnecting, StatusError)
	s.touch()
}

func (s *Session) emitFrame(f *protocol.VideoFrame) {
	s.frames.Add(1)
	if s.onFrame != nil {
		s.onFrame()
	}
	s.publish(EventFrameReady, f, nil)
}

func (s *Session) handleEvent(ev protocol.Event) {
	s.touch()
	switch e := ev.(type) {
	case *protocol.ClipboardData:
		s.publish(EventClipboardReceived, e, nil)
	case *protocol.FileTransferChunk:
		s.publish(EventFileTransferReceived, e, nil)
	case *protocol.DeviceEvent:
		s.publish(EventDeviceEvent, e, nil)
	case *protocol.UnknownFrame:
		s.logger.Debug("unknown frame", zap.Int("size", len(e.Raw)))
		s.publish(EventUnknownFrame, e, nil)
	default:
		s.logger.Debug("unhandled event", zap.Stringer("type", ev.FrameType()))
	}
}

// handleClose runs when the host side ends a connected session. It
// reports sessionDisconnected only, never sessionError.
func (s *Session) handleClose(err error) {
	if !s.transition(StatusConnected, StatusDisconnected) {
		return
	}
	if err != nil {
		err = gwerrors.E(gwerrors.Classify(err), "session.remote_close", s.id, err)
	}
	s.logger.Info("host closed session", zap.Error(err))
	s.teardown(err)
}

// Disconnect closes the host connection, stops the frame pump and emits
// sessionDisconnected. It is idempotent: a session without a live
// connection is left as is, except that a failed session is marked
// disconnected.
//
// On a session that is still connecting, Disconnect aborts the connect and
// returns once the session has failed and left its manager; the creator
// gets ErrNotConnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.Status() == StatusConnecting {
		s.aborted = true
		cancel := s.cancelConnect
		s.mu.Unlock()
		// Without a cancel func the connect has not started; it sees
		// aborted when it does. Waiting here could block the creator's
		// own goroutine, which publishes sessionCreated before connecting.
		if cancel != nil {
			cancel()
			<-s.settled
		}
		return nil
	}
	s.mu.Unlock()

	if s.transition(StatusConnected, StatusDisconnected) {
		s.logger.Info("session disconnected")
		s.teardown(nil)
		return nil
	}
	if s.transition(StatusError, StatusDisconnected) {
		s.touch()
	}
	return nil
}

func (s *Session) teardown(cause error) {
	s.mu.Lock()
	conn, pump := s.conn, s.pump
	if cause != nil {
		s.lastErr = cause
	}
	s.endedAt = time.Now()
	s.mu.Unlock()

	if pump != nil {
		pump.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	s.touch()
	s.publish(EventSessionDisconnected, s.Snapshot(), cause)
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// send writes cmd when connected. A session that is not connected, or
// whose connection closed underneath it, swallows the command.
func (s *Session) send(op string, cmd protocol.Command) error {
	conn := s.liveConn()
	if conn == nil {
		return nil
	}
	if err := conn.SendCommand(cmd); err != nil {
		if errors.Is(err, gwerrors.ErrNotConnected) {
			return nil
		}
		return &SessionError{SessionID: s.id, Op: op, Err: err}
	}
	s.touch()
	return nil
}

// ForwardInput sends a mouse, keyboard, touch or wheel event.
func (s *Session) ForwardInput(in protocol.Input) error {
	if in == nil {
		return gwerrors.Newf(gwerrors.InvalidConfig, "session.input", "nil input")
	}
	return s.send("input", in)
}

// SetClipboard pushes clipboard content to the host.
func (s *Session) SetClipboard(format protocol.ClipboardFormat, data []byte) error {
	return s.send("clipboard.set", &protocol.ClipboardSet{Format: format, Data: data})
}

// RequestClipboard asks the host for its clipboard. The answer arrives
// as clipboardReceived.
func (s *Session) RequestClipboard(format protocol.ClipboardFormat) error {
	return s.send("clipboard.request", &protocol.ClipboardRequest{Format: format})
}

// ChangeQuality sets the stream quality preference.
func (s *Session) ChangeQuality(q protocol.Quality) error {
	if !q.Valid() {
		return gwerrors.Newf(gwerrors.InvalidConfig, "session.quality", "unknown quality %d", q)
	}
	return s.updateDisplay(func(d *DisplayPrefs) { d.Quality = q })
}

// SetFullscreen sets the fullscreen preference.
func (s *Session) SetFullscreen(on bool) error {
	return s.updateDisplay(func(d *DisplayPrefs) { d.Fullscreen = on })
}

// SetMonitor selects the remote monitor to display.
func (s *Session) SetMonitor(index int) error {
	if index < 0 || index > MaxMonitorIndex {
		return gwerrors.Newf(gwerrors.InvalidConfig, "session.monitor", "monitor index %d out of range", index)
	}
	return s.updateDisplay(func(d *DisplayPrefs) { d.Monitor = index })
}

func (s *Session) updateDisplay(fn func(*DisplayPrefs)) error {
	if s.Status() != StatusConnected {
		return nil
	}
	s.mu.Lock()
	fn(&s.display)
	d := s.display
	s.mu.Unlock()

	s.touch()
	s.publish(EventDisplayChanged, d, nil)
	return nil
}

func (s *Session) publish(t EventType, payload any, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{
		Type:      t,
		SessionID: s.id,
		ClientID:  s.clientID,
		At:        time.Now(),
		Payload:   payload,
		Err:       err,
	})
}

// Snapshot is a point-in-time view of a session, safe to serialize.
type Snapshot struct {
	SessionID     string       `json:"session_id"`
	ClientID      string       `json:"client_id"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	TLS           bool         `json:"tls"`
	Status        Status       `json:"status"`
	Display       DisplayPrefs `json:"display"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActivity  time.Time    `json:"last_activity"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
	BytesSent     uint64       `json:"bytes_sent"`
	BytesReceived uint64       `json:"bytes_received"`
	Frames        uint64       `json:"frames"`
	Error         string       `json:"error,omitempty"`
}

// Snapshot captures the session's current state. Credentials are never
// included.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	display, lastErr, endedAt, conn := s.display, s.lastErr, s.endedAt, s.conn
	s.mu.Unlock()

	snap := Snapshot{
		SessionID:    s.id,
		ClientID:     s.clientID,
		Host:         s.cfg.Host,
		Port:         s.cfg.Port,
		TLS:          s.cfg.EnableTLS,
		Status:       s.Status(),
		Display:      display,
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		Frames:       s.frames.Load(),
	}
	if conn != nil {
		snap.BytesSent = conn.BytesSent()
		snap.BytesReceived = conn.BytesReceived()
	}
	if !endedAt.IsZero() {
		snap.EndedAt = &endedAt
	}
	if lastErr != nil {
		snap.Error = lastErr.Error()
	}
	return snap
}
