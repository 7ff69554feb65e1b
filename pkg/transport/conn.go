package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives what the read loop decodes.
type Handler interface {
	// HandleEvent is called for every decoded frame that is neither a
	// ConnectionConfirm nor a VideoFrame, including *protocol.UnknownFrame.
	HandleEvent(ev protocol.Event)

	// HandleClose is called once when the host side ends the connection or
	// the socket fails. It is not called after Close.
	HandleClose(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnEvent func(ev protocol.Event)
	OnClose func(err error)
}

func (h HandlerFuncs) HandleEvent(ev protocol.Event) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h HandlerFuncs) HandleClose(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Conn is one live socket to a remote desktop host.
type Conn struct {
	opts     Options
	logger   *zap.Logger
	handler  Handler
	observer Observer

	netConn net.Conn
	writeMu sync.Mutex

	state     atomic.Int32
	connected atomic.Bool
	closing   atomic.Bool
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	frames *frameBuffer

	confirmed    chan struct{}
	confirmOnce  sync.Once
	shutdownOnce sync.Once
	done         chan struct{}

	errMu sync.Mutex
	err   error
}

// Open dials the host, upgrades to TLS when configured, sends the
// connection request and waits for the host's confirm.
//
// All three steps share opts.ConnectTimeout. Failures are classified as
// ErrConnectTimeout, ErrConnectionRefused or ErrNetwork. A Conn is only
// returned once the confirm has arrived.
func Open(ctx context.Context, opts Options, h Handler) (*Conn, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if h == nil {
		h = HandlerFuncs{}
	}

	c := &Conn{
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "transport"), zap.String("addr", opts.Address()), zap.Uint32("conn_id", opts.ConnID)),
		handler:   h,
		observer:  opts.Observer,
		frames:    newFrameBuffer(opts.FrameBufferSize),
		confirmed: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	raw, err := opts.Dialer.DialContext(ctx, "tcp", opts.Address())
	if err != nil {
		c.shutdown()
		return nil, c.openError(ctx, "dial", err)
	}

	conn := raw
	if opts.TLS != nil {
		cfg, err := opts.TLS.Build(opts.Host)
		if err != nil {
			raw.Close()
			c.shutdown()
			return nil, gwerrors.E(gwerrors.InvalidConfig, "transport.open", opts.Address(), err)
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			c.shutdown()
			return nil, c.openError(ctx, "tls handshake", err)
		}
		conn = tlsConn
		c.logger.Debug("tls established",
			zap.Uint16("version", tlsConn.ConnectionState().Version),
			zap.Bool("verified", !opts.TLS.InsecureSkipVerify))
	}

	c.netConn = conn
	go c.readLoop()

	if opts.Request != nil {
		if err := c.SendCommand(opts.Request); err != nil {
			c.Close()
			return nil, c.openError(ctx, "send request", err)
		}
	}

	select {
	case <-c.confirmed:
		c.logger.Debug("connection confirmed")
		return c, nil
	case <-c.done:
		err := c.Err()
		if err == nil {
			err = io.EOF
		}
		return nil, gwerrors.E(gwerrors.NetworkError, "transport.open", opts.Address(),
			fmt.Errorf("closed before confirm: %w", err))
	case <-ctx.Done():
		c.Close()
		return nil, c.openError(ctx, "await confirm", ctx.Err())
	}
}

// openError classifies a failure during Open. A deadline on ctx always
// reads as a connect timeout, whatever the socket reported.
func (c *Conn) openError(ctx context.Context, step string, err error) error {
	kind := gwerrors.Classify(err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = gwerrors.ConnectTimeout
		err = fmt.Errorf("%s: timed out after %s: %w", step, c.opts.ConnectTimeout, err)
	} else {
		err = fmt.Errorf("%s: %w", step, err)
	}
	if kind != gwerrors.ConnectTimeout && kind != gwerrors.ConnectionRefused {
		kind = gwerrors.NetworkError
	}
	return gwerrors.E(kind, "transport.open", c.opts.Address(), err)
}

// Send writes b to the socket and adds the written byte count to the
// sent counter. It fails with ErrNotConnected once the Conn is closed.
func (c *Conn) Send(b []byte) error {
	if c.State() == StateClosed {
		return gwerrors.E(gwerrors.NotConnected, "transport.send", c.opts.Address(), nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	n, err := c.netConn.Write(b)
	if n > 0 {
		c.bytesSent.Add(uint64(n))
		c.observer.BytesSent(n)
	}
	if err != nil {
		c.setErr(err)
		// Closing the socket ends the read loop, which reports the close.
		c.shutdown()
		return gwerrors.E(gwerrors.NetworkError, "transport.send", c.opts.Address(), err)
	}
	return nil
}

// SendCommand encodes cmd with this connection's ID and sends it.
func (c *Conn) SendCommand(cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(c.opts.ConnID, 0, cmd)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close terminates the socket. It is idempotent and never reports the
// close to the Handler.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.shutdownOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.connected.Store(false)
		if c.netConn != nil {
			c.netConn.Close()
		}
	})
}

func (c *Conn) readLoop() {
	defer close(c.done)

	r := bufio.NewReaderSize(&countingReader{c: c}, 32*1024)
	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			c.readFailed(err)
			return
		}

		ev, err := protocol.Decode(frame)
		if err != nil {
			c.observer.DecodeFailed()
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Conn) dispatch(ev protocol.Event) {
	switch v := ev.(type) {
	case *protocol.ConnectionConfirm:
		c.confirmOnce.Do(func() {
			c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
			c.connected.Store(true)
			close(c.confirmed)
		})
	case *protocol.VideoFrame:
		if c.frames.push(v) {
			c.observer.FrameDropped()
		}
	default:
		c.safeHandle(ev)
	}
}

func (c *Conn) safeHandle(ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				zap.Stringer("frame_type", ev.FrameType()),
				zap.Any("panic", r))
		}
	}()
	c.handler.HandleEvent(ev)
}

func (c *Conn) readFailed(err error) {
	remote := !c.closing.Load()
	if remote {
		c.setErr(err)
		if errors.Is(err, protocol.ErrMalformedFrame) {
			c.observer.DecodeFailed()
		}
	}
	c.shutdown()
	if !remote {
		return
	}

	reason := c.Err()
	if errors.Is(reason, io.EOF) {
		c.logger.Info("host closed connection")
	} else {
		c.logger.Warn("connection lost", zap.Error(reason))
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("close handler panicked", zap.Any("panic", r))
		}
	}()
	c.handler.HandleClose(reason)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Err returns the first error that ended the connection, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether a confirm has arrived and the Conn is open.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// ConnID returns the connection ID written into outbound headers.
func (c *Conn) ConnID() uint32 {
	return c.opts.ConnID
}

// Addr returns the host address.
func (c *Conn) Addr() string {
	return c.opts.Address()
}

// BytesSent returns the total bytes written to the socket.
func (c *Conn) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes read from the socket, including
// bytes of frames that failed to decode.
func (c *Conn) BytesReceived() uint64 {
	return c.bytesRecv.Load()
}

// PopFrame removes and returns the oldest queued video frame.
func (c *Conn) PopFrame() (*protocol.VideoFrame, bool) {
	return c.frames.pop()
}

// Buffered returns the number of queued video frames.
func (c *Conn) Buffered() int {
	return c.frames.len()
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// countingReader counts every byte read from the socket before framing.
type countingReader struct {
	c *Conn
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.c.netConn.Read(p)
	if n > 0 {
		r.c.bytesRecv.Add(uint64(n))
		r.c.observer.BytesReceived(n)
	}
	return n, err
}
