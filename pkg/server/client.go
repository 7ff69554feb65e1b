package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/auth"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/redirect"
	"github.com/deskgate/deskgate/pkg/session"
)

// message is one queued WebSocket write.
type message struct {
	kind int
	data []byte
}

// client is one control-channel socket. A client drives at most one
// session at a time, keyed by its identity's client ID.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	id     *auth.Identity
	logger *zap.Logger

	send     chan message
	done     chan struct{}
	finished chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// sessionID is the session whose ID-only events (devices, transfers)
	// are forwarded.
	sessionID atomic.Pointer[string]
	busy      atomic.Bool

	mu         sync.Mutex
	lastConfig *session.Config
	closeCode  int
	closeText  string

	closeOnce   sync.Once
	unsubscribe func()
	work        sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Info("websocket upgrade failed", zap.String("client_id", id.ClientID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		srv:  s,
		conn: conn,
		id:   id,
		logger: s.logger.With(
			zap.String("client_id", id.ClientID),
			zap.String("remote", s.clientIP(r)),
		),
		send:     make(chan message, s.cfg.SendQueue),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.unsubscribe = s.deps.Manager.Subscribe(c.onEvent)
	if !s.addClient(c) {
		c.unsubscribe()
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.deps.Metrics.ControlClientConnected(1)
	if sess, ok := s.deps.Manager.GetByClient(id.ClientID); ok {
		c.setSession(sess.ID())
	}
	c.logger.Info("control client connected")

	go c.writeLoop()
	c.readLoop()
}

func (c *client) setSession(id string) {
	c.sessionID.Store(&id)
}

func (c *client) currentSessionID() string {
	if p := c.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// onEvent runs on the publisher's goroutine and must not block.
func (c *client) onEvent(ev session.Event) {
	if ev.ClientID != "" {
		if ev.ClientID != c.id.ClientID {
			return
		}
		if ev.Type == session.EventSessionCreated {
			c.setSession(ev.SessionID)
		}
	} else if ev.SessionID == "" || ev.SessionID != c.currentSessionID() {
		return
	}

	switch ev.Type {
	case session.EventFrameReady:
		f, ok := ev.Payload.(*protocol.VideoFrame)
		if !ok {
			return
		}
		if !c.enqueue(message{kind: websocket.BinaryMessage, data: videoMessage(f)}) {
			c.srv.deps.Metrics.FrameDropped()
		}
		return
	case session.EventFileTransferReceived:
		// Host chunks are assembled by the transfer registry, which
		// reports progress as transferStatus.
		return
	}

	out, err := eventMessage(ev)
	if err != nil {
		c.logger.Debug("dropping unrenderable event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if !c.push(out) {
		c.logger.Warn("control client too slow, closing", zap.String("type", string(ev.Type)))
		go c.closeWith(websocket.ClosePolicyViolation, "send queue overflow")
	}
}

// enqueue queues a write without blocking.
func (c *client) enqueue(m message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *client) push(out outbound) bool {
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("encode message", zap.String("type", out.Type), zap.Error(err))
		return true
	}
	return c.enqueue(message{kind: websocket.TextMessage, data: data})
}

func (c *client) reply(req inbound, data any) {
	c.push(outbound{ID: req.ID, Type: replyOK, SessionID: c.currentSessionID(), Data: data})
}

func (c *client) fail(req inbound, err error) {
	c.push(outbound{ID: req.ID, Type: replyError, Error: toWireError(err)})
}

func (c *client) readLoop() {
	defer c.close()

	cfg := c.srv.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				c.logger.Info("read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if kind != websocket.TextMessage {
			c.fail(inbound{}, gwerrors.Newf(gwerrors.InvalidConfig, "server.read", "binary messages are not accepted"))
			continue
		}
		var req inbound
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			c.fail(inbound{}, gwerrors.Newf(gwerrors.InvalidConfig, "server.read", "malformed message"))
			continue
		}
		c.handle(req)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeTimeout := c.srv.cfg.WriteTimeout
	for {
		select {
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(m.kind, m.data); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				go c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				go c.close()
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
			return
		}
	}
}

// closeWith closes the socket with a close code.
func (c *client) closeWith(code int, text string) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode, c.closeText = code, text
	}
	c.mu.Unlock()
	c.close()
}

// close ends the client and the session it drives.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.unsubscribe()
		close(c.done)

		go func() {
			defer close(c.finished)
			c.work.Wait()
			if _, ok := c.srv.deps.Manager.GetByClient(c.id.ClientID); ok {
				c.srv.deps.Manager.DisconnectByClient(c.id.ClientID)
			}
			c.srv.removeClient(c)
			c.srv.deps.Metrics.ControlClientConnected(-1)
			c.logger.Info("control client disconnected")
		}()
	})
}

// permissionFor is the permission a message type needs.
func permissionFor(msgType string) string {
	switch msgType {
	case msgInputMouse, msgInputKeyboard, msgInputTouch, msgInputWheel:
		return auth.PermInput
	case msgClipboardSet, msgClipboardRequest:
		return auth.PermClipboard
	case msgDeviceConnect, msgDeviceDisconnect, msgDeviceList:
		return auth.PermDevices
	case msgFileList, msgFileCancel:
		return auth.PermFiles
	}
	return auth.PermSession
}

func (c *client) handle(req inbound) {
	if req.Type == msgPing {
		c.push(outbound{ID: req.ID, Type: replyPong})
		return
	}
	if perm := permissionFor(req.Type); !c.id.Can(perm) {
		c.fail(req, gwerrors.Newf(gwerrors.Unauthorized, "server."+req.Type, "missing permission %s", perm))
		return
	}

	mgr := c.srv.deps.Manager
	clientID := c.id.ClientID

	switch req.Type {
	case msgConnect:
		var cfg session.Config
		if err := req.decode(&cfg); err != nil {
			c.fail(req, err)
			return
		}
		c.background(req, func() (any, error) { return c.connect(cfg) })

	case msgReconnect:
		var cfg *session.Config
		if len(req.Data) > 0 {
			cfg = new(session.Config)
			if err := req.decode(cfg); err != nil {
				c.fail(req, err)
				return
			}
		}
		c.background(req, func() (any, error) { return c.reconnect(req, cfg) })

	case msgDisconnect:
		if !mgr.DisconnectByClient(clientID) {
			c.fail(req, gwerrors.E(gwerrors.NotFound, "server.disconnect", clientID, nil))
			return
		}
		c.reply(req, nil)

	case msgStatus:
		sess, ok := mgr.GetByClient(clientID)
		if !ok {
			c.fail(req, gwerrors.E(gwerrors.NotFound, "server.status", clientID, nil))
			return
		}
		c.reply(req, sess.Snapshot())

	case msgInputMouse, msgInputKeyboard, msgInputTouch, msgInputWheel:
		in, err := parseInput(req)
		if err != nil {
			c.fail(req, err)
			return
		}
		// Input is fire-and-forget; only failures are answered.
		if err := mgr.ForwardInput(clientID, in); err != nil {
			c.fail(req, err)
		}

	case msgClipboardSet:
		var m clipboardMessage
		if err := req.decode(&m); err != nil {
			c.fail(req, err)
			return
		}
		format, err := protocol.ParseClipboardFormat(m.Format)
		if err != nil {
			c.fail(req, gwerrors.E(gwerrors.InvalidConfig, "server.clipboard", m.Format, err))
			return
		}
		data := []byte(m.Data)
		if format == protocol.ClipboardImage {
			if data, err = base64.StdEncoding.DecodeString(m.Data); err != nil {
				c.fail(req, gwerrors.E(gwerrors.InvalidConfig, "server.clipboard", "image", err))
				return
			}
		}
		c.result(req, nil, mgr.SetClipboard(clientID, format, data))

	case msgClipboardRequest:
		var m clipboardMessage
		if len(req.Data) > 0 {
			if err := req.decode(&m); err != nil {
				c.fail(req, err)
				return
			}
		}
		format, err := protocol.ParseClipboardFormat(m.Format)
		if err != nil {
			c.fail(req, gwerrors.E(gwerrors.InvalidConfig, "server.clipboard", m.Format, err))
			return
		}
		c.result(req, nil, mgr.RequestClipboard(clientID, format))

	case msgDisplayQuality:
		var m struct {
			Quality protocol.Quality `json:"quality"`
		}
		if err := req.decode(&m); err != nil {
			c.fail(req, err)
			return
		}
		c.result(req, nil, mgr.ChangeQuality(clientID, m.Quality))

	case msgDisplayFullscreen:
		var m struct {
			Enabled bool `json:"enabled"`
		}
		if err := req.decode(&m); err != nil {
			c.fail(req, err)
			return
		}
		c.result(req, nil, mgr.SetFullscreen(clientID, m.Enabled))

	case msgDisplayMonitor:
		var m struct {
			Index int `json:"index"`
		}
		if err := req.decode(&m); err != nil {
			c.fail(req, err)
			return
		}
		c.result(req, nil, mgr.SetMonitor(clientID, m.Index))

	case msgDeviceConnect, msgDeviceDisconnect, msgDeviceList:
		c.handleDevice(req)

	case msgFileList, msgFileCancel:
		c.handleFile(req)

	default:
		c.fail(req, gwerrors.Newf(gwerrors.InvalidConfig, "server.read", "unknown message type %q", req.Type))
	}
}

func (c *client) result(req inbound, data any, err error) {
	if err != nil {
		c.fail(req, err)
		return
	}
	c.reply(req, data)
}

// background runs a long operation off the read loop and replies with its
// result. Only one runs at a time per client.
func (c *client) background(req inbound, fn func() (any, error)) {
	if !c.busy.CompareAndSwap(false, true) {
		c.fail(req, gwerrors.Newf(gwerrors.Conflict, "server."+req.Type, "a connect is already in progress"))
		return
	}
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		data, err := fn()
		c.busy.Store(false)
		c.result(req, data, err)
	}()
}

func (c *client) connect(cfg session.Config) (any, error) {
	c.mu.Lock()
	c.lastConfig = &cfg
	c.mu.Unlock()

	sess, err := c.srv.deps.Manager.CreateSession(c.ctx, c.id.ClientID, cfg)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

// reconnect ends the current session, if any, and creates a new one with
// exponential backoff. Only connect failures are retried.
func (c *client) reconnect(req inbound, cfg *session.Config) (any, error) {
	mgr := c.srv.deps.Manager
	c.mu.Lock()
	if cfg == nil {
		cfg = c.lastConfig
	} else {
		c.lastConfig = cfg
	}
	c.mu.Unlock()
	if cfg == nil {
		return nil, gwerrors.Newf(gwerrors.InvalidConfig, "server.reconnect", "no previous connect to repeat")
	}

	if _, ok := mgr.GetByClient(c.id.ClientID); ok {
		mgr.DisconnectByClient(c.id.ClientID)
	}

	rc := c.srv.cfg.Reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.MaxElapsedTime = rc.MaxElapsed

	var sess *session.Session
	attempt := 0
	op := func() error {
		attempt++
		s, err := mgr.CreateSession(c.ctx, c.id.ClientID, *cfg)
		if err != nil {
			if gwerrors.IsConnectError(err) && c.ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		sess = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.push(outbound{ID: req.ID, Type: replyReconnecting, Data: map[string]any{
			"attempt":     attempt,
			"retry_in_ms": wait.Milliseconds(),
		}, Error: toWireError(err)})
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, c.ctx), notify); err != nil {
		c.logger.Warn("reconnect gave up", zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	return sess.Snapshot(), nil
}

func (c *client) handleDevice(req inbound) {
	devices := c.srv.deps.Devices
	if devices == nil {
		c.fail(req, gwerrors.Newf(gwerrors.NotFound, "server.device", "device redirection is not enabled"))
		return
	}
	sess, ok := c.srv.deps.Manager.GetByClient(c.id.ClientID)
	if !ok {
		c.fail(req, gwerrors.E(gwerrors.NotFound, "server.device", c.id.ClientID, nil))
		return
	}

	switch req.Type {
	case msgDeviceConnect:
		var spec redirect.DeviceSpec
		if err := req.decode(&spec); err != nil {
			c.fail(req, err)
			return
		}
		d, err := devices.Connect(sess.ID(), spec, nil)
		c.result(req, d, err)
	case msgDeviceDisconnect:
		var m struct {
			DeviceID string `json:"device_id"`
		}
		if err := req.decode(&m); err != nil {
			c.fail(req, err)
			return
		}
		c.result(req, nil, devices.Disconnect(sess.ID(), m.DeviceID))
	case msgDeviceList:
		c.reply(req, devices.List(sess.ID()))
	}
}

func (c *client) handleFile(req inbound) {
	transfers := c.srv.deps.Transfers
	if transfers == nil {
		c.fail(req, gwerrors.Newf(gwerrors.NotFound, "server.file", "file transfer is not enabled"))
		return
	}
	sess, ok := c.srv.deps.Manager.GetByClient(c.id.ClientID)
	if !ok {
		c.fail(req, gwerrors.E(gwerrors.NotFound, "server.file", c.id.ClientID, nil))
		return
	}

	switch req.Type {
	case msgFileList:
		c.reply(req, transfers.List(sess.ID()))
	case msgFileCancel:
		var m struct {
			TransferID string `json:"transfer_id"`
		}
		if err := req.decode(&m); err != nil {
			c.fail(req, err)
			return
		}
		c.result(req, nil, transfers.Cancel(sess.ID(), m.TransferID))
	}
}
