package session

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/audit"
	"github.com/deskgate/deskgate/pkg/metrics"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/transport"
)

const tracerName = "github.com/deskgate/deskgate/pkg/session"

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// ConnectTimeout bounds dial, TLS and the wait for the host confirm
	// when a session does not set its own.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// FrameRate is how often per second each session's pump drains.
	// Default: 30.
	FrameRate int

	// FrameBufferSize bounds each connection's video frame queue.
	// Default: 256.
	FrameBufferSize int

	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int

	// IdleTimeout disconnects sessions without activity for this long.
	// Zero disables the sweep.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	// Default: 30 seconds.
	SweepInterval time.Duration

	// TLS is the base policy for sessions that enable TLS. Certificates
	// are verified unless InsecureSkipVerify is set here, or the session
	// asks for it and AllowInsecureTLS is true.
	TLS transport.TLSConfig

	// AllowInsecureTLS lets a session opt out of certificate checks.
	AllowInsecureTLS bool
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:  10 * time.Second,
		FrameRate:       DefaultFrameRate,
		FrameBufferSize: 256,
		SweepInterval:   30 * time.Second,
	}
}

func (c *ManagerConfig) applyDefaults() {
	d := DefaultManagerConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.FrameBufferSize <= 0 {
		c.FrameBufferSize = d.FrameBufferSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
}

// Option configures a Manager's collaborators.
type Option func(*Manager)

// WithLogger sets the logger. Default: no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics collector. Default: none.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithAudit sets the audit sink. It must not block. Default: discard.
func WithAudit(sink audit.Sink) Option {
	return func(m *Manager) { m.audit = sink }
}

// WithDialer overrides the TCP dialer used for host connections.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithTracer sets the tracer. Default: the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithBus makes the manager publish on an existing bus.
func WithBus(b *Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// Stats summarizes manager activity.
type Stats struct {
	Active     int    `json:"active"`
	Connecting int    `json:"connecting"`
	Peak       int    `json:"peak"`
	Created    uint64 `json:"created"`
	Closed     uint64 `json:"closed"`
	Failed     uint64 `json:"failed"`
}

// Manager is the single owner of sessions. It creates and removes them,
// indexes them by session and client ID, and publishes their events.
//
// A client has at most one session at a time.
type Manager struct {
	cfg     ManagerConfig
	bus     *Bus
	logger  *zap.Logger
	base    *zap.Logger // caller's logger, without the component field
	metrics *metrics.Collector
	audit   audit.Sink
	dialer  transport.Dialer
	tracer  trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[string]*Session
	closing  bool
	peak     int
	inflight sync.WaitGroup

	// ctx is cancelled by Shutdown to abort in-flight connects.
	ctx    context.Context
	cancel context.CancelFunc

	connIDs  atomic.Uint32
	created  atomic.Uint64
	closed   atomic.Uint64
	failed   atomic.Uint64
	shutdown sync.Once
	done     chan struct{}
}

// NewManager creates a manager and starts its idle sweep.
func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byClient: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.base = m.logger
	m.logger = m.logger.With(zap.String("component", "session_manager"))
	if m.audit == nil {
		m.audit = audit.Discard
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if m.bus == nil {
		m.bus = NewBus(m.logger)
	}
	if m.metrics != nil && m.bus.onPanic == nil {
		m.bus.onPanic = m.metrics.SubscriberPanicked
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.sweepLoop()
	return m
}

// Bus returns the event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Subscribe is shorthand for m.Bus().Subscribe.
func (m *Manager) Subscribe(fn Subscriber, types ...EventType) func() {
	return m.bus.Subscribe(fn, types...)
}

// CreateSession registers a new session for clientID and connects it.
//
// It blocks until the host confirms or the connect fails. On failure the
// session, now in StatusError, is returned together with the error and is
// no longer registered. A client that already owns a session gets
// ErrConflict; a manager that is shutting down gets ErrShuttingDown.
func (m *Manager) CreateSession(ctx context.Context, clientID string, cfg Config) (*Session, error) {
	const op = "session.create"
	if clientID == "" {
		return nil, gwerrors.Newf(gwerrors.InvalidConfig, op, "client id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("deskgate.client_id", clientID),
		attribute.String("net.peer.name", cfg.Host),
		attribute.Int("net.peer.port", cfg.Port),
		attribute.Bool("deskgate.tls", cfg.EnableTLS),
	))
	defer span.End()

	s, err := m.register(clientID, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer m.inflight.Done()
	defer close(s.settled)
	span.SetAttributes(attribute.String("deskgate.session_id", s.id))

	m.created.Add(1)
	m.metrics.SessionCreated()
	m.bus.Publish(Event{Type: EventSessionCreated, SessionID: s.id, ClientID: clientID, Payload: s.Snapshot()})
	m.audit.Record(audit.Event{Type: audit.SessionCreated, SessionID: s.id, ClientID: clientID, Host: addr, At: time.Now()})

	// Shutdown cancels m.ctx; tie it to the caller's context.
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	start := time.Now()
	if err := s.connect(connectCtx, m.transportOptions(s), m.cfg.FrameRate); err != nil {
		m.remove(s)
		m.failed.Add(1)
		if m.isClosing() {
			err = gwerrors.E(gwerrors.ShuttingDown, op, s.id, err)
		}
		kind := gwerrors.KindOf(err)
		m.metrics.ConnectFailed(kind.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("connect failed",
			zap.String("session_id", s.id),
			zap.String("client_id", clientID),
			zap.String("addr", addr),
			zap.Stringer("kind", kind),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		m.bus.Publish(Event{Type: EventSessionError, SessionID: s.id, ClientID: clientID, Payload: s.Snapshot(), Err: err})
		m.audit.Record(audit.Event{Type: audit.SessionError, SessionID: s.id, ClientID: clientID, Host: addr, Detail: err.Error(), At: time.Now()})
		return s, err
	}

	m.metrics.SessionConnected(time.Since(start))
	m.audit.Record(audit.Event{Type: audit.SessionConnected, SessionID: s.id, ClientID: clientID, Host: addr, At: time.Now()})
	span.SetStatus(codes.Ok, "")
	return s, nil
}

// register reserves the client slot and adds the session to the maps.
// On success the caller owns one inflight count.
func (m *Manager) register(clientID string, cfg Config) (*Session, error) {
	const op = "session.create"
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, gwerrors.E(gwerrors.ShuttingDown, op, clientID, nil)
	}
	if existing, ok := m.byClient[clientID]; ok {
		return nil, gwerrors.Newf(gwerrors.Conflict, op, "client %s already owns session %s", clientID, existing.id)
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, gwerrors.Newf(gwerrors.LimitExceeded, op, "%d sessions already open", len(m.sessions))
	}

	s := newSession(uuid.NewString(), clientID, cfg, m.bus, m.logger)
	s.onEnd = m.sessionEnded
	if m.metrics != nil {
		s.onFrame = m.metrics.FramePumped
	}
	m.sessions[s.id] = s
	m.byClient[clientID] = s
	if n := len(m.sessions); n > m.peak {
		m.peak = n
	}
	m.inflight.Add(1)
	return s, nil
}

func (m *Manager) transportOptions(s *Session) transport.Options {
	cfg := s.cfg
	opts := transport.Options{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ConnectTimeout:  m.cfg.ConnectTimeout,
		ConnID:          m.connIDs.Add(1),
		Request:         cfg.request(),
		FrameBufferSize: m.cfg.FrameBufferSize,
		Dialer:          m.dialer,
		Logger:          m.base.With(zap.String("session_id", s.id), zap.String("client_id", s.clientID)),
	}
	if cfg.ConnectTimeout > 0 {
		opts.ConnectTimeout = cfg.ConnectTimeout
	}
	if m.metrics != nil {
		opts.Observer = m.metrics
	}
	if cfg.EnableTLS {
		t := m.cfg.TLS
		if cfg.InsecureSkipVerify {
			if m.cfg.AllowInsecureTLS {
				t.InsecureSkipVerify = true
			} else {
				s.logger.Warn("insecure tls requested but not allowed; verifying")
			}
		}
		opts.TLS = &t
	}
	return opts
}

// remove drops s from the maps if it is still the registered entry.
func (m *Manager) remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] != s {
		return false
	}
	delete(m.sessions, s.id)
	if m.byClient[s.clientID] == s {
		delete(m.byClient, s.clientID)
	}
	return true
}

// sessionEnded runs once when a connected session becomes disconnected.
func (m *Manager) sessionEnded(s *Session) {
	m.remove(s)
	m.closed.Add(1)
	m.metrics.SessionEnded(StatusDisconnected.String(), time.Since(s.createdAt))

	ev := audit.Event{
		Type:      audit.SessionDisconnected,
		SessionID: s.id,
		ClientID:  s.clientID,
		Host:      net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		At:        time.Now(),
	}
	if err := s.Err(); err != nil {
		ev.Detail = err.Error()
	}
	m.audit.Record(ev)
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// GetByClient returns the client's live session.
func (m *Manager) GetByClient(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byClient[clientID]
	return s, ok
}

// ListAll returns live sessions, oldest first.
func (m *Manager) ListAll() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns activity counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{Peak: m.peak}
	for _, s := range m.sessions {
		switch s.Status() {
		case StatusConnected:
			st.Active++
		case StatusConnecting:
			st.Connecting++
		}
	}
	m.mu.RUnlock()

	st.Created = m.created.Load()
	st.Closed = m.closed.Load()
	st.Failed = m.failed.Load()
	return st
}

// Disconnect ends a session by ID.
func (m *Manager) Disconnect(sessionID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return gwerrors.E(gwerrors.NotFound, "session.disconnect", sessionID, nil)
	}
	return s.Disconnect()
}

// DisconnectByClient ends the client's session. A client without one is
// logged and ignored; the result reports whether a session was found.
func (m *Manager) DisconnectByClient(clientID string) bool {
	s, ok := m.GetByClient(clientID)
	if !ok {
		m.logger.Warn("disconnect for client without session", zap.String("client_id", clientID))
		return false
	}
	s.Disconnect()
	return true
}

func (m *Manager) clientSession(op, clientID string) (*Session, error) {
	s, ok := m.GetByClient(clientID)
	if !ok {
		return nil, gwerrors.E(gwerrors.NotFound, op, clientID, nil)
	}
	return s, nil
}

// ForwardInput sends input to the client's session.
func (m *Manager) ForwardInput(clientID string, in protocol.Input) error {
	s, err := m.clientSession("session.input", clientID)
	if err != nil {
		return err
	}
	return s.ForwardInput(in)
}

// SetClipboard pushes clipboard content through the client's session.
func (m *Manager) SetClipboard(clientID string, format protocol.ClipboardFormat, data []byte) error {
	s, err := m.clientSession("session.clipboard", clientID)
	if err != nil {
		return err
	}
	return s.SetClipboard(format, data)
}

// RequestClipboard asks the client's host for its clipboard.
func (m *Manager) RequestClipboard(clientID string, format protocol.ClipboardFormat) error {
	s, err := m.clientSession("session.clipboard", clientID)
	if err != nil {
		return err
	}
	return s.RequestClipboard(format)
}

// ChangeQuality sets the client's stream quality.
func (m *Manager) ChangeQuality(clientID string, q protocol.Quality) error {
	s, err := m.clientSession("session.quality", clientID)
	if err != nil {
		return err
	}
	return s.ChangeQuality(q)
}

// SetFullscreen sets the client's fullscreen preference.
func (m *Manager) SetFullscreen(clientID string, on bool) error {
	s, err := m.clientSession("session.fullscreen", clientID)
	if err != nil {
		return err
	}
	return s.SetFullscreen(on)
}

// SetMonitor selects the client's remote monitor.
func (m *Manager) SetMonitor(clientID string, index int) error {
	s, err := m.clientSession("session.monitor", clientID)
	if err != nil {
		return err
	}
	return s.SetMonitor(index)
}

// sweepLoop disconnects idle sessions.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle(time.Now())
		case <-m.done:
			return
		}
	}
}

// sweepIdle disconnects connected sessions idle since before
// now-IdleTimeout and returns how many it ended.
func (m *Manager) sweepIdle(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.IdleTimeout)

	var idle []*Session
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.Status() == StatusConnected && s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.logger.Info("disconnecting idle session",
			zap.String("session_id", s.id),
			zap.Duration("idle", now.Sub(s.LastActivity())))
		s.Disconnect()
	}
	return len(idle)
}

// Shutdown refuses new sessions, aborts connects in flight, waits for
// them to settle, then disconnects every session and clears the maps.
// It returns early with ctx's error if ctx ends first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()
		m.cancel()
		close(m.done)
	})

	settled := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[string]*Session)
	m.byClient = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		s.Disconnect()
	}
	if len(live) > 0 {
		m.logger.Info("manager shut down", zap.Int("disconnected", len(live)))
	}
	return nil
}
