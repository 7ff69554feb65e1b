package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/auth"
	"github.com/deskgate/deskgate/pkg/metrics"
	"github.com/deskgate/deskgate/pkg/middleware"
	"github.com/deskgate/deskgate/pkg/redirect"
	"github.com/deskgate/deskgate/pkg/session"
)

// Deps are the collaborators a Server drives. Manager is required.
type Deps struct {
	Manager   *session.Manager
	Devices   *redirect.DeviceRegistry
	Transfers *redirect.TransferRegistry
	History   session.Store

	// Verifier authenticates clients. Without one every client is trusted
	// and names itself with the X-Client-ID header or client_id query
	// parameter.
	Verifier auth.Verifier

	Metrics *metrics.Collector

	// Registry, when set, records HTTP metrics and is served at /metrics.
	Registry *prometheus.Registry

	Logger *zap.Logger
}

// Server is the client-facing control channel: a WebSocket endpoint
// plus a small REST API over the session manager and registries.
type Server struct {
	cfg            Config
	deps           Deps
	logger         *zap.Logger
	router         chi.Router
	upgrader       websocket.Upgrader
	trustedProxies *proxyMatcher

	mu      sync.Mutex
	clients map[*client]struct{}
	httpSrv *http.Server
	closed  bool
}

// New creates a server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Manager == nil {
		return nil, gwerrors.Newf(gwerrors.InvalidConfig, "server.new", "session manager is required")
	}
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("component", "control_server")),
		clients: make(map[*client]struct{}),
	}
	s.trustedProxies = newProxyMatcher(cfg.TrustedProxies, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   16384,
		CheckOrigin:       s.checkOrigin,
		EnableCompression: cfg.EnableCompression,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover(s.logger))
	if s.deps.Registry != nil {
		r.Use(middleware.Prometheus(middleware.WithRegistry(s.deps.Registry)))
	}
	r.Use(middleware.OpenTelemetry(middleware.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
	})))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate())

		r.With(auth.RequirePermission(auth.PermSession)).Get("/ws", s.handleWebSocket)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.RequestLogger(s.logger))

			r.Get("/sessions", s.handleListSessions)
			r.With(auth.RequirePermission(auth.PermAdmin)).Get("/sessions/history", s.handleHistory)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.With(auth.RequirePermission(auth.PermSession)).Delete("/sessions/{id}", s.handleDeleteSession)
			r.With(auth.RequirePermission(auth.PermAdmin)).Get("/stats", s.handleStats)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequirePermission(auth.PermFiles))
				r.Post("/files", s.handleUpload)
				r.Get("/files", s.handleListFiles)
				r.Get("/files/{id}", s.handleDownload)
				r.Delete("/files/{id}", s.handleCancelFile)
			})
			r.With(auth.RequirePermission(auth.PermDevices)).Get("/devices", s.handleListDevices)
		})
	})
	return r
}

// authenticate verifies tokens when a Verifier is configured, and
// otherwise trusts the client's own ID.
func (s *Server) authenticate() func(http.Handler) http.Handler {
	if s.deps.Verifier != nil {
		return auth.Middleware(s.deps.Verifier, auth.MiddlewareConfig{QueryParam: s.cfg.TokenQueryParam, Logger: s.logger})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := r.Header.Get("X-Client-ID")
			if clientID == "" {
				clientID = r.URL.Query().Get("client_id")
			}
			if clientID == "" {
				writeError(w, gwerrors.Newf(gwerrors.Unauthorized, "server.auth", "client id is required"))
				return
			}
			id := &auth.Identity{ClientID: clientID, Permissions: []string{auth.PermAdmin}}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		return false
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return gwerrors.E(gwerrors.ShuttingDown, "server.serve", "", nil)
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("control server listening", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes every control client, which disconnects their
// sessions, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.httpSrv
	s.mu.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	for _, c := range clients {
		select {
		case <-c.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ClientCount returns the number of connected control clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
