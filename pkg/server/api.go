package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/auth"
	"github.com/deskgate/deskgate/pkg/session"
)

const maxHistoryLimit = 1000

func identity(r *http.Request) *auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.deps.Manager.Count(),
		"clients":  s.ClientCount(),
	})
}

// handleListSessions lists every live session for admins, otherwise the
// caller's own.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	snaps := []session.Snapshot{}
	if id.Can(auth.PermAdmin) {
		for _, sess := range s.deps.Manager.ListAll() {
			snaps = append(snaps, sess.Snapshot())
		}
	} else if sess, ok := s.deps.Manager.GetByClient(id.ClientID); ok {
		snaps = append(snaps, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

// handleGetSession returns a live session, or an ended one from history.
// Sessions of other clients are reported as missing.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	id := identity(r)

	var snap *session.Snapshot
	if sess, ok := s.deps.Manager.Get(sessionID); ok {
		v := sess.Snapshot()
		snap = &v
	} else if s.deps.History != nil {
		v, err := s.deps.History.Load(r.Context(), sessionID)
		if err != nil {
			s.logger.Warn("history lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		snap = v
	}
	if snap == nil || (snap.ClientID != id.ClientID && !id.Can(auth.PermAdmin)) {
		writeError(w, gwerrors.E(gwerrors.NotFound, "server.session", sessionID, nil))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	id := identity(r)

	sess, ok := s.deps.Manager.Get(sessionID)
	if !ok || (sess.ClientID() != id.ClientID && !id.Can(auth.PermAdmin)) {
		writeError(w, gwerrors.E(gwerrors.NotFound, "server.session", sessionID, nil))
		return
	}
	if err := sess.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, gwerrors.Newf(gwerrors.NotFound, "server.history", "session history is not enabled"))
		return
	}
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, gwerrors.Newf(gwerrors.InvalidConfig, "server.history", "invalid limit %q", v))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	snaps, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.Stats())
}

// currentSession returns the caller's live session.
func (s *Server) currentSession(r *http.Request, op string) (*session.Session, error) {
	id := identity(r)
	sess, ok := s.deps.Manager.GetByClient(id.ClientID)
	if !ok {
		return nil, gwerrors.Newf(gwerrors.NotFound, op, "client %s has no active session", id.ClientID)
	}
	return sess, nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		writeError(w, gwerrors.Newf(gwerrors.NotFound, "server.devices", "device redirection is not enabled"))
		return
	}
	sess, err := s.currentSession(r, "server.devices")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.deps.Devices.List(sess.ID())})
}
