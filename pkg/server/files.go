package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/redirect"
)

func (s *Server) transfersEnabled(w http.ResponseWriter) bool {
	if s.deps.Transfers == nil {
		writeError(w, gwerrors.Newf(gwerrors.NotFound, "server.files", "file transfer is not enabled"))
		return false
	}
	return true
}

// handleUpload stores a client file for the caller's session. The body
// is either the raw file, named by the name query parameter, or a
// multipart form whose first file part is used. The response is sent
// once the file is stored.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.transfersEnabled(w) {
		return
	}
	sess, err := s.currentSession(r, "server.upload")
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	name := r.URL.Query().Get("name")
	size := r.ContentLength
	var body io.Reader = r.Body

	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, gwerrors.E(gwerrors.InvalidConfig, "server.upload", "", err))
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("no file part")
				}
				writeError(w, gwerrors.E(gwerrors.InvalidConfig, "server.upload", "", err))
				return
			}
			if part.FileName() != "" {
				name, body, size = part.FileName(), part, 0
				break
			}
			part.Close()
		}
	}
	if size < 0 {
		size = 0
	}

	type result struct {
		t   redirect.Transfer
		err error
	}
	done := make(chan result, 1)
	_, err = s.deps.Transfers.Upload(sess.ID(), name, size, body, func(t redirect.Transfer, err error) {
		done <- result{t, err}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	res := <-done
	if res.err != nil {
		writeError(w, res.err)
		return
	}
	writeJSON(w, http.StatusCreated, res.t)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if !s.transfersEnabled(w) {
		return
	}
	sess, err := s.currentSession(r, "server.files")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": s.deps.Transfers.List(sess.ID())})
}

// handleDownload streams a completed transfer, either a client upload or
// a file the host sent.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !s.transfersEnabled(w) {
		return
	}
	sess, err := s.currentSession(r, "server.download")
	if err != nil {
		writeError(w, err)
		return
	}
	transferID := chi.URLParam(r, "id")
	src, ok := s.deps.Transfers.Get(sess.ID(), transferID)
	if !ok {
		writeError(w, gwerrors.E(gwerrors.NotFound, "server.download", transferID, nil))
		return
	}

	// Headers are committed on the first body write, so a failure before
	// any byte is copied can still become a JSON error.
	hw := &headerWriter{w: w, header: func() {
		contentType := src.MIMEType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": src.FileName}))
		if src.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(src.Size, 10))
		}
	}}

	done := make(chan error, 1)
	if _, err := s.deps.Transfers.Download(sess.ID(), transferID, hw, func(_ redirect.Transfer, err error) {
		done <- err
	}); err != nil {
		writeError(w, err)
		return
	}
	if err := <-done; err != nil {
		if !hw.started {
			writeError(w, err)
			return
		}
		s.logger.Warn("download interrupted", zap.String("transfer_id", transferID), zap.Error(err))
		return
	}
	if !hw.started {
		hw.header()
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleCancelFile(w http.ResponseWriter, r *http.Request) {
	if !s.transfersEnabled(w) {
		return
	}
	sess, err := s.currentSession(r, "server.files")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Transfers.Cancel(sess.ID(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type headerWriter struct {
	w       http.ResponseWriter
	header  func()
	started bool
}

func (h *headerWriter) Write(p []byte) (int, error) {
	if !h.started {
		h.started = true
		h.header()
		h.w.WriteHeader(http.StatusOK)
	}
	return h.w.Write(p)
}
