package redirect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/audit"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/session"
)

// sniffLen is how many leading bytes are read to detect the MIME type.
const sniffLen = 3072

// Direction of a transfer relative to the client.
type Direction string

const (
	// Upload moves a file from the client towards the host.
	Upload Direction = "upload"
	// Download moves a file from storage or the host to the client.
	Download Direction = "download"
)

// TransferStatus is the lifecycle state of a transfer. It only moves
// forward: pending, in-progress, then one of the terminal states.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in-progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferCancelled  TransferStatus = "cancelled"
)

// Terminal reports whether no further change is possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferCancelled
}

func (s TransferStatus) rank() int {
	switch s {
	case TransferPending:
		return 0
	case TransferInProgress:
		return 1
	default:
		return 2
	}
}

// canAdvance reports whether from may move to to.
func canAdvance(from, to TransferStatus) bool {
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Transfer is a file transfer as seen by callers.
type Transfer struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Direction   Direction      `json:"direction"`
	FileName    string         `json:"file_name"`
	Key         string         `json:"key"`
	Size        int64          `json:"size"`
	MIMEType    string         `json:"mime_type,omitempty"`
	Status      TransferStatus `json:"status"`
	Progress    float64        `json:"progress"`
	Transferred int64          `json:"transferred"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Error       string         `json:"error,omitempty"`

	lastActivity time.Time
}

type transfer struct {
	Transfer
	cancel context.CancelFunc
	// owner marks the transfer that created the stored object.
	owner bool
}

func (t *transfer) sessionID() string   { return t.SessionID }
func (t *transfer) activity() time.Time { return t.lastActivity }

func (t *transfer) advance(to TransferStatus, err error) bool {
	if !canAdvance(t.Status, to) {
		return false
	}
	t.Status = to
	t.lastActivity = time.Now()
	if to.Terminal() {
		end := t.lastActivity
		t.EndedAt = &end
		if to == TransferCompleted {
			t.Progress = 100
		}
	}
	if err != nil {
		t.Error = err.Error()
	}
	return true
}

func (t *transfer) addProgress(n int64) {
	t.Transferred += n
	t.lastActivity = time.Now()
	if t.Size > 0 {
		p := float64(t.Transferred) / float64(t.Size) * 100
		if p > 100 {
			p = 100
		}
		if p > t.Progress {
			t.Progress = p
		}
	}
}

// TransferOutcome receives the final state of a transfer.
type TransferOutcome func(t Transfer, err error)

// TransferRegistryConfig configures a TransferRegistry.
type TransferRegistryConfig struct {
	// MaxSize caps a single file. Zero means unlimited.
	MaxSize int64

	// IdleTimeout is how long a transfer may go without activity before
	// Cleanup removes it, cancelling it if still running.
	// Default: 1 hour.
	IdleTimeout time.Duration

	// MaxPerSession caps transfers tracked per session. Zero means
	// unlimited.
	MaxPerSession int
}

// TransferRegistry tracks file transfers per session and moves their
// content through a Codec.
type TransferRegistry struct {
	cfg    TransferRegistryConfig
	opts   Options
	codec  Codec
	tracer trace.Tracer
	store  *scoped[*transfer]

	asmMu      sync.Mutex
	assemblies map[string]*assembly

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewTransferRegistry creates a registry storing content through codec.
func NewTransferRegistry(codec Codec, cfg TransferRegistryConfig, opts Options) *TransferRegistry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	opts.applyDefaults("transfer_registry")
	return &TransferRegistry{
		cfg:        cfg,
		opts:       opts,
		codec:      codec,
		tracer:     otel.Tracer("github.com/deskgate/deskgate/pkg/redirect"),
		store:      newScoped[*transfer](),
		assemblies: make(map[string]*assembly),
	}
}

// admit checks that the session may start another transfer. The count
// here only rejects early; insert enforces the limit.
func (r *TransferRegistry) admit(sessionID string) error {
	if sessionID == "" {
		return gwerrors.Newf(gwerrors.InvalidConfig, "redirect.transfer", "session id is required")
	}
	if r.cfg.MaxPerSession > 0 && r.store.count(sessionID) >= r.cfg.MaxPerSession {
		return r.limitError(sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return gwerrors.E(gwerrors.ShuttingDown, "redirect.transfer", sessionID, nil)
	}
	return nil
}

func (r *TransferRegistry) limitError(sessionID string) error {
	return gwerrors.Newf(gwerrors.LimitExceeded, "redirect.transfer", "session %s already has %d transfers", sessionID, r.cfg.MaxPerSession)
}

// insert stores a new transfer unless its session is at the limit.
func (r *TransferRegistry) insert(t *transfer) error {
	switch err := r.store.add(t.ID, t, r.cfg.MaxPerSession); err {
	case nil:
		return nil
	case errFull:
		return r.limitError(t.SessionID)
	default:
		return gwerrors.E(gwerrors.Conflict, "redirect.transfer", t.ID, err)
	}
}

// begin admits a transfer that runs in the background.
func (r *TransferRegistry) begin(sessionID string) error {
	if err := r.admit(sessionID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return gwerrors.E(gwerrors.ShuttingDown, "redirect.transfer", sessionID, nil)
	}
	r.pending.Add(1)
	return nil
}

func (r *TransferRegistry) newTransfer(sessionID string, dir Direction, name string, size int64) *transfer {
	now := time.Now()
	id := uuid.NewString()
	return &transfer{Transfer: Transfer{
		ID:           id,
		SessionID:    sessionID,
		Direction:    dir,
		FileName:     name,
		Key:          id,
		Size:         size,
		Status:       TransferPending,
		StartedAt:    now,
		lastActivity: now,
	}}
}

// Upload stores a client file. The leading bytes of r are read before
// Upload returns, to detect the MIME type; the rest is consumed
// asynchronously. done, which may be nil, receives the outcome. The
// caller must keep r readable until then.
func (r *TransferRegistry) Upload(sessionID, name string, size int64, body io.Reader, done TransferOutcome) (Transfer, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		return Transfer{}, gwerrors.Newf(gwerrors.InvalidConfig, "redirect.upload", "file name is required")
	}
	if r.cfg.MaxSize > 0 && size > r.cfg.MaxSize {
		return Transfer{}, gwerrors.E(gwerrors.LimitExceeded, "redirect.upload", name, ErrTooLarge)
	}
	if err := r.begin(sessionID); err != nil {
		return Transfer{}, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		r.pending.Done()
		return Transfer{}, gwerrors.E(gwerrors.NetworkError, "redirect.upload", name, err)
	}
	head = head[:n]

	t := r.newTransfer(sessionID, Upload, name, size)
	t.MIMEType = mimetype.Detect(head).String()
	t.owner = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if err := r.insert(t); err != nil {
		cancel()
		r.pending.Done()
		return Transfer{}, err
	}
	snapshot := t.Transfer

	reader := io.MultiReader(bytes.NewReader(head), body)
	go r.run(ctx, snapshot, done, func(ctx context.Context, progress func(int64)) (int64, error) {
		info := ObjectInfo{Name: snapshot.FileName, ContentType: snapshot.MIMEType, Size: size}
		return r.codec.Put(ctx, snapshot.Key, &countingReader{r: reader, fn: progress}, info)
	})
	return snapshot, nil
}

// Download streams a completed transfer's content to w as a new transfer.
// The caller must keep w writable until done is called.
func (r *TransferRegistry) Download(sessionID, sourceID string, w io.Writer, done TransferOutcome) (Transfer, error) {
	src, ok := r.Get(sessionID, sourceID)
	if !ok {
		return Transfer{}, gwerrors.E(gwerrors.NotFound, "redirect.download", sourceID, nil)
	}
	if src.Status != TransferCompleted {
		return Transfer{}, gwerrors.Newf(gwerrors.InvalidTransition, "redirect.download", "transfer %s is %s", sourceID, src.Status)
	}
	if err := r.begin(sessionID); err != nil {
		return Transfer{}, err
	}

	t := r.newTransfer(sessionID, Download, src.FileName, src.Size)
	t.Key = src.Key
	t.MIMEType = src.MIMEType
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if err := r.insert(t); err != nil {
		cancel()
		r.pending.Done()
		return Transfer{}, err
	}
	snapshot := t.Transfer

	go r.run(ctx, snapshot, done, func(ctx context.Context, progress func(int64)) (int64, error) {
		return r.codec.Get(ctx, snapshot.Key, &countingWriter{w: w, fn: progress})
	})
	return snapshot, nil
}

type transferWork func(ctx context.Context, progress func(n int64)) (int64, error)

// run drives one transfer through in-progress to a terminal status.
func (r *TransferRegistry) run(ctx context.Context, t Transfer, done TransferOutcome, work transferWork) {
	defer r.pending.Done()

	ctx, span := r.tracer.Start(ctx, "redirect.transfer", trace.WithAttributes(
		attribute.String("deskgate.session_id", t.SessionID),
		attribute.String("deskgate.transfer_id", t.ID),
		attribute.String("deskgate.direction", string(t.Direction)),
		attribute.Int64("deskgate.size", t.Size),
	))
	defer span.End()

	r.setStatus(t.ID, TransferInProgress, nil)

	_, err := work(ctx, func(n int64) {
		r.store.update(t.ID, func(cur *transfer) { cur.addProgress(n) })
	})

	status := TransferCompleted
	if err != nil {
		status = TransferFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	final, changed := r.setStatus(t.ID, status, err)
	if !changed {
		// Cancelled or removed meanwhile; the transfer already ended.
		if status == TransferCompleted && t.Direction == Upload {
			r.deleteObject(t.Key)
		}
		if final.ID == "" {
			final = t
			final.Status = TransferCancelled
		}
		err = gwerrors.E(gwerrors.InvalidTransition, "redirect.transfer", t.ID, fmt.Errorf("transfer %s", final.Status))
	} else {
		r.finished(final, err)
	}
	if done != nil {
		done(final, err)
	}
}

// setStatus advances a transfer and publishes the change. It returns the
// transfer's current state and whether it changed.
func (r *TransferRegistry) setStatus(id string, to TransferStatus, cause error) (Transfer, bool) {
	var cur Transfer
	var changed bool
	r.store.update(id, func(t *transfer) {
		changed = t.advance(to, cause)
		if changed && to.Terminal() && t.cancel != nil {
			t.cancel()
		}
		cur = t.Transfer
	})
	if changed {
		r.opts.publish(session.EventTransferStatus, cur.SessionID, cur, cause)
	}
	return cur, changed
}

func (r *TransferRegistry) finished(t Transfer, err error) {
	r.opts.Metrics.TransferFinished(string(t.Status))
	detail := fmt.Sprintf("%s %q %s", t.Direction, t.FileName, t.Status)
	if err != nil {
		detail += ": " + err.Error()
		r.opts.Logger.Warn("transfer failed",
			zap.String("session_id", t.SessionID),
			zap.String("transfer_id", t.ID),
			zap.Error(err))
	} else {
		r.opts.Logger.Info("transfer finished",
			zap.String("session_id", t.SessionID),
			zap.String("transfer_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Int64("bytes", t.Transferred))
	}
	r.opts.Audit.Record(audit.Event{Type: audit.TransferFinished, SessionID: t.SessionID, Detail: detail, At: time.Now()})
}

// Cancel stops a transfer that has not finished yet.
func (r *TransferRegistry) Cancel(sessionID, transferID string) error {
	if _, ok := r.store.get(sessionID, transferID); !ok {
		return gwerrors.E(gwerrors.NotFound, "redirect.cancel", transferID, nil)
	}
	t, changed := r.setStatus(transferID, TransferCancelled, nil)
	if !changed {
		return gwerrors.Newf(gwerrors.InvalidTransition, "redirect.cancel", "transfer %s is already %s", transferID, t.Status)
	}
	r.dropAssembly(transferID)
	r.finished(t, nil)
	return nil
}

// Get returns a transfer of the session.
func (r *TransferRegistry) Get(sessionID, transferID string) (Transfer, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.items[transferID]
	if !ok || t.SessionID != sessionID {
		return Transfer{}, false
	}
	return t.Transfer, true
}

// List returns the session's transfers.
func (r *TransferRegistry) List(sessionID string) []Transfer {
	return list(r.store, sessionID, func(t *transfer) Transfer { return t.Transfer })
}

// Cleanup removes transfers idle since before now-IdleTimeout, cancelling
// running ones and deleting the content they stored.
func (r *TransferRegistry) Cleanup(now time.Time) int {
	removed := r.store.removeIdle(now.Add(-r.cfg.IdleTimeout))
	r.discard(removed)
	return len(removed)
}

// RemoveSession drops every transfer of a session.
func (r *TransferRegistry) RemoveSession(sessionID string) int {
	removed := r.store.removeSession(sessionID)
	r.discard(removed)
	return len(removed)
}

func (r *TransferRegistry) discard(removed []*transfer) {
	for _, t := range removed {
		r.store.mu.Lock()
		cancel, owner, key, terminal := t.cancel, t.owner, t.Key, t.Status.Terminal()
		if !terminal {
			t.advance(TransferCancelled, nil)
		}
		r.store.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		r.dropAssembly(t.ID)
		if owner && terminal {
			r.deleteObject(key)
		}
	}
}

func (r *TransferRegistry) deleteObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.codec.Delete(ctx, key); err != nil {
		r.opts.Logger.Warn("delete stored file failed", zap.String("key", key), zap.Error(err))
	}
}

// Follow feeds host file chunks into the registry and drops a session's
// transfers when the session ends.
func (r *TransferRegistry) Follow(bus *session.Bus) (unsubscribe func()) {
	return bus.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventFileTransferReceived:
			ft, ok := ev.Payload.(*protocol.FileTransferChunk)
			if !ok {
				return
			}
			chunk, err := protocol.ParseChunk(ft)
			if err != nil {
				r.opts.Logger.Debug("ignoring unparseable file chunk", zap.String("session_id", ev.SessionID), zap.Error(err))
				return
			}
			if _, err := r.ReceiveChunk(ev.SessionID, chunk); err != nil {
				r.opts.Logger.Warn("file chunk rejected", zap.String("session_id", ev.SessionID), zap.Error(err))
			}
		default:
			r.RemoveSession(ev.SessionID)
		}
	}, session.EventFileTransferReceived, session.EventSessionDisconnected, session.EventSessionError)
}

// Close waits for running transfers, or for ctx to end. New transfers are
// refused from the first call on.
func (r *TransferRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingReader struct {
	r  io.Reader
	fn func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.fn(int64(n))
	}
	return n, err
}

type countingWriter struct {
	w  io.Writer
	fn func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.fn(int64(n))
	}
	return n, err
}
