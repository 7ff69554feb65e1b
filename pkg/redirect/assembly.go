package redirect

import (
	"bytes"
	"context"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/protocol"
	"github.com/deskgate/deskgate/pkg/session"
)

// assembly collects the chunks of a host file until the last one arrives.
type assembly struct {
	total    uint32
	received uint32
	size     int64
	parts    [][]byte
}

// ReceiveChunk adds one host chunk to its transfer, creating the transfer
// on the first chunk. When every chunk has arrived the file is stored and
// the transfer completes. A chunk with a bad checksum fails the transfer.
func (r *TransferRegistry) ReceiveChunk(sessionID string, c *protocol.Chunk) (Transfer, error) {
	const op = "redirect.chunk"
	id := c.TransferID.String()

	t, known := r.Get(sessionID, id)
	if !known {
		if err := r.admit(sessionID); err != nil {
			return Transfer{}, err
		}
		nt := &transfer{Transfer: Transfer{
			ID:           id,
			SessionID:    sessionID,
			Direction:    Download,
			FileName:     id,
			Key:          id,
			Status:       TransferInProgress,
			StartedAt:    time.Now(),
			lastActivity: time.Now(),
		}, owner: true}
		switch err := r.store.add(id, nt, r.cfg.MaxPerSession); err {
		case nil:
			t = nt.Transfer
			r.opts.publish(session.EventTransferStatus, sessionID, t, nil)
		case errFull:
			return Transfer{}, r.limitError(sessionID)
		default:
			// Another chunk of the same transfer got there first, or the
			// ID belongs to a different session.
			if t, known = r.Get(sessionID, id); !known {
				return Transfer{}, gwerrors.E(gwerrors.Conflict, op, id, nil)
			}
		}
	}
	if t.Status.Terminal() {
		return t, gwerrors.Newf(gwerrors.InvalidTransition, op, "transfer %s is %s", id, t.Status)
	}

	if !c.Valid() {
		err := gwerrors.Newf(gwerrors.MalformedFrame, op, "chunk %d of %s: checksum mismatch", c.Index, id)
		r.abandon(id, err)
		return t, err
	}

	r.asmMu.Lock()
	a := r.assemblies[id]
	if a == nil {
		a = &assembly{total: c.Total, parts: make([][]byte, c.Total)}
		r.assemblies[id] = a
	}
	if c.Total != a.total || c.Index >= a.total {
		r.asmMu.Unlock()
		err := gwerrors.Newf(gwerrors.MalformedFrame, op, "chunk %d of %d does not match transfer of %d", c.Index, c.Total, a.total)
		r.abandon(id, err)
		return t, err
	}
	if a.parts[c.Index] == nil {
		a.parts[c.Index] = c.Data
		a.received++
		a.size += int64(len(c.Data))
	}
	complete := a.received == a.total
	size := a.size
	progress := float64(a.received) / float64(a.total) * 100
	if complete {
		delete(r.assemblies, id)
	}
	r.asmMu.Unlock()

	if r.cfg.MaxSize > 0 && size > r.cfg.MaxSize {
		err := gwerrors.E(gwerrors.LimitExceeded, op, id, ErrTooLarge)
		r.abandon(id, err)
		return t, err
	}

	r.store.update(id, func(cur *transfer) {
		cur.Size = size
		cur.Transferred = size
		cur.lastActivity = time.Now()
		if progress > cur.Progress {
			cur.Progress = progress
		}
	})
	if !complete {
		t, _ = r.Get(sessionID, id)
		return t, nil
	}

	body := bytes.Join(a.parts, nil)
	mime := mimetype.Detect(body).String()
	r.store.update(id, func(cur *transfer) { cur.MIMEType = mime })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := r.codec.Put(ctx, id, bytes.NewReader(body), ObjectInfo{Name: t.FileName, ContentType: mime, Size: size})
	if err != nil {
		r.abandon(id, err)
		return t, err
	}
	final, changed := r.setStatus(id, TransferCompleted, nil)
	if !changed {
		r.deleteObject(id)
		return final, gwerrors.Newf(gwerrors.InvalidTransition, op, "transfer %s is %s", id, final.Status)
	}
	r.finished(final, nil)
	return final, nil
}

// abandon fails a host transfer and forgets its chunks.
func (r *TransferRegistry) abandon(id string, cause error) {
	r.dropAssembly(id)
	if t, changed := r.setStatus(id, TransferFailed, cause); changed {
		r.finished(t, cause)
	}
	r.opts.Logger.Debug("host transfer abandoned", zap.String("transfer_id", id), zap.Error(cause))
}

func (r *TransferRegistry) dropAssembly(id string) {
	r.asmMu.Lock()
	delete(r.assemblies, id)
	r.asmMu.Unlock()
}
