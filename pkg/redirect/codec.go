package redirect

import (
	"context"
	"errors"
	"io"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// ErrTooLarge is returned when a file exceeds the size limit.
var ErrTooLarge = errors.New("redirect: file too large")

// ErrNotFound is returned for unknown devices, transfers and objects.
var ErrNotFound = gwerrors.ErrNotFound

// ObjectInfo describes a stored file.
type ObjectInfo struct {
	Name        string
	ContentType string
	Size        int64
}

// Codec stores and retrieves transferred file content. Implementations
// must be safe for concurrent use and honor ctx cancellation.
type Codec interface {
	// Put stores r under key and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader, info ObjectInfo) (int64, error)

	// Get copies the object at key into w. A missing key yields ErrNotFound.
	Get(ctx context.Context, key string, w io.Writer) (int64, error)

	// Delete removes the object. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// ctxReader fails reads once ctx is done, so a Codec copying from it
// stops promptly on cancel.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}
