package redirect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// DiskCodec stores transferred files on the local filesystem.
type DiskCodec struct {
	dir     string
	maxSize int64
}

type diskMeta struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDiskCodec creates a DiskCodec rooted at dir.
//
// Parameters:
//   - dir: Directory to store files in, created if missing
//   - maxSize: Maximum file size in bytes (0 = no limit)
func NewDiskCodec(dir string, maxSize int64) (*DiskCodec, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCodec{dir: dir, maxSize: maxSize}, nil
}

func (c *DiskCodec) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", gwerrors.Newf(gwerrors.InvalidConfig, "redirect.disk", "invalid key %q", key)
	}
	return filepath.Join(c.dir, key), nil
}

func (c *DiskCodec) metaPath(path string) string {
	return path + ".meta"
}

// Put implements Codec. The file is written to a temporary name and
// renamed into place, so a failed write never leaves a partial object.
func (c *DiskCodec) Put(ctx context.Context, key string, r io.Reader, info ObjectInfo) (int64, error) {
	path, err := c.path(key)
	if err != nil {
		return 0, err
	}
	if c.maxSize > 0 && info.Size > c.maxSize {
		return 0, ErrTooLarge
	}

	f, err := os.CreateTemp(c.dir, "."+key+".*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	reader := io.Reader(ctxReader{ctx: ctx, r: r})
	if c.maxSize > 0 {
		reader = io.LimitReader(reader, c.maxSize+1) // +1 to detect overflow
	}
	written, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, err
	}
	if c.maxSize > 0 && written > c.maxSize {
		return written, ErrTooLarge
	}

	if err := os.Rename(tmp, path); err != nil {
		return written, err
	}
	meta, err := json.Marshal(diskMeta{
		Filename:    info.Name,
		ContentType: info.ContentType,
		Size:        written,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return written, err
	}
	if err := os.WriteFile(c.metaPath(path), meta, 0o644); err != nil {
		return written, fmt.Errorf("write meta: %w", err)
	}
	return written, nil
}

// Get implements Codec.
func (c *DiskCodec) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	path, err := c.path(key)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, gwerrors.E(gwerrors.NotFound, "redirect.disk", key, nil)
		}
		return 0, err
	}
	defer f.Close()
	return io.Copy(ctxWriter{ctx: ctx, w: w}, f)
}

// Stat returns the stored metadata of key.
func (c *DiskCodec) Stat(key string) (ObjectInfo, error) {
	path, err := c.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	data, err := os.ReadFile(c.metaPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, gwerrors.E(gwerrors.NotFound, "redirect.disk", key, nil)
		}
		return ObjectInfo{}, err
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Name: meta.Filename, ContentType: meta.ContentType, Size: meta.Size}, nil
}

// Delete implements Codec.
func (c *DiskCodec) Delete(_ context.Context, key string) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(c.metaPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep removes files not modified since maxAge ago, including ones no
// registry knows about after a restart.
func (c *DiskCodec) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(c.dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
