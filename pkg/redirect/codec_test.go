package redirect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

func TestDiskCodec(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCodec(dir, 0)
	require.NoError(t, err)
	ctx := context.Background()

	n, err := c.Put(ctx, "k1", strings.NewReader("payload"), ObjectInfo{Name: "a.txt", ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	var buf bytes.Buffer
	_, err = c.Get(ctx, "k1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", buf.String())

	info, err := c.Stat("k1")
	require.NoError(t, err)
	assert.Equal(t, ObjectInfo{Name: "a.txt", ContentType: "text/plain", Size: 7}, info)

	require.NoError(t, c.Delete(ctx, "k1"))
	require.NoError(t, c.Delete(ctx, "k1"), "deleting twice is fine")
	_, err = c.Get(ctx, "k1", io.Discard)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound))
}

func TestDiskCodecRejectsBadKeys(t *testing.T) {
	c, err := NewDiskCodec(t.TempDir(), 0)
	require.NoError(t, err)

	for _, key := range []string{"", ".", "..", "a/b", `a\b`, "../escape"} {
		_, err := c.Put(context.Background(), key, strings.NewReader("x"), ObjectInfo{})
		assert.True(t, errors.Is(err, gwerrors.ErrInvalidConfig), "key %q", key)
	}
}

func TestDiskCodecMaxSize(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCodec(dir, 4)
	require.NoError(t, err)

	_, err = c.Put(context.Background(), "declared", strings.NewReader("x"), ObjectInfo{Size: 5})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = c.Put(context.Background(), "actual", strings.NewReader("12345"), ObjectInfo{})
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial files are left behind")
}

func TestDiskCodecCancelledPut(t *testing.T) {
	c, err := NewDiskCodec(t.TempDir(), 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Put(ctx, "k", strings.NewReader("data"), ObjectInfo{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = c.Get(context.Background(), "k", io.Discard)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound))
}

func TestDiskCodecSweep(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCodec(dir, 0)
	require.NoError(t, err)

	_, err = c.Put(context.Background(), "old", strings.NewReader("o"), ObjectInfo{})
	require.NoError(t, err)
	_, err = c.Put(context.Background(), "new", strings.NewReader("n"), ObjectInfo{})
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old"), past, past))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.meta"), past, past))

	removed, err := c.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = c.Stat("new")
	assert.NoError(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Codec(t *testing.T) {
	api := newFakeS3()
	c := NewS3Codec(api, "bucket", "transfers/", 0)
	ctx := context.Background()

	n, err := c.Put(ctx, "k1", strings.NewReader("hello s3"), ObjectInfo{Name: "h.txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	require.Len(t, api.puts, 1)
	put := api.puts[0]
	assert.Equal(t, "bucket", aws.ToString(put.Bucket))
	assert.Equal(t, "transfers/k1", aws.ToString(put.Key))
	assert.Equal(t, int64(8), aws.ToInt64(put.ContentLength))
	assert.Equal(t, "application/octet-stream", aws.ToString(put.ContentType))
	assert.Equal(t, "h.txt", put.Metadata["original-filename"])

	var buf bytes.Buffer
	_, err = c.Get(ctx, "k1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello s3", buf.String())

	require.NoError(t, c.Delete(ctx, "k1"))
	_, err = c.Get(ctx, "k1", io.Discard)
	assert.True(t, errors.Is(err, gwerrors.ErrNotFound))
}

func TestS3CodecMaxSize(t *testing.T) {
	api := newFakeS3()
	c := NewS3Codec(api, "bucket", "", 3)

	_, err := c.Put(context.Background(), "k", strings.NewReader("four"), ObjectInfo{})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, api.puts)
}

func TestTransfersOverS3(t *testing.T) {
	api := newFakeS3()
	r := NewTransferRegistry(NewS3Codec(api, "bucket", "t/", 0), TransferRegistryConfig{}, Options{})
	defer r.Close(context.Background())

	done, results := awaitTransfer()
	up, err := r.Upload("s1", "img.png", 0, bytes.NewReader(pngHeader), done)
	require.NoError(t, err)
	assert.Equal(t, "image/png", up.MIMEType)
	require.NoError(t, (<-results).err)

	api.mu.Lock()
	assert.Equal(t, "image/png", aws.ToString(api.puts[0].ContentType))
	api.mu.Unlock()
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
