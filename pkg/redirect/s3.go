package redirect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// S3API is the subset of *s3.Client that S3Codec uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Codec stores transferred files in an S3 bucket.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	codec := redirect.NewS3Codec(s3.NewFromConfig(cfg), "my-bucket", "transfers/", 50<<20)
type S3Codec struct {
	client  S3API
	bucket  string
	prefix  string
	maxSize int64
}

// NewS3Codec creates a codec writing to bucket under prefix.
//
// Parameters:
//   - client: S3 client from aws-sdk-go-v2
//   - bucket: S3 bucket name
//   - prefix: Key prefix (e.g., "transfers/")
//   - maxSize: Maximum file size in bytes (0 = no limit)
func NewS3Codec(client S3API, bucket, prefix string, maxSize int64) *S3Codec {
	return &S3Codec{client: client, bucket: bucket, prefix: prefix, maxSize: maxSize}
}

// NewS3CodecFromEnv loads AWS credentials the default way (environment,
// shared config, instance role) and returns a codec for bucket.
func NewS3CodecFromEnv(ctx context.Context, region, bucket, prefix string, maxSize int64) (*S3Codec, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Codec(s3.NewFromConfig(cfg), bucket, prefix, maxSize), nil
}

// Put implements Codec. The body is buffered so the upload carries an
// exact content length.
func (c *S3Codec) Put(ctx context.Context, key string, r io.Reader, info ObjectInfo) (int64, error) {
	if c.maxSize > 0 && info.Size > c.maxSize {
		return 0, ErrTooLarge
	}

	var buf bytes.Buffer
	reader := io.Reader(ctxReader{ctx: ctx, r: r})
	if c.maxSize > 0 {
		reader = io.LimitReader(reader, c.maxSize+1)
	}
	n, err := io.Copy(&buf, reader)
	if err != nil {
		return n, err
	}
	if c.maxSize > 0 && n > c.maxSize {
		return n, ErrTooLarge
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.prefix + key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"original-filename": info.Name,
			"upload-time":       time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return n, fmt.Errorf("s3 upload failed: %w", err)
	}
	return n, nil
}

// Get implements Codec.
func (c *S3Codec) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return 0, gwerrors.E(gwerrors.NotFound, "redirect.s3", key, nil)
		}
		return 0, fmt.Errorf("s3 get failed: %w", err)
	}
	defer out.Body.Close()
	return io.Copy(ctxWriter{ctx: ctx, w: w}, out.Body)
}

// Delete implements Codec.
func (c *S3Codec) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}
