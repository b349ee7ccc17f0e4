package compact

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Storage is the production ObjectStorage backed by an S3-compatible
// object store: byte-range GetObject reads and the SDK's multipart upload
// manager, the same client and uploader pairing the teacher project uses
// for its inventory fetch/download paths.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Storage creates an S3Storage using default AWS configuration
// (environment, shared config, or instance role).
func NewS3Storage(ctx context.Context) (*S3Storage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3StorageWithConfig(cfg), nil
}

// NewS3StorageWithConfig creates an S3Storage from an already-resolved AWS
// config, for callers that need custom credentials or endpoint resolution
// (e.g. an S3-compatible store other than AWS).
func NewS3StorageWithConfig(cfg aws.Config) *S3Storage {
	client := s3.NewFromConfig(cfg)
	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// RangeRead fetches [start, end) of the object at key in bucket.
func (s *S3Storage) RangeRead(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end-1)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: range read s3://%s/%s [%d,%d): %v", ErrReadFailure, bucket, key, start, end, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body s3://%s/%s: %v", ErrReadFailure, bucket, key, err)
	}
	return data, nil
}

// Size returns the total size of the object at key in bucket.
func (s *S3Storage) Size(ctx context.Context, bucket, key string) (int64, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: head s3://%s/%s: %v", ErrReadFailure, bucket, key, err)
	}
	if resp.ContentLength == nil {
		return 0, fmt.Errorf("%w: head s3://%s/%s: missing content length", ErrReadFailure, bucket, key)
	}
	return *resp.ContentLength, nil
}

// Put uploads the entirety of data to key in bucket in one call.
func (s *S3Storage) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("%w: put s3://%s/%s: %v", ErrWriteFailure, bucket, key, err)
	}
	return nil
}

// NewMultipartWriter begins a chunked upload to key in bucket. Parts are
// buffered until they reach partSize (S3 requires all but the last part to
// meet a minimum size), then flushed via the SDK's multipart upload
// manager.
func (s *S3Storage) NewMultipartWriter(ctx context.Context, bucket, key string, partSize int64) (MultipartWriter, error) {
	pr, pw := io.Pipe()
	w := &s3MultipartWriter{pw: pw, done: make(chan error, 1)}

	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		}, func(u *manager.Uploader) {
			u.PartSize = partSize
		})
		pr.CloseWithError(err)
		w.done <- err
	}()

	return w, nil
}

// s3MultipartWriter streams writes into the uploader's pipe, letting the
// SDK's own multipart manager handle part sizing, parallelism, and
// completion.
type s3MultipartWriter struct {
	pw   *io.PipeWriter
	done chan error
	size int64
}

func (w *s3MultipartWriter) WritePart(ctx context.Context, data []byte) error {
	n, err := w.pw.Write(data)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("%w: multipart write: %v", ErrWriteFailure, err)
	}
	return nil
}

func (w *s3MultipartWriter) Close(ctx context.Context) (int64, error) {
	if err := w.pw.Close(); err != nil {
		return 0, fmt.Errorf("%w: close multipart pipe: %v", ErrWriteFailure, err)
	}
	if err := <-w.done; err != nil {
		return 0, fmt.Errorf("%w: complete multipart upload: %v", ErrWriteFailure, err)
	}
	return w.size, nil
}

func (w *s3MultipartWriter) Abort(ctx context.Context) error {
	_ = w.pw.CloseWithError(fmt.Errorf("aborted"))
	<-w.done
	return nil
}
