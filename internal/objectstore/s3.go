// ABOUTME: S3-backed object reader: full fetch, range reads, and presigned GET links.
// ABOUTME: Maps NoSuchKey to artifact.NotFoundError so callers stay storage-agnostic.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/artifact"
)

// GetObjectAPI is the subset of the S3 API used for reads. Implemented by
// *s3.Client.
type GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads exported report objects from the destination bucket.
type S3 struct {
	client  GetObjectAPI
	presign *s3.PresignClient
}

// New creates an S3 reader. presign may be nil when link generation is not
// needed (tests, validation-only paths).
func New(client GetObjectAPI, presign *s3.PresignClient) *S3 {
	return &S3{client: client, presign: presign}
}

// Fetch streams the full object at (bucket, key).
func (s *S3) Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapNotFound(err, bucket, key)
	}
	return out.Body, nil
}

// FetchRange reads bytes [start, end] inclusive.
func (s *S3) FetchRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, mapNotFound(err, bucket, key)
	}
	defer out.Body.Close() //nolint:errcheck
	return io.ReadAll(out.Body)
}

// PresignGet returns a time-limited GET URL for (bucket, key).
func (s *S3) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// mapNotFound converts S3's NoSuchKey into the artifact error taxonomy.
func mapNotFound(err error, bucket, key string) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return &artifact.NotFoundError{Bucket: bucket, Key: key}
	}
	return fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
}
