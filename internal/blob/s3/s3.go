// Package s3 provides an S3-compatible blob backend with metrics.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
	"github.com/canopysync/canopy/internal/protocol"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Backend implements blob.Backend using S3/MinIO. Blobs live under the
// "blobs/" key prefix, named by content hash.
type Backend struct {
	client *s3.Client
	bucket string
}

// New creates a new S3 blob backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	backend := &Backend{
		client: client,
		bucket: cfg.Bucket,
	}

	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordBackendOperation("s3", "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordBackendOperation("s3", "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

func blobKey(hash string) string {
	return "blobs/" + hash
}

// Get retrieves the content stored under hash.
func (b *Backend) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(hash)),
	})
	if err != nil {
		metrics.RecordBackendOperation("s3", "get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, protocol.NotFound("blob " + hash)
		}
		return nil, 0, fmt.Errorf("get blob %s: %w", hash, err)
	}
	metrics.RecordBackendOperation("s3", "get_object", time.Since(start), true)

	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

// Put uploads content under hash.
func (b *Backend) Put(ctx context.Context, hash string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(blobKey(hash)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		metrics.RecordBackendOperation("s3", "put_object", time.Since(start), false)
		return fmt.Errorf("put blob %s: %w", hash, err)
	}

	metrics.RecordBackendOperation("s3", "put_object", time.Since(start), true)
	logging.Debug("S3 put blob", zap.String("hash", hash), zap.Int64("size", size))
	return nil
}

// Exists checks whether content is stored under hash.
func (b *Backend) Exists(ctx context.Context, hash string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(hash)),
	})
	if err != nil {
		metrics.RecordBackendOperation("s3", "head_object", time.Since(start), false)
		return false, nil
	}

	metrics.RecordBackendOperation("s3", "head_object", time.Since(start), true)
	return true, nil
}

// Delete removes the content under hash.
func (b *Backend) Delete(ctx context.Context, hash string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(hash)),
	})
	if err != nil {
		metrics.RecordBackendOperation("s3", "delete_object", time.Since(start), false)
		return err
	}

	metrics.RecordBackendOperation("s3", "delete_object", time.Since(start), true)
	logging.Debug("S3 delete blob", zap.String("hash", hash))
	return nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
