package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
)

// S3Store implements Store against S3 or any S3-compatible endpoint (MinIO).
type S3Store struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	defaultBucket string
	logger        *logger.Logger

	// knownBuckets caches buckets we have already ensured exist. Uploads
	// run from concurrent request handlers; bucketsMu guards the map.
	bucketsMu    sync.Mutex
	knownBuckets map[string]bool
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3-backed object store from the storage config.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// S3-compatible endpoints (MinIO, Ceph) reject the SDK's default
		// flexible-checksum uploads.
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		awsconfig.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	log.Info("Object store created",
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("region", cfg.Region),
	)

	return &S3Store{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		defaultBucket: cfg.Bucket,
		logger:        log,
		knownBuckets:  make(map[string]bool),
	}, nil
}

// resolve applies the default bucket to URIs that omit one.
func (s *S3Store) resolve(uri string) (bucket, key string, err error) {
	bucket, key, err = ParseURI(uri)
	if err != nil {
		return "", "", err
	}
	if bucket == "" {
		bucket = s.defaultBucket
	}
	return bucket, key, nil
}

// ensureBucket creates the bucket on first use; already-owned buckets are fine.
func (s *S3Store) ensureBucket(ctx context.Context, bucket string) error {
	s.bucketsMu.Lock()
	known := s.knownBuckets[bucket]
	s.bucketsMu.Unlock()
	if known {
		return nil
	}

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("failed to ensure bucket %s: %w", bucket, err)
		}
	}

	s.bucketsMu.Lock()
	s.knownBuckets[bucket] = true
	s.bucketsMu.Unlock()
	return nil
}

// Upload stores an object, creating the bucket if needed.
func (s *S3Store) Upload(ctx context.Context, uri string, data []byte, contentType string) error {
	bucket, key, err := s.resolve(uri)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", uri, err)
	}
	return nil
}

// Download retrieves an object's content.
func (s *S3Store) Download(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

// Exists reports whether the object is present.
func (s *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := s.Info(ctx, uri)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Info returns object metadata.
func (s *S3Store) Info(ctx context.Context, uri string) (*ObjectInfo, error) {
	bucket, key, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", uri, err)
	}

	info := &ObjectInfo{
		Key:  key,
		Size: aws.ToInt64(head.ContentLength),
		ETag: aws.ToString(head.ETag),
	}
	if head.ContentType != nil {
		info.ContentType = *head.ContentType
	}
	if head.LastModified != nil {
		info.LastModified = *head.LastModified
	}
	return info, nil
}

// List returns up to limit objects under the prefix.
func (s *S3Store) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	bucket, key, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var result []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			result = append(result, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
			if limit > 0 && len(result) >= limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// Delete removes a single object. Missing objects are not an error.
func (s *S3Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := s.resolve(uri)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", uri, err)
	}
	return nil
}

// DeletePrefix removes every object under the prefix in batches of 1000.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	bucket, key, err := s.resolve(prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list %s for deletion: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
		}
		deleted += len(objects) - len(out.Errors)
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, fmt.Errorf("failed to delete %s: %s",
				aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}

	s.logger.Debug("Deleted workspace prefix",
		zap.String("prefix", prefix),
		zap.Int("deleted", deleted),
	)
	return deleted, nil
}

// Presign returns a time-limited GET URL for the object.
func (s *S3Store) Presign(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	bucket, key, err := s.resolve(uri)
	if err != nil {
		return "", err
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", uri, err)
	}
	return req.URL, nil
}
