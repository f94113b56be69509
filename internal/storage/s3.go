package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensource-finance/claimflow/internal/awsutil"
	"github.com/opensource-finance/claimflow/internal/domain"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage keeps documents in an S3 bucket.
// Locators have the form s3://bucket/key.
type S3Storage struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Storage loads AWS configuration and creates the store.
func NewS3Storage(ctx context.Context, cfg domain.StorageConfig) (*S3Storage, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", domain.ErrInvalidInput)
	}
	awsConfig, err := awsutil.Load(ctx, awsutil.Options{
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		// LocalStack and MinIO serve buckets on the path, not the host.
		o.UsePathStyle = cfg.S3Endpoint != ""
	})
	return NewS3StorageWithClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// NewS3StorageWithClient creates a store over an existing client.
func NewS3StorageWithClient(client S3API, bucket, prefix string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads data with server-side encryption.
func (s *S3Storage) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	rel, err := cleanName(name)
	if err != nil {
		return "", err
	}
	key := s.prefix + rel
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(int64(len(data))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Get downloads the object behind locator.
func (s *S3Storage) Get(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := parseS3Locator(locator)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object behind locator.
func (s *S3Storage) Delete(ctx context.Context, locator string) error {
	bucket, key, err := parseS3Locator(locator)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func parseS3Locator(locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: not an s3 locator: %q", domain.ErrInvalidInput, locator)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 locator: %q", domain.ErrInvalidInput, locator)
	}
	return bucket, key, nil
}
