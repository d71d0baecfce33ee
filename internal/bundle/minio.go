package bundle

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the MinIO blob backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioBlobs stores page images in a MinIO or S3-compatible bucket.
type MinioBlobs struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobs connects to MinIO and creates the bucket if missing.
func NewMinioBlobs(ctx context.Context, cfg MinioConfig) (*MinioBlobs, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioBlobs{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads a blob unless an object with the key already exists.
func (m *MinioBlobs) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if ok, err := m.Exists(ctx, key); err == nil && ok {
		return nil
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	return err
}

// Get streams a blob.
func (m *MinioBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
}

// Exists reports whether an object with the key is present.
func (m *MinioBlobs) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}
