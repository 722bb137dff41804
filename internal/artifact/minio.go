package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

var _ Backend = (*Minio)(nil)

// Minio is a Backend over the MinIO client. It speaks the same S3 protocol
// as S3 but streams uploads without the multipart manager.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(client *minio.Client, bucket string) *Minio {
	return &Minio{client: client, bucket: bucket}
}

func isMinioNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	default:
		return false
	}
}

func (m *Minio) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := checkKey(key); err != nil {
		return fmt.Errorf("artifact.Minio: %w", err)
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return fmt.Errorf("artifact.Minio: %w", err)
	}
	return nil
}

func (m *Minio) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("artifact.Minio: %w", err)
	}
	if _, err := obj.Stat(); isMinioNotFound(err) {
		obj.Close()
		return nil, fmt.Errorf("artifact.Minio: %w", ErrNotFound)
	} else if err != nil {
		obj.Close()
		return nil, fmt.Errorf("artifact.Minio: %w", err)
	}
	return obj, nil
}

func (m *Minio) Size(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if isMinioNotFound(err) {
		return 0, fmt.Errorf("artifact.Minio: %w", ErrNotFound)
	} else if err != nil {
		return 0, fmt.Errorf("artifact.Minio: %w", err)
	}
	return info.Size, nil
}

func (m *Minio) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("artifact.Minio: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (m *Minio) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("artifact.Minio: %w", err)
	}
	return nil
}

func (m *Minio) DeletePrefix(ctx context.Context, prefix string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for result := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("artifact.Minio: %w", result.Err)
		}
	}
	return nil
}
