package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Zivotu/git-Clean2-sub005/internal/run/runs3"
)

var _ Backend = (*S3)(nil)

type S3 struct {
	client *s3.Client
	bucket string

	// uploadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize int64
}

// NewS3 creates an S3 backend using the provided connection string.
// See runs3.NewClient for its format. It panics if the connection string is
// not a valid URL.
func NewS3(connectionString, bucket string) *S3 {
	return &S3{
		client:         runs3.NewClient(connectionString),
		bucket:         bucket,
		uploadPartSize: 10 * 1024 * 1024, // 10MB
	}
}

func isS3NotFound(err error) bool {
	if noKey := (*types.NoSuchKey)(nil); errors.As(err, &noKey) {
		return true
	}
	if notFound := (*types.NotFound)(nil); errors.As(err, &notFound) {
		return true
	}
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	if err := checkKey(key); err != nil {
		return fmt.Errorf("artifact.S3: %w", err)
	}
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.uploadPartSize
	})
	ct := contentType(key)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        r,
		ContentType: &ct,
	})
	if err != nil {
		return fmt.Errorf("artifact.S3: %w", err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("artifact.S3: %w", ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("artifact.S3: %w", err)
	}
	return out.Body, nil
}

func (s *S3) Size(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if isS3NotFound(err) {
		return 0, fmt.Errorf("artifact.S3: %w", ErrNotFound)
	} else if err != nil {
		return 0, fmt.Errorf("artifact.S3: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("artifact.S3: %w", err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); key != "" {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("artifact.S3: %w", err)
	}
	return nil
}

func (s *S3) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	// DeleteObjects accepts at most 1000 keys per request.
	for len(keys) > 0 {
		n := min(len(keys), 1000)
		ids := make([]types.ObjectIdentifier, 0, n)
		for i := range keys[:n] {
			ids = append(ids, types.ObjectIdentifier{Key: &keys[i]})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucket,
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("artifact.S3: %w", err)
		}
		keys = keys[n:]
	}
	return nil
}
