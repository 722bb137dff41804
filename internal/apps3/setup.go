package apps3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
)

// Setup creates the artifact bucket and waits until it is usable.
// It shouldn't be used with AWS as is because it doesn't specify the region.
func Setup(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: &bucket,
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if existsErr := (*types.BucketAlreadyExists)(nil); errors.As(err, &existsErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: &bucket},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("apps3.Setup: %w", err)
	}

	return nil
}

// SetupMinio is Setup for deployments that talk to MinIO through minio-go.
func SetupMinio(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("apps3.SetupMinio: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
		return fmt.Errorf("apps3.SetupMinio: %w", err)
	}
	return nil
}
