package external

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"subledger/internal/types"
)

// S3API defines the subset of the S3 client used by S3ArchiveUploader.
// Extracted for testability so tests can provide a capture mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveUploader writes payload archive objects into the cold-storage
// bucket. Authentication rides on the ambient IAM role; the AWS SDK brings
// its own retry behavior.
type S3ArchiveUploader struct {
	api    S3API
	bucket string
	logger *slog.Logger
}

// NewS3ArchiveUploader creates an uploader targeting bucket from an AWS config.
func NewS3ArchiveUploader(awsCfg aws.Config, bucket string, logger *slog.Logger) *S3ArchiveUploader {
	return newS3ArchiveUploader(s3.NewFromConfig(awsCfg), bucket, logger)
}

// NewS3ArchiveUploaderWithAPI creates an uploader with a pre-configured S3API.
// Useful for testing with a mock S3 interface.
func NewS3ArchiveUploaderWithAPI(api S3API, bucket string, logger *slog.Logger) *S3ArchiveUploader {
	return newS3ArchiveUploader(api, bucket, logger)
}

func newS3ArchiveUploader(api S3API, bucket string, logger *slog.Logger) *S3ArchiveUploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3ArchiveUploader{
		api:    api,
		bucket: bucket,
		logger: logger,
	}
}

// Upload puts one archive object under key. The caller owns the key scheme;
// uploads never overwrite because every batch gets a unique key.
func (u *S3ArchiveUploader) Upload(ctx context.Context, key string, data []byte) error {
	if u.bucket == "" {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"archive bucket is not configured",
			nil,
		)
	}

	_, err := u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("S3 put of archive object %s failed: %v", key, err),
			err,
		)
	}

	u.logger.InfoContext(ctx, "archive object uploaded",
		"bucket", u.bucket,
		"key", key,
		"bytes", len(data),
	)
	return nil
}
