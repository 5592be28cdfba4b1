package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	cfg "github.com/markdave123-py/docsense/internal/config"
	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
)

var _ core.ObjectClient = (*S3Client)(nil)

type S3Client struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

// NewS3Client builds a client for the configured bucket. Static credentials are
// used when both keys are set, otherwise the default AWS credential chain.
// S3Endpoint points the client at an S3-compatible store such as MinIO.
func NewS3Client(ctx context.Context, c *cfg.Config, log *zap.Logger) (*S3Client, error) {
	if c.AwsRegion == "" {
		return nil, errors.New("AWS_REGION not set")
	}
	if c.BucketName == "" {
		return nil, errors.New("S3 bucket name not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(c.AwsRegion)}
	if c.AwsAccessKey != "" && c.AwsSecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AwsAccessKey, c.AwsSecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(c.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newWithClient(client, c.BucketName, log), nil
}

func newWithClient(client *s3.Client, bucket string, log *zap.Logger) *S3Client {
	return &S3Client{client: client, bucket: bucket, log: logger.OrNop(log)}
}

// UploadFile streams r into the default bucket and returns its s3:// reference.
func (c *S3Client) UploadFile(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	uploader := manager.NewUploader(c.client)

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := uploader.Upload(ctxUpload, input); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	c.log.Debug("uploaded object", zap.String("bucket", c.bucket), zap.String("key", key))
	return fmt.Sprintf("s3://%s/%s", c.bucket, key), nil
}

func (c *S3Client) DeleteFile(ctx context.Context, bucket, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketOr(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func (c *S3Client) Bucket() string { return c.bucket }

// DownloadToFile writes the object to path with the concurrent ranged
// downloader and returns the bytes written.
func (c *S3Client) DownloadToFile(ctx context.Context, bucket, key, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}

	downloader := manager.NewDownloader(c.client)
	n, dlErr := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketOr(bucket)),
		Key:    aws.String(key),
	})
	if err := errors.Join(dlErr, f.Close()); err != nil {
		return n, fmt.Errorf("download s3://%s/%s: %w", c.bucketOr(bucket), key, err)
	}
	return n, nil
}

func (c *S3Client) bucketOr(bucket string) string {
	if bucket == "" {
		return c.bucket
	}
	return bucket
}
