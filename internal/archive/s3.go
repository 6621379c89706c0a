package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tmlsync/internal/catalog"
)

// S3Options configures an S3Archive. Empty credentials fall back to the
// default AWS credential chain.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // for S3-compatible services; enables path-style addressing
	AccessKey string
	SecretKey string
}

// S3Archive uploads snapshots to an S3 bucket.
type S3Archive struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archive loads the AWS configuration and creates an S3Archive.
func NewS3Archive(ctx context.Context, opts S3Options) (*S3Archive, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiveFromClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3ArchiveFromClient wraps an existing S3 client.
func NewS3ArchiveFromClient(client *s3.Client, bucket, prefix string) *S3Archive {
	return &S3Archive{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// PutSnapshot uploads r as <prefix>/<name>.
func (a *S3Archive) PutSnapshot(ctx context.Context, name string, r io.Reader, size int64) error {
	key := objectKey(a.prefix, name)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(name)),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

var _ catalog.Archive = (*S3Archive)(nil)
