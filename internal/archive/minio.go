package archive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"tmlsync/internal/catalog"
)

// MinioOptions configures a MinioArchive.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioArchive stores snapshots in a MinIO bucket.
type MinioArchive struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// NewMinioArchive creates a MinioArchive. The bucket must already exist.
func NewMinioArchive(opts MinioOptions) (*MinioArchive, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioArchive{mc: mc, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// PutSnapshot uploads r as <prefix>/<name>.
func (a *MinioArchive) PutSnapshot(ctx context.Context, name string, r io.Reader, size int64) error {
	key := objectKey(a.prefix, name)
	_, err := a.mc.PutObject(ctx, a.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

var _ catalog.Archive = (*MinioArchive)(nil)
