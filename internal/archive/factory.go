// Package archive exports committed catalog snapshots to secondary storage.
package archive

import (
	"context"
	"fmt"

	"tmlsync/internal/catalog"
	"tmlsync/internal/config"
)

// NewArchiveFromConfig creates an Archive implementation based on the archive
// config type. It returns a nil Archive for type "none". When age_recipient is
// set the archive encrypts everything it stores.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (catalog.Archive, error) {
	var a catalog.Archive
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "memory":
		a = NewMemoryArchive()
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem archive requires root to be set")
		}
		fs, err := NewFileSystemArchive(cfg.Root)
		if err != nil {
			return nil, err
		}
		a = fs
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 archive requires bucket to be set")
		}
		s3a, err := NewS3Archive(ctx, S3Options{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		a = s3a
	case "minio":
		if cfg.Bucket == "" || cfg.Endpoint == "" {
			return nil, fmt.Errorf("minio archive requires bucket and endpoint to be set")
		}
		ma, err := NewMinioArchive(MinioOptions{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		a = ma
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}

	if cfg.AgeRecipient != "" {
		enc, err := NewAgeArchive(a, cfg.AgeRecipient)
		if err != nil {
			return nil, err
		}
		return enc, nil
	}
	return a, nil
}

// objectKey joins an optional prefix and a snapshot name.
func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	for len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix + "/" + name
}
