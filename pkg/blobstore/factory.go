package blobstore

import (
	"context"
	"fmt"

	"github.com/cratery/registry/pkg/config"
)

// New builds the configured Store variant. cfg.Type must be "fs" or "s3";
// config.Config.Validate already enforces this and the fields each variant
// requires.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "fs":
		return NewFilesystemStore(cfg.FilesystemRoot, cfg.Timeout)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
			Timeout:        cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
