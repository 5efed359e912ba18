package storage

import (
	"fmt"
	"io"

	"github.com/rowjay/zfs-backup-utility/internal/config"
)

// New builds the configured backend. progress receives transfer statistics from rclone.
func New(cfg *config.Config, progress io.Writer) (Storage, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "rclone", "":
		if cfg.Rclone.Remote == "" || cfg.Rclone.BucketName == "" {
			return nil, fmt.Errorf("rclone remote and bucket_name are required")
		}
		return NewRclone(cfg.Rclone.Binary, cfg.Rclone.Remote, cfg.Rclone.BucketName, cfg.Rclone.ConfigPath, progress), nil
	case "local":
		return NewLocal(sc.Local.Path), nil
	case "s3":
		if sc.S3.Endpoint == "" || sc.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 endpoint and bucket are required")
		}
		return NewS3(sc.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", sc.Backend)
	}
}
