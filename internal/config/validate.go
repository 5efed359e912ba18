package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every missing or malformed required option at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("missing configuration option %s", key))
		}
	}

	require("zfs.dataset", c.ZFS.Dataset)
	require("zfs.snapshot_prefix", c.ZFS.SnapshotPrefix)
	if !c.ZFS.RetentionSet {
		errs = append(errs, fmt.Errorf("missing configuration option zfs.snapshot_retention"))
	}
	if strings.ContainsAny(c.ZFS.Dataset, "@ ") {
		errs = append(errs, fmt.Errorf("zfs.dataset %q must be a dataset, not a snapshot", c.ZFS.Dataset))
	}
	if strings.ContainsAny(c.ZFS.SnapshotPrefix, "@/ ") {
		errs = append(errs, fmt.Errorf("zfs.snapshot_prefix %q contains characters not allowed in snapshot names", c.ZFS.SnapshotPrefix))
	}

	switch c.Storage.Backend {
	case "rclone", "":
		require("rclone.remote", c.Rclone.Remote)
		require("rclone.bucket_name", c.Rclone.BucketName)
		require("rclone.config_path", c.Rclone.ConfigPath)
	case "s3":
		require("storage.s3.endpoint", c.Storage.S3.Endpoint)
		require("storage.s3.bucket", c.Storage.S3.Bucket)
	case "local":
		require("storage.local.path", c.Storage.Local.Path)
	default:
		errs = append(errs, fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend))
	}

	if c.Encryption.Enabled {
		require("encryption.key", c.Encryption.Key)
	}
	if c.Global.OperationTimeout < 0 {
		errs = append(errs, fmt.Errorf("global.operation_timeout must not be negative"))
	}
	return errors.Join(errs...)
}
