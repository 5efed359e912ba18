package storage

import (
	"context"
	"io"
	"time"

	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
)

type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Storage is a remote object store holding backup streams.
type Storage interface {
	Name() string
	// Location renders key the way operators address it, e.g. remote:bucket/key.
	Location(key string) string
	Put(ctx context.Context, key string, reader io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// UploadStage is a pipeline sink streaming its input to key.
func UploadStage(s Storage, key string) pipeline.Stage {
	return pipeline.StageFunc("upload "+s.Name(), func(ctx context.Context, in io.Reader, _ io.Writer) error {
		return s.Put(ctx, key, in)
	})
}

// DownloadStage is a pipeline source streaming the object at key.
func DownloadStage(s Storage, key string) pipeline.Stage {
	return pipeline.StageFunc("download "+s.Name(), func(ctx context.Context, _ io.Reader, out io.Writer) error {
		reader, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, reader); err != nil {
			_ = reader.Close()
			return err
		}
		return reader.Close()
	})
}
