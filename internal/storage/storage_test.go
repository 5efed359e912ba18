package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rowjay/zfs-backup-utility/internal/config"
	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
)

func TestLocalPutGetList(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	keys := []string{
		"tank/data@bk-2024-01-02_00-00-00-incremental.gz",
		"tank/data@bk-2024-01-01_00-00-00-full.gz",
		"tank/other@bk-2024-01-01_00-00-00-full.gz",
	}
	for _, key := range keys {
		if err := store.Put(ctx, key, strings.NewReader("payload "+key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "tank/data@")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 objects, got %+v", infos)
	}
	if infos[0].Key != keys[1] || infos[1].Key != keys[0] {
		t.Fatalf("unexpected order: %+v", infos)
	}
	if infos[0].Size != int64(len("payload "+keys[1])) {
		t.Fatalf("unexpected size: %d", infos[0].Size)
	}

	reader, err := store.Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload "+keys[0] {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestLocalListMissingBase(t *testing.T) {
	store := NewLocal(filepath.Join(t.TempDir(), "absent"))
	infos, err := store.List(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no objects, got %+v", infos)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream broke") }

func TestLocalPutFailureLeavesNothing(t *testing.T) {
	base := t.TempDir()
	store := NewLocal(base)
	if err := store.Put(context.Background(), "pool@s-full.gz", failingReader{}); err == nil {
		t.Fatalf("expected error")
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory, found %d entries", len(entries))
	}
}

func TestUploadDownloadStages(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())
	payload := strings.Repeat("zfs stream ", 1000)

	source := pipeline.StageFunc("source", func(ctx context.Context, _ io.Reader, out io.Writer) error {
		_, err := io.WriteString(out, payload)
		return err
	})
	if err := pipeline.Run(ctx, source, UploadStage(store, "pool@a-full.zst")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	var got bytes.Buffer
	sink := pipeline.StageFunc("sink", func(ctx context.Context, in io.Reader, _ io.Writer) error {
		_, err := io.Copy(&got, in)
		return err
	})
	if err := pipeline.Run(ctx, DownloadStage(store, "pool@a-full.zst"), sink); err != nil {
		t.Fatalf("download: %v", err)
	}
	if got.String() != payload {
		t.Fatalf("payload mismatch")
	}
}

func TestDownloadMissingObjectFails(t *testing.T) {
	store := NewLocal(t.TempDir())
	sink := pipeline.StageFunc("sink", func(ctx context.Context, in io.Reader, _ io.Writer) error {
		_, err := io.Copy(io.Discard, in)
		return err
	})
	err := pipeline.Run(context.Background(), DownloadStage(store, "missing"), sink)
	if err == nil {
		t.Fatalf("expected error")
	}
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "download local" {
		t.Fatalf("expected download stage failure, got %v", err)
	}
}

func TestParseLsjson(t *testing.T) {
	data := []byte(`[
  {"Path":"tank","Name":"tank","Size":-1,"ModTime":"2024-01-01T00:00:00Z","IsDir":true},
  {"Path":"tank/data@bk-2024-01-01_00-00-00-full.gz","Name":"data@bk-2024-01-01_00-00-00-full.gz","Size":2048,"MimeType":"application/gzip","ModTime":"2024-01-01T00:10:00Z","IsDir":false}
]`)
	infos, err := parseLsjson(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected one file, got %+v", infos)
	}
	if infos[0].Key != "tank/data@bk-2024-01-01_00-00-00-full.gz" || infos[0].Size != 2048 {
		t.Fatalf("unexpected entry: %+v", infos[0])
	}
}

func TestParseLsjsonRejectsGarbage(t *testing.T) {
	if _, err := parseLsjson([]byte("not json")); err == nil {
		t.Fatalf("expected error")
	}
}

type recordingRunner struct {
	name string
	args []string
	out  []byte
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.name = name
	r.args = args
	return r.out, r.err
}

func TestRcloneList(t *testing.T) {
	runner := &recordingRunner{out: []byte(`[{"Path":"pool@s-full.gz","Size":10,"IsDir":false}]`)}
	store := NewRclone("", "glacier", "backups", "/etc/rclone.conf", nil)
	store.Runner = runner

	infos, err := store.List(context.Background(), "pool@")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != "pool@s-full.gz" {
		t.Fatalf("unexpected objects: %+v", infos)
	}
	if runner.name != "rclone" {
		t.Fatalf("unexpected binary: %s", runner.name)
	}
	want := "--config /etc/rclone.conf lsjson --recursive --files-only --include pool@* glacier:backups"
	if got := strings.Join(runner.args, " "); got != want {
		t.Fatalf("unexpected args:\n got %s\nwant %s", got, want)
	}
}

func TestRcloneListFailure(t *testing.T) {
	store := NewRclone("rclone", "glacier", "backups", "", nil)
	store.Runner = &recordingRunner{err: errors.New("remote unreachable")}
	if _, err := store.List(context.Background(), "pool@"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRcloneLocation(t *testing.T) {
	store := NewRclone("rclone", "glacier", "backups", "", nil)
	if got := store.Location("pool@s-full.gz"); got != "glacier:backups/pool@s-full.gz" {
		t.Fatalf("unexpected location: %s", got)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := &config.Config{
		Rclone:  config.RcloneConfig{Remote: "r", BucketName: "b"},
		Storage: config.StorageConfig{Backend: "rclone"},
	}
	s, err := New(cfg, nil)
	if err != nil || s.Name() != "rclone" {
		t.Fatalf("expected rclone backend, got %v %v", s, err)
	}

	cfg.Storage = config.StorageConfig{Backend: "local", Local: config.LocalStore{Path: t.TempDir()}}
	s, err = New(cfg, nil)
	if err != nil || s.Name() != "local" {
		t.Fatalf("expected local backend, got %v %v", s, err)
	}

	cfg.Storage = config.StorageConfig{Backend: "ftp"}
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestNewS3Backend(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{
		Backend: "s3",
		S3:      config.S3Store{Endpoint: "minio.local:9000", Bucket: "zfs", ForcePathStyle: true},
	}}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "s3" || s.Location("pool@a-full.gz") != "s3://zfs/pool@a-full.gz" {
		t.Fatalf("unexpected backend: %s %s", s.Name(), s.Location("pool@a-full.gz"))
	}
}
