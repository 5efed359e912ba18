package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/zfs-backup-utility/internal/chain"
	"github.com/rowjay/zfs-backup-utility/internal/compress"
	"github.com/rowjay/zfs-backup-utility/internal/config"
	"github.com/rowjay/zfs-backup-utility/internal/notify"
	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
	"github.com/rowjay/zfs-backup-utility/internal/storage"
)

type fakeVolume struct {
	mu            sync.Mutex
	snapshots     []string
	created       []string
	destroyed     []string
	sends         []string
	received      []string
	listCalls     int
	receiveCalls  int
	failReceiveAt int
}

func (v *fakeVolume) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listCalls++
	return append([]string(nil), v.snapshots...), nil
}

func (v *fakeVolume) CreateSnapshot(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.created = append(v.created, name)
	v.snapshots = append(v.snapshots, name)
	return nil
}

func (v *fakeVolume) DestroySnapshot(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.destroyed = append(v.destroyed, name)
	kept := v.snapshots[:0]
	for _, s := range v.snapshots {
		if s != name {
			kept = append(kept, s)
		}
	}
	v.snapshots = kept
	return nil
}

func (v *fakeVolume) emit(label, payload string) pipeline.Stage {
	v.mu.Lock()
	v.sends = append(v.sends, label)
	v.mu.Unlock()
	return pipeline.StageFunc("send", func(ctx context.Context, _ io.Reader, out io.Writer) error {
		_, err := io.WriteString(out, strings.Repeat(payload+"\n", 200))
		return err
	})
}

func (v *fakeVolume) Send(name string) pipeline.Stage {
	return v.emit("full "+name, "stream "+name)
}

func (v *fakeVolume) SendIncremental(from, to string) pipeline.Stage {
	return v.emit("incremental "+from+" "+to, "delta "+from+" "+to)
}

func (v *fakeVolume) Receive(target string, forceRollback bool) pipeline.Stage {
	return pipeline.StageFunc("receive", func(ctx context.Context, in io.Reader, _ io.Writer) error {
		v.mu.Lock()
		v.receiveCalls++
		call := v.receiveCalls
		v.mu.Unlock()
		if call == v.failReceiveAt {
			return errors.New("cannot receive: destination has been modified")
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		line, _, _ := strings.Cut(string(data), "\n")
		v.mu.Lock()
		v.received = append(v.received, fmt.Sprintf("%s <- %s (rollback=%t)", target, line, forceRollback))
		v.mu.Unlock()
		return nil
	})
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Hour)
	return c.t
}

func newTestApp(t *testing.T, volume *fakeVolume, store storage.Storage) *App {
	t.Helper()
	cfg := &config.Config{
		Global:      config.GlobalConfig{LockFile: filepath.Join(t.TempDir(), "zbu.lock")},
		ZFS:         config.ZFSConfig{Dataset: "tank/data", SnapshotPrefix: "bk-", SnapshotRetention: 5, RetentionSet: true},
		Compression: config.CompressionConfig{Compressor: "pgzip"},
	}
	registry, err := compress.NewRegistry("pgzip",
		compress.Compressor{Name: "pgzip", Extension: "gz", Codec: compress.CodecGzip},
		compress.Compressor{Name: "zstd-go", Extension: "zst", Codec: compress.CodecZstd},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a := New(cfg, volume, store, registry, zerolog.Nop(), nil)
	if a.Compressors != registry {
		t.Fatalf("expected the given registry to be used")
	}
	a.Snapshots.DestroyDelay = time.Millisecond
	c := &clock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local)}
	a.Now = c.now
	return a
}

type failingUpload struct {
	storage.Storage
}

func (f failingUpload) Put(ctx context.Context, key string, reader io.Reader) error {
	buf := make([]byte, 512)
	_, _ = reader.Read(buf)
	return errors.New("remote rejected upload")
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, event notify.Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestFirstBackupIsFull(t *testing.T) {
	volume := &fakeVolume{}
	a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))

	res, err := a.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if res.Type != chain.Full || res.Base != "" {
		t.Fatalf("expected full backup, got %+v", res)
	}
	if res.Key != "tank/data@bk-2024-03-01_01-00-00-full.gz" {
		t.Fatalf("unexpected key: %s", res.Key)
	}
	if res.Bytes == 0 {
		t.Fatalf("expected uploaded bytes to be counted")
	}
}

func TestBackupIsIncrementalFromLatest(t *testing.T) {
	volume := &fakeVolume{snapshots: []string{"tank/data@bk-2024-02-01_00-00-00", "tank/data@bk-2024-02-02_00-00-00"}}
	a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))

	res, err := a.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if res.Type != chain.Incremental || res.Base != "tank/data@bk-2024-02-02_00-00-00" {
		t.Fatalf("expected incremental from latest, got %+v", res)
	}
	if len(volume.sends) != 1 || !strings.HasPrefix(volume.sends[0], "incremental tank/data@bk-2024-02-02_00-00-00 ") {
		t.Fatalf("unexpected send: %v", volume.sends)
	}
}

func TestForcedFullIgnoresLatestSnapshot(t *testing.T) {
	volume := &fakeVolume{snapshots: []string{"tank/data@bk-2024-02-01_00-00-00"}}
	a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))

	res, err := a.Backup(context.Background(), BackupOptions{ForceFull: true})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if res.Type != chain.Full || !strings.HasSuffix(res.Key, "-full.gz") {
		t.Fatalf("expected full backup, got %+v", res)
	}
	if len(volume.sends) != 1 || !strings.HasPrefix(volume.sends[0], "full ") {
		t.Fatalf("expected a full send, got %v", volume.sends)
	}
}

func TestFailedUploadDestroysSnapshotAndSkipsPrune(t *testing.T) {
	volume := &fakeVolume{snapshots: []string{"tank/data@bk-2024-02-01_00-00-00"}}
	notifier := &recordingNotifier{}
	a := newTestApp(t, volume, failingUpload{Storage: storage.NewLocal(t.TempDir())})
	a.Notifier = notifier
	a.Snapshots.Retention = 1

	_, err := a.Backup(context.Background(), BackupOptions{})
	if err == nil || !strings.Contains(err.Error(), "remote rejected upload") {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if len(volume.created) != 1 || len(volume.destroyed) != 1 || volume.destroyed[0] != volume.created[0] {
		t.Fatalf("expected the new snapshot to be destroyed: created=%v destroyed=%v", volume.created, volume.destroyed)
	}
	if volume.listCalls != 1 {
		t.Fatalf("pruning must not run after a failed backup, list calls=%d", volume.listCalls)
	}
	if len(volume.snapshots) != 1 || volume.snapshots[0] != "tank/data@bk-2024-02-01_00-00-00" {
		t.Fatalf("older snapshots must survive: %v", volume.snapshots)
	}
	if len(notifier.events) != 1 || notifier.events[0].Status != "failed" {
		t.Fatalf("expected one failed notification, got %+v", notifier.events)
	}
}

func TestInterruptedBackupDestroysSnapshot(t *testing.T) {
	volume := &fakeVolume{}
	a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Backup(ctx, BackupOptions{})
	if !errors.Is(err, pipeline.ErrInterrupted) {
		t.Fatalf("expected interruption, got %v", err)
	}
	if len(volume.destroyed) != 1 || volume.destroyed[0] != volume.created[0] {
		t.Fatalf("expected cleanup of %v, destroyed %v", volume.created, volume.destroyed)
	}
}

func TestSuccessfulBackupPrunes(t *testing.T) {
	volume := &fakeVolume{snapshots: []string{
		"tank/data@bk-2024-02-01_00-00-00",
		"tank/data@bk-2024-02-02_00-00-00",
		"tank/data@bk-2024-02-03_00-00-00",
	}}
	a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))
	a.Snapshots.Retention = 2

	res, err := a.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	want := []string{"tank/data@bk-2024-02-01_00-00-00", "tank/data@bk-2024-02-02_00-00-00"}
	if strings.Join(res.Prune.Destroyed, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected prune report: %+v", res.Prune)
	}
	if len(volume.snapshots) != 2 || volume.snapshots[1] != res.Snapshot {
		t.Fatalf("unexpected remaining snapshots: %v", volume.snapshots)
	}
}

func TestBackupThenRestoreChain(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		t.Run(fmt.Sprintf("encrypted=%t", encrypted), func(t *testing.T) {
			volume := &fakeVolume{}
			a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))
			if encrypted {
				a.Cfg.Encryption = config.EncryptionConfig{Enabled: true, Key: "hex:" + strings.Repeat("5a", 32)}
			}
			ctx := context.Background()

			first, err := a.Backup(ctx, BackupOptions{})
			if err != nil {
				t.Fatalf("first backup: %v", err)
			}
			second, err := a.Backup(ctx, BackupOptions{})
			if err != nil {
				t.Fatalf("second backup: %v", err)
			}

			plan, err := a.Plan(ctx)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if plan.Full == nil || plan.Full.Snapshot != first.Snapshot || len(plan.Incrementals) != 1 || plan.Incrementals[0].Snapshot != second.Snapshot {
				t.Fatalf("unexpected plan: %+v", plan)
			}

			if err := a.Restore(ctx, plan, "tank/restored"); err != nil {
				t.Fatalf("restore: %v", err)
			}
			want := []string{
				"tank/restored <- stream " + first.Snapshot + " (rollback=true)",
				"tank/restored <- delta " + first.Snapshot + " " + second.Snapshot + " (rollback=true)",
			}
			if strings.Join(volume.received, "\n") != strings.Join(want, "\n") {
				t.Fatalf("unexpected receives:\n%s", strings.Join(volume.received, "\n"))
			}
		})
	}
}

func TestRestoreAbortsOnFirstFailure(t *testing.T) {
	volume := &fakeVolume{}
	a := newTestApp(t, volume, storage.NewLocal(t.TempDir()))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.Backup(ctx, BackupOptions{}); err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
	}
	plan, err := a.Plan(ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Records()) != 3 {
		t.Fatalf("expected three records, got %d", len(plan.Records()))
	}

	volume.failReceiveAt = 1
	err = a.Restore(ctx, plan, "tank/restored")
	if err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("expected failure on the first record, got %v", err)
	}
	if volume.receiveCalls != 1 || len(volume.received) != 0 {
		t.Fatalf("restore continued after failure: calls=%d received=%v", volume.receiveCalls, volume.received)
	}
}

func TestRestoreWithoutFullBackup(t *testing.T) {
	a := newTestApp(t, &fakeVolume{}, storage.NewLocal(t.TempDir()))
	plan, err := a.Plan(context.Background())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := a.Restore(context.Background(), plan, "tank/restored"); !errors.Is(err, ErrNoChain) {
		t.Fatalf("expected ErrNoChain, got %v", err)
	}
}

func TestRestoreUnknownExtensionUsesRawStream(t *testing.T) {
	volume := &fakeVolume{}
	store := storage.NewLocal(t.TempDir())
	a := newTestApp(t, volume, store)
	ctx := context.Background()

	key := "tank/data@bk-2024-01-01_00-00-00-full.raw"
	if err := store.Put(ctx, key, strings.NewReader("raw stream\n")); err != nil {
		t.Fatalf("put: %v", err)
	}
	plan, err := a.Plan(ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := a.Restore(ctx, plan, "tank/restored"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(volume.received) != 1 || volume.received[0] != "tank/restored <- raw stream (rollback=true)" {
		t.Fatalf("unexpected receives: %v", volume.received)
	}
}

func TestValidateWithLocalStorage(t *testing.T) {
	a := newTestApp(t, &fakeVolume{}, storage.NewLocal(t.TempDir()))
	if err := a.Validate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackupUsesConfiguredCompressor(t *testing.T) {
	var logs bytes.Buffer
	a := newTestApp(t, &fakeVolume{}, storage.NewLocal(t.TempDir()))
	a.Log = zerolog.New(&logs)
	a.Cfg.Compression.Compressor = "zstd-go"

	res, err := a.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasSuffix(res.Key, "-full.zst") {
		t.Fatalf("unexpected key: %s", res.Key)
	}
	if strings.Contains(logs.String(), "unknown compressor") {
		t.Fatalf("registered compressor must not warn: %s", logs.String())
	}
}

func TestBackupFallsBackToDefaultCompressor(t *testing.T) {
	var logs bytes.Buffer
	a := newTestApp(t, &fakeVolume{}, storage.NewLocal(t.TempDir()))
	a.Log = zerolog.New(&logs)
	a.Cfg.Compression.Compressor = "lzma"

	res, err := a.Backup(context.Background(), BackupOptions{})
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.HasSuffix(res.Key, "-full.gz") {
		t.Fatalf("expected default compressor extension, got %s", res.Key)
	}
	out := logs.String()
	if !strings.Contains(out, "unknown compressor") || !strings.Contains(out, `"using":"pgzip"`) {
		t.Fatalf("expected fallback warning, got: %s", out)
	}
}
