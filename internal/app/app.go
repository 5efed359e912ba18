package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/zfs-backup-utility/internal/chain"
	"github.com/rowjay/zfs-backup-utility/internal/compress"
	"github.com/rowjay/zfs-backup-utility/internal/config"
	"github.com/rowjay/zfs-backup-utility/internal/cryptoutil"
	"github.com/rowjay/zfs-backup-utility/internal/lock"
	"github.com/rowjay/zfs-backup-utility/internal/notify"
	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
	"github.com/rowjay/zfs-backup-utility/internal/snapshot"
	"github.com/rowjay/zfs-backup-utility/internal/storage"
	"github.com/rowjay/zfs-backup-utility/internal/util"
	"github.com/rowjay/zfs-backup-utility/internal/zfs"
)

// ErrNoChain is returned when the remote holds no full backup to restore from.
var ErrNoChain = errors.New("no full backup found")

// Volume is the snapshot subsystem as seen by backups and restores.
type Volume interface {
	snapshot.Backend
	Send(snapshot string) pipeline.Stage
	SendIncremental(from, to string) pipeline.Stage
	Receive(target string, forceRollback bool) pipeline.Stage
}

type App struct {
	Cfg         *config.Config
	Volume      Volume
	Snapshots   *snapshot.Manager
	Storage     storage.Storage
	Compressors *compress.Registry
	Log         zerolog.Logger
	Notifier    notify.Notifier
	// Progress receives stderr of external compressors; nil discards it.
	Progress io.Writer
	Now      func() time.Time
}

func New(cfg *config.Config, volume Volume, store storage.Storage, compressors *compress.Registry, log zerolog.Logger, notifier notify.Notifier) *App {
	return &App{
		Cfg:         cfg,
		Volume:      volume,
		Snapshots:   snapshot.NewManager(volume, cfg.ZFS.Dataset, cfg.ZFS.SnapshotPrefix, cfg.ZFS.SnapshotRetention, log),
		Storage:     store,
		Compressors: compressors,
		Log:         log,
		Notifier:    notifier,
		Now:         time.Now,
	}
}

type BackupOptions struct {
	// ForceFull sends a full stream even when an earlier snapshot exists.
	ForceFull bool
}

type BackupResult struct {
	Snapshot string
	// Base is the snapshot the incremental stream starts from; empty for full backups.
	Base     string
	Type     chain.Type
	Key      string
	Location string
	Bytes    int64
	Prune    snapshot.PruneReport
}

// Backup snapshots the dataset and streams it to remote storage. A failed or
// interrupted stream destroys the new snapshot; a successful one prunes old snapshots.
func (a *App) Backup(ctx context.Context, opts BackupOptions) (*BackupResult, error) {
	start := time.Now()
	result := &BackupResult{}
	var opErr error
	defer func() {
		a.notify(notify.Event{
			Type:     "backup",
			Message:  fmt.Sprintf("%s backup of %s", result.Type, a.Cfg.ZFS.Dataset),
			Snapshot: result.Snapshot,
			Location: result.Location,
			Bytes:    result.Bytes,
		}, start, opErr)
	}()

	guard, err := lock.Acquire(a.lockPath())
	if err != nil {
		opErr = err
		return nil, err
	}
	defer guard.Release()

	encKey, err := a.encryptionKey()
	if err != nil {
		opErr = err
		return nil, err
	}

	base, err := a.Snapshots.Latest(ctx)
	if err != nil {
		opErr = fmt.Errorf("list snapshots: %w", err)
		return nil, opErr
	}
	if opts.ForceFull && base != "" {
		a.Log.Info().Str("latest", base).Msg("full backup forced, ignoring latest snapshot")
		base = ""
	}

	name := a.Snapshots.NewName(a.now())
	if err := a.Snapshots.Create(ctx, name); err != nil {
		opErr = fmt.Errorf("create snapshot %s: %w", name, err)
		return nil, opErr
	}
	result.Snapshot = name

	comp := a.compressor()
	var send pipeline.Stage
	if base == "" {
		send = a.Volume.Send(name)
		result.Type = chain.Full
	} else {
		send = a.Volume.SendIncremental(base, name)
		result.Type = chain.Incremental
		result.Base = base
	}
	result.Key = chain.ObjectKey(name, result.Type, comp.Extension)
	result.Location = a.Storage.Location(result.Key)

	log := a.Log.With().Str("snapshot", name).Str("type", string(result.Type)).Str("destination", result.Location).Logger()
	if base != "" {
		log = log.With().Str("base", base).Logger()
	}
	log.Info().Str("compressor", comp.Name).Msg("starting backup")

	counter := &pipeline.Counter{}
	stages := []pipeline.Stage{send, comp.CompressStage(a.Progress)}
	if encKey != nil {
		stages = append(stages, cryptoutil.EncryptStage(encKey))
	}
	stages = append(stages, counter.Stage("count"), storage.UploadStage(a.Storage, result.Key))

	if err := pipeline.Run(ctx, stages...); err != nil {
		if errors.Is(err, pipeline.ErrInterrupted) {
			log.Warn().Msg("backup interrupted, removing snapshot")
		} else {
			log.Error().Err(err).Msg("backup pipeline failed, removing snapshot")
		}
		// The run context may already be cancelled; cleanup must still reach zfs.
		a.Snapshots.Destroy(context.WithoutCancel(ctx), name, false)
		opErr = fmt.Errorf("backup %s: %w", name, err)
		return nil, opErr
	}
	result.Bytes = counter.Bytes()
	log.Info().Int64("bytes", result.Bytes).Dur("elapsed", time.Since(start)).Msg("backup uploaded")

	report, err := a.Snapshots.Prune(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list snapshots for pruning")
	}
	if len(report.Failed) > 0 {
		log.Warn().Strs("snapshots", report.Failed).Msg("some snapshots could not be pruned")
	}
	result.Prune = report
	return result, nil
}

// Plan lists remote backups of the dataset and resolves the chain a restore would replay.
func (a *App) Plan(ctx context.Context) (chain.Chain, error) {
	resolver := chain.NewResolver(a.Cfg.ZFS.Dataset, a.Cfg.ZFS.SnapshotPrefix, a.Log)
	objs, err := a.Storage.List(ctx, resolver.ListPrefix())
	if err != nil {
		return chain.Chain{}, fmt.Errorf("list remote backups: %w", err)
	}
	return resolver.Resolve(objs), nil
}

// Restore replays c into target, full backup first. The first failing record
// aborts the restore because every incremental depends on its predecessor.
func (a *App) Restore(ctx context.Context, c chain.Chain, target string) error {
	start := time.Now()
	var opErr error
	var restored string
	defer func() {
		a.notify(notify.Event{
			Type:     "restore",
			Message:  fmt.Sprintf("restore of %s into %s", a.Cfg.ZFS.Dataset, target),
			Snapshot: restored,
			Bytes:    c.TotalSize(),
		}, start, opErr)
	}()

	if c.Empty() {
		opErr = fmt.Errorf("%w for %s", ErrNoChain, snapshot.SelectorPrefix(a.Cfg.ZFS.Dataset, a.Cfg.ZFS.SnapshotPrefix))
		return opErr
	}

	guard, err := lock.Acquire(a.lockPath())
	if err != nil {
		opErr = err
		return err
	}
	defer guard.Release()

	encKey, err := a.encryptionKey()
	if err != nil {
		opErr = err
		return err
	}

	records := c.Records()
	for i, rec := range records {
		log := a.Log.With().Str("object", a.Storage.Location(rec.Path)).Str("type", string(rec.Type)).Str("target", target).Logger()
		log.Info().Int("step", i+1).Int("of", len(records)).Msg("restoring backup")

		stages := []pipeline.Stage{storage.DownloadStage(a.Storage, rec.Path)}
		if encKey != nil {
			stages = append(stages, cryptoutil.DecryptStage(encKey))
		}
		if comp, ok := a.Compressors.ByExtension(rec.Path); ok {
			stages = append(stages, comp.DecompressStage(a.Progress))
		} else {
			log.Warn().Msg("unknown compression, receiving raw stream")
		}
		stages = append(stages, a.Volume.Receive(target, true))

		if err := pipeline.Run(ctx, stages...); err != nil {
			opErr = fmt.Errorf("restore %s (%d of %d): %w", rec.Path, i+1, len(records), err)
			return opErr
		}
		restored = rec.Snapshot
	}
	a.Log.Info().Str("target", target).Int("backups", len(records)).Dur("elapsed", time.Since(start)).Msg("restore complete")
	return nil
}

// Validate checks that required tools exist and that both the dataset and the remote are reachable.
func (a *App) Validate(ctx context.Context) error {
	var errs []error
	for _, bin := range a.requiredBinaries() {
		if err := util.RequireBinary(bin); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := a.Snapshots.List(ctx); err != nil {
		errs = append(errs, fmt.Errorf("list snapshots of %s: %w", a.Cfg.ZFS.Dataset, err))
	}
	if _, err := a.Plan(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) requiredBinaries() []string {
	var bins []string
	if cli, ok := a.Volume.(*zfs.CLI); ok {
		bins = append(bins, cli.Binary)
	}
	if rc, ok := a.Storage.(*storage.Rclone); ok {
		bins = append(bins, rc.Binary)
	}
	if comp := a.compressor(); !comp.Native() {
		bins = append(bins, comp.CompressCmd[0])
	}
	return bins
}

func (a *App) compressor() compress.Compressor {
	configured := a.Cfg.Compression.Compressor
	if comp, ok := a.Compressors.Lookup(configured); ok {
		return comp
	}
	comp := a.Compressors.ByName(configured)
	if configured != "" {
		a.Log.Warn().Str("configured", configured).Str("using", comp.Name).Msg("unknown compressor, using default")
	}
	return comp
}

func (a *App) encryptionKey() ([]byte, error) {
	if !a.Cfg.Encryption.Enabled {
		return nil, nil
	}
	key, err := cryptoutil.ParseKey(a.Cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return key, nil
}

func (a *App) lockPath() string {
	if a.Cfg.Global.LockFile != "" {
		return a.Cfg.Global.LockFile
	}
	return lock.DefaultPath(a.Cfg.ZFS.Dataset)
}

func (a *App) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func (a *App) notify(event notify.Event, start time.Time, err error) {
	if a.Notifier == nil {
		return
	}
	event.Dataset = a.Cfg.ZFS.Dataset
	event.Status = statusFromErr(err)
	event.StartedAt = start
	event.EndedAt = time.Now()
	event.Duration = time.Since(start).String()
	if err != nil {
		event.Error = err.Error()
	}
	if nerr := a.Notifier.Notify(context.Background(), event); nerr != nil {
		a.Log.Warn().Err(nerr).Msg("notification failed")
	}
}

func statusFromErr(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, pipeline.ErrInterrupted):
		return "interrupted"
	default:
		return "failed"
	}
}
