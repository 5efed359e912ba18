// Package snapshot manages the lifecycle of the snapshots taken for backups:
// enumeration, creation, pruning and retried destruction.
package snapshot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/zfs-backup-utility/internal/util"
	"github.com/rowjay/zfs-backup-utility/internal/zfs"
)

const (
	DefaultDestroyAttempts = 5
	DefaultDestroyDelay    = 2 * time.Second
)

// Backend is the snapshot subsystem. Busy failures must wrap zfs.ErrBusy.
type Backend interface {
	ListSnapshots(ctx context.Context, dataset string) ([]string, error)
	CreateSnapshot(ctx context.Context, name string) error
	DestroySnapshot(ctx context.Context, name string) error
}

// DestroyOutcome is the result of a best-effort destroy.
type DestroyOutcome int

const (
	Destroyed DestroyOutcome = iota
	BusyExhausted
	Failed
)

func (o DestroyOutcome) String() string {
	switch o {
	case Destroyed:
		return "destroyed"
	case BusyExhausted:
		return "busy"
	default:
		return "failed"
	}
}

// PruneReport lists what a prune removed and what it had to leave behind.
type PruneReport struct {
	Destroyed []string
	Failed    []string
}

type Manager struct {
	Backend   Backend
	Dataset   string
	Prefix    string
	Retention int
	Log       zerolog.Logger

	DestroyAttempts int
	DestroyDelay    time.Duration
}

func NewManager(backend Backend, dataset, prefix string, retention int, log zerolog.Logger) *Manager {
	return &Manager{
		Backend:         backend,
		Dataset:         dataset,
		Prefix:          prefix,
		Retention:       retention,
		Log:             log,
		DestroyAttempts: DefaultDestroyAttempts,
		DestroyDelay:    DefaultDestroyDelay,
	}
}

// List returns this tool's snapshots of the dataset, oldest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	all, err := m.Backend.ListSnapshots(ctx, m.Dataset)
	if err != nil {
		return nil, err
	}
	selector := SelectorPrefix(m.Dataset, m.Prefix)
	names := make([]string, 0, len(all))
	for _, name := range all {
		if strings.Contains(name, selector) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Latest returns the newest managed snapshot, or "" when there is none.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	names, err := m.List(ctx)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

// NewName names a snapshot taken at t.
func (m *Manager) NewName(t time.Time) string {
	return Name(m.Dataset, m.Prefix, t)
}

func (m *Manager) Create(ctx context.Context, name string) error {
	if err := m.Backend.CreateSnapshot(ctx, name); err != nil {
		return err
	}
	m.Log.Info().Str("snapshot", name).Msg("snapshot created")
	return nil
}

// Destroy removes a snapshot, retrying while it is busy. It never returns an
// error; the outcome tells the caller what happened. silent only mutes logging
// of progress.
func (m *Manager) Destroy(ctx context.Context, name string, silent bool) DestroyOutcome {
	if name == "" {
		return Destroyed
	}
	if !silent {
		m.Log.Info().Str("snapshot", name).Msg("destroying snapshot")
	}

	attempt := 0
	err := util.RetryIf(ctx, m.DestroyAttempts, m.DestroyDelay, isBusy, func() error {
		attempt++
		err := m.Backend.DestroySnapshot(ctx, name)
		if isBusy(err) && attempt < m.DestroyAttempts && !silent {
			m.Log.Warn().Str("snapshot", name).Int("attempt", attempt).Dur("retry_in", m.DestroyDelay).Msg("snapshot is busy, retrying")
		}
		return err
	})

	switch {
	case err == nil:
		if !silent {
			m.Log.Info().Str("snapshot", name).Msg("snapshot destroyed")
		}
		return Destroyed
	case isBusy(err):
		m.Log.Error().Err(err).Str("snapshot", name).Int("attempts", attempt).Msg("snapshot still busy, giving up")
		return BusyExhausted
	default:
		m.Log.Error().Err(err).Str("snapshot", name).Msg("failed to destroy snapshot")
		return Failed
	}
}

// Prune destroys all but the newest Retention snapshots. Deletion failures are
// reported, not returned; only a failed enumeration is an error.
func (m *Manager) Prune(ctx context.Context) (PruneReport, error) {
	var report PruneReport
	if m.Retention <= 0 {
		m.Log.Info().Int("retention", m.Retention).Msg("snapshot retention is not positive, skipping pruning")
		return report, nil
	}
	names, err := m.List(ctx)
	if err != nil {
		return report, err
	}
	if len(names) <= m.Retention {
		return report, nil
	}

	stale := names[:len(names)-m.Retention]
	m.Log.Info().Int("count", len(stale)).Int("retention", m.Retention).Msg("pruning old snapshots")
	for _, name := range stale {
		if m.Destroy(ctx, name, true) == Destroyed {
			report.Destroyed = append(report.Destroyed, name)
		} else {
			report.Failed = append(report.Failed, name)
		}
	}
	return report, nil
}

func isBusy(err error) bool {
	return errors.Is(err, zfs.ErrBusy)
}
