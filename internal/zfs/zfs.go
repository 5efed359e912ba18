// Package zfs drives the zfs command line tool.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
	"github.com/rowjay/zfs-backup-utility/internal/util"
)

// ErrBusy marks a failure caused by the dataset or snapshot being in use.
var ErrBusy = errors.New("dataset is busy")

const busyMarker = "dataset is busy"

// CLI runs zfs subcommands through Runner and builds streaming send/receive stages.
type CLI struct {
	Binary string
	Runner util.Runner
	// Progress receives stderr of send/receive stages (zfs send -v output).
	Progress io.Writer
}

func New(binary string, progress io.Writer) *CLI {
	if binary == "" {
		binary = "zfs"
	}
	return &CLI{Binary: binary, Runner: util.ExecRunner{}, Progress: progress}
}

// ListSnapshots returns the snapshot names under dataset, oldest first.
func (z *CLI) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	out, err := z.run(ctx, "list", "-H", "-t", "snapshot", "-o", "name", "-s", "creation", "-r", dataset)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", dataset, err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

func (z *CLI) CreateSnapshot(ctx context.Context, name string) error {
	if _, err := z.run(ctx, "snapshot", name); err != nil {
		return fmt.Errorf("create snapshot %s: %w", name, err)
	}
	return nil
}

func (z *CLI) DestroySnapshot(ctx context.Context, name string) error {
	if !strings.Contains(name, "@") {
		return fmt.Errorf("refusing to destroy %q: not a snapshot name", name)
	}
	if _, err := z.run(ctx, "destroy", name); err != nil {
		return fmt.Errorf("destroy snapshot %s: %w", name, err)
	}
	return nil
}

// Send streams a full replication of snapshot.
func (z *CLI) Send(snapshot string) pipeline.Stage {
	return z.stage("zfs send", "send", "-v", "-c", snapshot)
}

// SendIncremental streams the delta between from and to.
func (z *CLI) SendIncremental(from, to string) pipeline.Stage {
	return z.stage("zfs send -i", "send", "-v", "-c", "-i", from, to)
}

// Receive applies a stream to target; forceRollback discards target changes made since its last snapshot.
func (z *CLI) Receive(target string, forceRollback bool) pipeline.Stage {
	args := []string{"receive"}
	if forceRollback {
		args = append(args, "-F")
	}
	args = append(args, target)
	return z.stage("zfs receive", args...)
}

func (z *CLI) stage(label string, args ...string) *pipeline.Command {
	return &pipeline.Command{Label: label, Path: z.Binary, Args: args, Progress: z.Progress}
}

func (z *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := z.Runner.Run(ctx, z.Binary, args...)
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	var ce *util.CommandError
	if errors.As(err, &ce) && strings.Contains(ce.Stderr, busyMarker) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
