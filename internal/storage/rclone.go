package storage

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rowjay/zfs-backup-utility/internal/util"
)

// Rclone reaches any rclone remote by shelling out to the rclone binary.
type Rclone struct {
	Binary     string
	Remote     string
	Bucket     string
	ConfigPath string
	Runner     util.Runner
	// Progress receives rclone stderr (--stats-one-line) during transfers.
	Progress io.Writer
}

func NewRclone(binary, remote, bucket, configPath string, progress io.Writer) *Rclone {
	if binary == "" {
		binary = "rclone"
	}
	return &Rclone{
		Binary:     binary,
		Remote:     remote,
		Bucket:     bucket,
		ConfigPath: configPath,
		Runner:     util.ExecRunner{},
		Progress:   progress,
	}
}

func (r *Rclone) Name() string { return "rclone" }

// Location renders remote:bucket/key.
func (r *Rclone) Location(key string) string {
	return fmt.Sprintf("%s/%s", r.root(), key)
}

func (r *Rclone) root() string {
	return fmt.Sprintf("%s:%s", r.Remote, r.Bucket)
}

func (r *Rclone) args(extra ...string) []string {
	args := []string{}
	if r.ConfigPath != "" {
		args = append(args, "--config", r.ConfigPath)
	}
	return append(args, extra...)
}

func (r *Rclone) Put(ctx context.Context, key string, reader io.Reader) error {
	args := r.args("rcat", r.Location(key), "--stats-one-line")
	cmd := util.Command(ctx, r.Binary, args, nil)
	cmd.Stdin = reader
	stderr := util.NewTailBuffer(0)
	cmd.Stderr = stderr
	if r.Progress != nil {
		cmd.Stderr = io.MultiWriter(stderr, r.Progress)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("rclone rcat terminated: %w", ctx.Err())
		}
		return util.NewCommandError(r.Binary, args, stderr.String(), err)
	}
	return nil
}

func (r *Rclone) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	args := r.args("cat", r.Location(key))
	cmd := util.Command(ctx, r.Binary, args, nil)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := util.NewTailBuffer(0)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &processReader{ReadCloser: stdout, cmd: cmd, ctx: ctx, stderr: stderr, args: args}, nil
}

// processReader reports the exit status of the producing process on Close.
type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	ctx    context.Context
	stderr *util.TailBuffer
	args   []string
}

func (p *processReader) Close() error {
	_ = p.ReadCloser.Close()
	if err := p.cmd.Wait(); err != nil {
		if p.ctx.Err() != nil {
			return fmt.Errorf("rclone cat terminated: %w", p.ctx.Err())
		}
		return util.NewCommandError(p.cmd.Path, p.args, p.stderr.String(), err)
	}
	return nil
}

// lsjsonEntry is one element of `rclone lsjson` output; unknown fields are ignored.
type lsjsonEntry struct {
	Path    string    `json:"Path"`
	Name    string    `json:"Name"`
	Size    int64     `json:"Size"`
	ModTime time.Time `json:"ModTime"`
	IsDir   bool      `json:"IsDir"`
}

func (r *Rclone) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	args := r.args("lsjson", "--recursive", "--files-only", "--include", prefix+"*", r.root())
	out, err := r.Runner.Run(ctx, r.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.root(), err)
	}
	return parseLsjson(out)
}

func parseLsjson(data []byte) ([]ObjectInfo, error) {
	var entries []lsjsonEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse rclone lsjson output: %w", err)
	}
	infos := make([]ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		infos = append(infos, ObjectInfo{Key: e.Path, Size: e.Size, Modified: e.ModTime})
	}
	return infos, nil
}
