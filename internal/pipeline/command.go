package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/rowjay/zfs-backup-utility/internal/util"
)

// Command is a stage backed by an external process reading stdin and writing stdout.
type Command struct {
	Label string
	Path  string
	Args  []string
	Env   map[string]string
	// Progress receives the process stderr as it is produced; may be nil.
	Progress io.Writer
}

func (c *Command) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Path
}

func (c *Command) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	cmd := util.Command(ctx, c.Path, c.Args, c.Env)
	if in != nil {
		cmd.Stdin = in
	}
	if out != nil {
		cmd.Stdout = out
	}
	tail := util.NewTailBuffer(0)
	cmd.Stderr = tail
	if c.Progress != nil {
		cmd.Stderr = io.MultiWriter(tail, c.Progress)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s terminated: %w", c.Name(), ctx.Err())
		}
		return util.NewCommandError(c.Path, c.Args, tail.String(), err)
	}
	return nil
}

// Argv returns the command line for logging.
func (c *Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}
