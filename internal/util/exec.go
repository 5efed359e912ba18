package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// stderrTailLimit bounds how much stderr a failed command keeps for its error message.
const stderrTailLimit = 4096

// waitDelay is how long a cancelled command may take to exit after SIGTERM before it is killed.
const waitDelay = 10 * time.Second

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// Command builds an exec.Cmd with merged env that runs in its own process group.
// Cancelling ctx sends SIGTERM to the whole group.
func Command(ctx context.Context, name string, args []string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	if len(env) > 0 {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	return cmd
}

// CommandError describes a command that exited unsuccessfully.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError wraps a failed run of name/args with its captured stderr.
func NewCommandError(name string, args []string, stderr string, err error) *CommandError {
	ce := &CommandError{Name: name, Args: args, ExitCode: -1, Stderr: strings.TrimSpace(stderr), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return ce
}

// Runner executes short-lived commands and returns their stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct {
	Env map[string]string
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := Command(ctx, name, args, r.Env)
	var stdout bytes.Buffer
	stderr := NewTailBuffer(stderrTailLimit)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), NewCommandError(name, args, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// TailBuffer keeps the last Limit bytes written to it.
type TailBuffer struct {
	limit int
	buf   []byte
}

func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = stderrTailLimit
	}
	return &TailBuffer{limit: limit}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *TailBuffer) String() string { return string(t.buf) }
