// Package pipeline runs chains of streaming stages with pipefail semantics:
// the chain fails when any stage fails, and a failing stage aborts all others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// ErrInterrupted is returned when the caller's context ends while stages are running.
var ErrInterrupted = errors.New("pipeline interrupted")

// ErrAborted is seen by a stage whose neighbour failed.
var ErrAborted = errors.New("pipeline aborted")

// Stage is one unit of a pipeline. The first stage receives a nil reader and
// the last stage a nil writer. Run must return once in is drained or ctx is done.
type Stage interface {
	Name() string
	Run(ctx context.Context, in io.Reader, out io.Writer) error
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, in io.Reader, out io.Writer) error
}

// StageFunc adapts a function to a Stage.
func StageFunc(name string, fn func(ctx context.Context, in io.Reader, out io.Writer) error) Stage {
	return funcStage{name: name, fn: fn}
}

func (f funcStage) Name() string { return f.name }

func (f funcStage) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return f.fn(ctx, in, out)
}

// StageError attributes a pipeline failure to a stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Run connects stages in order and blocks until every stage has returned.
func Run(ctx context.Context, stages ...Stage) error {
	if len(stages) == 0 {
		return errors.New("pipeline has no stages")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	errs := make([]error, len(stages))

	var in *io.PipeReader
	for i, stage := range stages {
		var reader *io.PipeReader
		var writer *io.PipeWriter
		if i < len(stages)-1 {
			reader, writer = io.Pipe()
		}
		stageIn := in
		idx := i
		eg.Go(func() error {
			err := stage.Run(egCtx, readerOrNil(stageIn), writerOrNil(writer))
			closeErr := error(nil)
			if err != nil {
				closeErr = fmt.Errorf("%w: %s failed", ErrAborted, stage.Name())
			}
			if writer != nil {
				// nil closes with EOF for the next stage.
				_ = writer.CloseWithError(closeErr)
			}
			if stageIn != nil {
				_ = stageIn.CloseWithError(closeErr)
			}
			if err != nil {
				errs[idx] = &StageError{Stage: stage.Name(), Err: err}
				return errs[idx]
			}
			return nil
		})
		in = reader
	}

	waitErr := eg.Wait()
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	return rootCause(errs, waitErr)
}

// rootCause prefers a stage that failed on its own over stages that only
// observed a neighbour's failure.
func rootCause(errs []error, fallback error) error {
	for _, err := range errs {
		if err != nil && !isSecondary(err) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fallback
}

func isSecondary(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled)
}

func readerOrNil(r *io.PipeReader) io.Reader {
	if r == nil {
		return nil
	}
	return r
}

func writerOrNil(w *io.PipeWriter) io.Writer {
	if w == nil {
		return nil
	}
	return w
}
