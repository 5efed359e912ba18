package pipeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// WriterStage builds a transform from a writer wrapper such as a compressor or
// an encrypter. The wrapper is closed after the input is drained so trailers are flushed.
func WriterStage(name string, wrap func(w io.Writer) (io.WriteCloser, error)) Stage {
	return StageFunc(name, func(ctx context.Context, in io.Reader, out io.Writer) error {
		if in == nil || out == nil {
			return errors.New("transform stage needs both input and output")
		}
		wc, err := wrap(out)
		if err != nil {
			return err
		}
		if _, err := io.Copy(wc, contextReader{ctx: ctx, r: in}); err != nil {
			_ = wc.Close()
			return err
		}
		return wc.Close()
	})
}

// ReaderStage builds a transform from a reader wrapper such as a decompressor or a decrypter.
func ReaderStage(name string, wrap func(r io.Reader) (io.ReadCloser, error)) Stage {
	return StageFunc(name, func(ctx context.Context, in io.Reader, out io.Writer) error {
		if in == nil || out == nil {
			return errors.New("transform stage needs both input and output")
		}
		rc, err := wrap(contextReader{ctx: ctx, r: in})
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(out, rc)
		return err
	})
}

// Counter counts bytes flowing through it. It is safe to read while the pipeline runs.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Bytes() int64 { return c.n.Load() }

// Stage returns a pass-through stage that counts bytes.
func (c *Counter) Stage(name string) Stage {
	return StageFunc(name, func(ctx context.Context, in io.Reader, out io.Writer) error {
		n, err := io.Copy(out, contextReader{ctx: ctx, r: in})
		c.n.Add(n)
		return err
	})
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
