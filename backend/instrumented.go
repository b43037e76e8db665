package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
// Optional capabilities of the wrapped backend are passed through.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", err, start, cr.n)
	return err
}

// Read returns the wrapped backend's reader unchanged so random access
// (ReadAtCloser) survives instrumentation.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	ib.record(ctx, "read", err, start, 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", err, start, 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", err, start, 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", err, start, 0)
	return keys, err
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := ib.backend.(SizeAwareBackend)
	if !ok {
		return 0, fmt.Errorf("backend does not support Size")
	}
	start := time.Now()
	size, err := sb.Size(ctx, key)
	ib.record(ctx, "size", err, start, 0)
	return size, err
}

// Writer delegates to the underlying backend if it implements WriterBackend.
// Bytes written through the returned writer are counted when it is closed.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend does not support Writer")
	}
	start := time.Now()
	wc, err := wb.Writer(ctx, key)
	if err != nil {
		ib.record(ctx, "writer", err, start, 0)
		return nil, err
	}
	return &countingWriter{ctx: ctx, ib: ib, wc: wc, start: start}, nil
}

// DeletePrefix delegates to the underlying backend if it implements PrefixBackend.
func (ib *InstrumentedBackend) DeletePrefix(ctx context.Context, prefix string) error {
	pb, ok := ib.backend.(PrefixBackend)
	if !ok {
		return fmt.Errorf("backend does not support DeletePrefix")
	}
	start := time.Now()
	err := pb.DeletePrefix(ctx, prefix)
	ib.record(ctx, "delete_prefix", err, start, 0)
	return err
}

// Usage delegates to the underlying backend if it implements PrefixBackend.
func (ib *InstrumentedBackend) Usage(ctx context.Context, prefix string) (int64, error) {
	pb, ok := ib.backend.(PrefixBackend)
	if !ok {
		return 0, fmt.Errorf("backend does not support Usage")
	}
	start := time.Now()
	n, err := pb.Usage(ctx, prefix)
	ib.record(ctx, "usage", err, start, 0)
	return n, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, err error, start time.Time, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingWriter records a single "writer" operation when the write is
// committed or aborted.
type countingWriter struct {
	ctx   context.Context
	ib    *InstrumentedBackend
	wc    io.WriteCloser
	start time.Time
	n     int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.wc.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Close() error {
	err := cw.wc.Close()
	cw.ib.record(cw.ctx, "writer", err, cw.start, cw.n)
	return err
}

// Abort discards the write if the wrapped writer supports it.
func (cw *countingWriter) Abort() error {
	a, ok := cw.wc.(Aborter)
	if !ok {
		return cw.wc.Close()
	}
	err := a.Abort()
	cw.ib.record(cw.ctx, "writer", errors.New("aborted"), cw.start, cw.n)
	return err
}

// Compile-time interface checks
var (
	_ Backend          = (*InstrumentedBackend)(nil)
	_ WriterBackend    = (*InstrumentedBackend)(nil)
	_ SizeAwareBackend = (*InstrumentedBackend)(nil)
	_ PrefixBackend    = (*InstrumentedBackend)(nil)
	_ Aborter          = (*countingWriter)(nil)
)
