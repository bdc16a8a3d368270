package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	asyncChanSize = 4096
	asyncWorkers  = 2
)

// Closer flushes buffered log records. The synchronous path returns a
// no-op.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncEntry pairs a record with the handler derivation that enqueued it,
// so attrs added via With survive the channel crossing.
type asyncEntry struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler decouples log emission from I/O with a buffered channel and
// a small worker pool. When the channel is full, records are dropped rather
// than blocking the caller; the drop count is observable.
type AsyncHandler struct {
	inner   slog.Handler
	ch      chan asyncEntry
	wg      *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler starts workers draining records into inner.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner:   inner,
		ch:      make(chan asyncEntry, chanSize),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.wg.Done()
	for e := range h.ch {
		_ = e.h.Handle(context.Background(), e.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it when the channel is full. The
// record is cloned because it outlives this call.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.ch <- asyncEntry{h: h.inner, rec: rec.Clone()}:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs derives a handler that shares the channel and workers; records
// enqueued through it drain with the derived attrs intact.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), ch: h.ch, wg: h.wg, dropped: h.dropped}
}

// WithGroup derives a handler that shares the channel and workers.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), ch: h.ch, wg: h.wg, dropped: h.dropped}
}

// DroppedCount reports how many records were discarded under pressure.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and waits for the workers to finish draining. Only the
// handler returned by NewAsyncHandler may close; derived handlers share its
// channel.
func (h *AsyncHandler) Close() {
	close(h.ch)
	h.wg.Wait()
}
