package conn

import (
	"errors"
	"io"
	"sync"
)

// ErrWriterClosed is reported to write callbacks whose data was dropped
// because the writer was closed first.
var ErrWriterClosed = errors.New("writer closed")

// Default watermarks for a Writer, in queued bytes.
const (
	DefaultHighWatermark = 256 * 1024
	DefaultLowWatermark  = 64 * 1024
)

type writeItem struct {
	data    []byte
	release func()
	done    func(error)
}

// WriterEvents receives a Writer's notifications. They are called from the
// writer's goroutine or from the goroutine calling Enqueue, never with the
// writer's lock held.
type WriterEvents struct {
	// Saturated is called when queued bytes reach the high watermark.
	Saturated func()
	// Writable is called when a saturated writer drains to the low watermark.
	Writable func()
	// Failed is called once with the first write error.
	Failed func(error)
	// Wrote is called with the size of each successful write.
	Wrote func(n int)
}

// Writer owns the write side of a connection. Data is queued without blocking
// and written in order by a dedicated goroutine.
type Writer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	w         io.Writer
	queue     []writeItem
	queued    int
	high, low int
	saturated bool
	closed    bool
	// flushed is set by CloseAfterFlush and runs once the queue is empty.
	flushed func()
	events  WriterEvents
}

// NewWriter starts a Writer for w. Zero watermarks select the defaults.
func NewWriter(w io.Writer, high, low int, events WriterEvents) *Writer {
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 || low > high {
		low = min(DefaultLowWatermark, high)
	}
	wr := &Writer{w: w, high: high, low: low, events: events}
	wr.cond = sync.NewCond(&wr.mu)
	go wr.run()
	return wr
}

// SetOutput replaces the underlying writer, for example after a TLS
// handshake. It must only be called while nothing is queued.
func (w *Writer) SetOutput(out io.Writer) {
	w.mu.Lock()
	w.w = out
	w.mu.Unlock()
}

// Enqueue queues data. release, if non-nil, is called once data is no longer
// needed. done, if non-nil, is called with the outcome of the write.
func (w *Writer) Enqueue(data []byte, release func(), done func(error)) {
	w.mu.Lock()
	if w.closed || w.flushed != nil {
		w.mu.Unlock()
		finish(writeItem{release: release, done: done}, ErrWriterClosed)
		return
	}
	w.queue = append(w.queue, writeItem{data: data, release: release, done: done})
	w.queued += len(data)
	saturate := !w.saturated && w.queued >= w.high
	if saturate {
		w.saturated = true
	}
	w.cond.Signal()
	w.mu.Unlock()

	if saturate && w.events.Saturated != nil {
		w.events.Saturated()
	}
}

// Saturated reports whether queued bytes are above the high watermark.
func (w *Writer) Saturated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saturated
}

// Close drops everything still queued. It does not close the underlying
// writer.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	dropped := w.queue
	w.queue = nil
	w.queued = 0
	flushed := w.flushed
	w.flushed = nil
	w.cond.Signal()
	w.mu.Unlock()

	for _, it := range dropped {
		finish(it, ErrWriterClosed)
	}
	if flushed != nil {
		flushed()
	}
}

// CloseAfterFlush stops accepting data and calls fn, from the writer's
// goroutine, once everything already queued was written. If a write fails
// or Close is called first, the rest is dropped and fn runs then. fn runs
// immediately if the writer is already closed.
func (w *Writer) CloseAfterFlush(fn func()) {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		fn()
		return
	case w.flushed != nil:
		w.mu.Unlock()
		return
	}
	w.flushed = fn
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *Writer) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed && w.flushed == nil {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			w.closed = true
			flushed := w.flushed
			w.flushed = nil
			w.mu.Unlock()
			flushed()
			return
		}
		it := w.queue[0]
		w.queue[0] = writeItem{}
		w.queue = w.queue[1:]
		out := w.w
		w.mu.Unlock()

		var err error
		if len(it.data) > 0 {
			var n int
			n, err = out.Write(it.data)
			if n > 0 && w.events.Wrote != nil {
				w.events.Wrote(n)
			}
		}
		finish(it, err)

		w.mu.Lock()
		w.queued -= len(it.data)
		writable := w.saturated && w.queued <= w.low
		if writable {
			w.saturated = false
		}
		w.mu.Unlock()

		if err != nil {
			w.Close()
			if w.events.Failed != nil {
				w.events.Failed(err)
			}
			return
		}
		if writable && w.events.Writable != nil {
			w.events.Writable()
		}
	}
}

func finish(it writeItem, err error) {
	if it.release != nil {
		it.release()
	}
	if it.done != nil {
		it.done(err)
	}
}
