package conn

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// blockingWriter blocks every Write until unblocked.
type blockingWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *blockingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestWriterSaturation(t *testing.T) {
	t.Parallel()

	bw := &blockingWriter{release: make(chan struct{})}
	saturated := make(chan struct{}, 1)
	writable := make(chan struct{}, 1)
	w := NewWriter(bw, 10, 4, WriterEvents{
		Saturated: func() { saturated <- struct{}{} },
		Writable:  func() { writable <- struct{}{} },
	})
	defer w.Close()

	w.Enqueue([]byte("hello"), nil, nil)
	w.Enqueue([]byte("world"), nil, nil)
	select {
	case <-saturated:
	case <-time.After(time.Second):
		t.Fatal("writer never reported saturation")
	}
	if !w.Saturated() {
		t.Fatal("Saturated() = false")
	}

	close(bw.release)
	select {
	case <-writable:
	case <-time.After(time.Second):
		t.Fatal("writer never became writable")
	}

	done := make(chan error, 1)
	w.Enqueue(nil, nil, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := bw.String(); got != "helloworld" {
		t.Fatalf("wrote %q", got)
	}
}

func TestWriterCloseReleasesQueued(t *testing.T) {
	t.Parallel()

	bw := &blockingWriter{release: make(chan struct{})}
	w := NewWriter(bw, 0, 0, WriterEvents{})

	buf := Buffers.Copy([]byte("payload"))
	buf.Retain()
	var errs []error
	var mu sync.Mutex
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	// The first item is picked up by the writer goroutine and blocks, the
	// second stays queued.
	w.Enqueue([]byte("first"), nil, record)
	time.Sleep(10 * time.Millisecond)
	w.Enqueue(buf.Bytes(), buf.Release, record)
	w.Close()

	if buf.Refs() != 1 {
		t.Fatalf("refs = %d after close", buf.Refs())
	}
	buf.Release()

	w.Enqueue([]byte("late"), nil, record)
	close(bw.release)

	mu.Lock()
	defer mu.Unlock()
	closed := 0
	for _, err := range errs {
		if errors.Is(err, ErrWriterClosed) {
			closed++
		}
	}
	if closed < 2 {
		t.Fatalf("callbacks = %v, want the queued and late writes dropped", errs)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriterFailure(t *testing.T) {
	t.Parallel()

	failed := make(chan error, 1)
	w := NewWriter(failingWriter{}, 0, 0, WriterEvents{
		Failed: func(err error) { failed <- err },
	})

	done := make(chan error, 1)
	w.Enqueue([]byte("x"), nil, func(err error) { done <- err })
	if err := <-done; !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("done err = %v", err)
	}
	if err := <-failed; !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("failed err = %v", err)
	}
}

func TestWriterCloseAfterFlush(t *testing.T) {
	t.Parallel()

	bw := &blockingWriter{release: make(chan struct{})}
	w := NewWriter(bw, 0, 0, WriterEvents{})

	w.Enqueue([]byte("queued "), nil, nil)
	w.Enqueue([]byte("before close"), nil, nil)
	flushed := make(chan string, 1)
	w.CloseAfterFlush(func() { flushed <- bw.String() })

	late := make(chan error, 1)
	w.Enqueue([]byte("late"), nil, func(err error) { late <- err })
	if err := <-late; !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("late write err = %v", err)
	}

	close(bw.release)
	select {
	case got := <-flushed:
		if got != "queued before close" {
			t.Fatalf("flushed %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("flush callback never ran")
	}
}

func TestWriterCloseAfterFlushFailure(t *testing.T) {
	t.Parallel()

	w := NewWriter(failingWriter{}, 0, 0, WriterEvents{})
	w.Enqueue([]byte("x"), nil, nil)
	w.Enqueue([]byte("y"), nil, nil)

	flushed := make(chan struct{})
	w.CloseAfterFlush(func() { close(flushed) })
	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("flush callback never ran after a write error")
	}

	// Once closed, the callback runs straight away.
	again := make(chan struct{})
	w.CloseAfterFlush(func() { close(again) })
	<-again
}
