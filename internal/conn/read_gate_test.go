package conn

import (
	"testing"
	"time"
)

func TestReadGate(t *testing.T) {
	t.Parallel()

	g := NewReadGate(Source{Mode: ModeHTTP})
	if src, ok := g.Wait(); !ok || src.Mode != ModeHTTP {
		t.Fatal("open gate should not block")
	}

	g.Hold()
	g.Pause()
	got := make(chan Source, 1)
	go func() {
		src, _ := g.Wait()
		got <- src
	}()

	g.Switch(Source{Mode: ModeRaw})
	select {
	case <-got:
		t.Fatal("reader released while paused")
	case <-time.After(20 * time.Millisecond):
	}

	g.Resume()
	select {
	case src := <-got:
		if src.Mode != ModeRaw {
			t.Fatalf("mode = %v", src.Mode)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never released")
	}

	g.Hold()
	g.Close()
	if _, ok := g.Wait(); ok {
		t.Fatal("closed gate should report !ok")
	}
}
