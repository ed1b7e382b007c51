package conn

import (
	"bufio"
	"sync"
)

// Mode selects how a connection's reader interprets incoming bytes.
type Mode int

const (
	// ModeHTTP parses HTTP/1.x messages.
	ModeHTTP Mode = iota
	// ModeRaw passes bytes through untouched, as in a tunnel.
	ModeRaw
)

// Source is what a reader reads from next.
type Source struct {
	Mode   Mode
	Reader *bufio.Reader
}

// ReadGate coordinates a connection's reader goroutine with its Loop. The
// loop pauses the reader for backpressure and holds it across protocol
// switches; the reader calls Wait before each read.
type ReadGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	src    Source
	pauses int
	held   bool
	closed bool
}

func NewReadGate(src Source) *ReadGate {
	g := &ReadGate{src: src}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Wait blocks while the reader is paused or held and returns what to read
// from. ok is false once the gate is closed.
func (g *ReadGate) Wait() (src Source, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.closed && (g.pauses > 0 || g.held) {
		g.cond.Wait()
	}
	return g.src, !g.closed
}

// Pause stops the reader before its next read. Each Pause must be matched by
// one Resume.
func (g *ReadGate) Pause() {
	g.mu.Lock()
	g.pauses++
	g.mu.Unlock()
}

func (g *ReadGate) Resume() {
	g.mu.Lock()
	if g.pauses > 0 {
		g.pauses--
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Paused reports whether backpressure is holding the reader.
func (g *ReadGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauses > 0
}

// Hold stops the reader until Switch is called. The reader calls it before
// handing a message that may change the protocol to the loop.
func (g *ReadGate) Hold() {
	g.mu.Lock()
	g.held = true
	g.mu.Unlock()
}

// Held reports whether the reader is waiting for Switch.
func (g *ReadGate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Switch releases a held reader, reading from src from now on.
func (g *ReadGate) Switch(src Source) {
	g.mu.Lock()
	g.src = src
	g.held = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *ReadGate) Close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}
