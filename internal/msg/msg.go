// Package msg defines the units of traffic that flow between the legs of a
// proxied connection.
package msg

import (
	"net/http"

	"github.com/die-net/waypoint/internal/conn"
)

// Message is a request head, response head, body chunk or raw tunnel bytes.
type Message interface {
	message()
}

// Request is a request head. Its body, if any, follows as Chunks.
type Request struct {
	*http.Request
	HasBody bool
}

// Response is a response head. Its body, if any, follows as Chunks.
type Response struct {
	*http.Response
	HasBody bool
}

// Chunk is a piece of a message body. The last chunk of every body has Last
// set and may carry no data.
type Chunk struct {
	Data *conn.Buffer
	Last bool
}

// Raw is tunneled data.
type Raw struct {
	Data *conn.Buffer
}

func (Request) message()  {}
func (Response) message() {}
func (Chunk) message()    {}
func (Raw) message()      {}

// Interim reports whether r is a 1xx response that precedes the final one.
func (r Response) Interim() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200 && r.StatusCode != http.StatusSwitchingProtocols
}

// Bytes returns the payload of a Chunk or Raw message.
func Bytes(m Message) []byte {
	if b := buffer(m); b != nil {
		return b.Bytes()
	}
	return nil
}

// Retain adds a reference to m's payload, if it has one.
func Retain(m Message) Message {
	if b := buffer(m); b != nil {
		b.Retain()
	}
	return m
}

// Release drops a reference to m's payload, if it has one.
func Release(m Message) {
	if b := buffer(m); b != nil {
		b.Release()
	}
}

// ReleaseFunc returns a function releasing m's payload, or nil.
func ReleaseFunc(m Message) func() {
	if b := buffer(m); b != nil {
		return b.Release
	}
	return nil
}

func buffer(m Message) *conn.Buffer {
	switch v := m.(type) {
	case Chunk:
		return v.Data
	case Raw:
		return v.Data
	}
	return nil
}
