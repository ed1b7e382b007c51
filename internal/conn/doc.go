// Package conn holds the pieces shared by both legs of a proxied
// connection: the lifecycle state machine, the serialized processing loop a
// client connection and its server connections run on, a bounded writer with
// saturation reporting, the connect gate, idle timers and pooled buffers.
package conn
