package proxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"github.com/go-logr/logr"
)

var (
	errNoRoute        = errors.New("no chained proxy available")
	errNoHost         = errors.New("request has no host")
	errConnectTimeout = errors.New("timed out waiting for server connection")
	errFiltered       = errors.New("response dropped by filter")
)

// gatewayResponse builds the proxy's own answer to req.
func gatewayResponse(req *http.Request, code int, detail string) *http.Response {
	body := http.StatusText(code)
	if detail != "" {
		body += ": " + detail
	}
	body += "\n"
	return &http.Response{
		StatusCode: code,
		Status:     strconv.Itoa(code) + " " + http.StatusText(code),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":           {"text/plain; charset=utf-8"},
			"X-Content-Type-Options": {"nosniff"},
		},
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// readSynthetic drains the body of a response built by a filter or by
// gatewayResponse.
func readSynthetic(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body
}

// isClosedConn reports whether err is the peer going away rather than a
// protocol problem.
func isClosedConn(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return true
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// logFailure logs refused and reset connections at debug level and anything
// else as a warning.
func logFailure(log logr.Logger, msg string, err error, kv ...any) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.V(1).Info(msg, append(kv, "err", err)...)
		return
	}
	log.Info(msg, append(kv, "err", err)...)
}
