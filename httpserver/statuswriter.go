package httpserver

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// statusWriter records the response status for logging while passing through
// the optional interfaces the proxy relies on: Flush for streamed bodies and
// Hijack for WebSocket upgrades.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	// Hijacked connections settle their own status.
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
