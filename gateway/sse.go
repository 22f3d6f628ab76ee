package gateway

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
)

// sseWriter adapts an HTTP response into a relay sink: each payload
// becomes one server-sent event, and the terminal marker is delivered as
// an "end" event so the browser can distinguish a clean stop from a
// dropped connection.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrSinkClosed, "sseWriter", "new", "response does not support streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// Send writes one event to the response
func (s *sseWriter) Send(payload []byte) error {
	select {
	case <-s.done:
		return errors.ErrSinkClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return errors.WrapTransient(err, "sseWriter", "Send", "write event")
	}
	s.flusher.Flush()
	return nil
}

// End writes the terminal event and closes the stream
func (s *sseWriter) End(reason string) error {
	s.mu.Lock()
	_, err := fmt.Fprintf(s.w, "event: end\ndata: %s\n\n", reason)
	if err == nil {
		s.flusher.Flush()
	}
	s.mu.Unlock()

	s.Close()
	if err != nil {
		return errors.WrapTransient(err, "sseWriter", "End", "write terminal event")
	}
	return nil
}

// Done is closed when the stream ends, from either side
func (s *sseWriter) Done() <-chan struct{} {
	return s.done
}

// Close marks the stream finished. Safe to call multiple times.
func (s *sseWriter) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
