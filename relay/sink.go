// Package relay contains the real-time core of the fleet backend: the
// command/response correlator that gives request/response and streaming
// semantics over the one-way device bus, and the subscriber registry that
// routes live bus traffic to long-lived viewers.
package relay

import (
	"sync"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
)

// Sink delivers events to one remote viewer, independent of transport. A
// long-lived streamed HTTP response and a socket connection satisfy it
// equally. Send and End may be called from the bus dispatch goroutine; a
// failed Send marks the viewer as gone and the caller stops delivering.
type Sink interface {
	// Send delivers one event payload to the viewer
	Send(payload []byte) error

	// End delivers a terminal marker; no Send follows an End
	End(reason string) error

	// Done is closed when the viewer disconnects
	Done() <-chan struct{}
}

// ChanSink is a channel-backed Sink for in-process consumers and tests
type ChanSink struct {
	C chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	ended  bool
	reason string
}

// NewChanSink creates a ChanSink with the given delivery buffer
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{
		C:    make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send delivers one payload, or reports ErrSinkClosed when the consumer is
// gone or the buffer is full (a viewer that cannot keep up is skipped, not
// queued without bound).
func (s *ChanSink) Send(payload []byte) error {
	select {
	case <-s.done:
		return errors.ErrSinkClosed
	default:
	}

	select {
	case s.C <- payload:
		return nil
	default:
		return errors.ErrSinkClosed
	}
}

// End records the terminal marker and closes the sink
func (s *ChanSink) End(reason string) error {
	s.mu.Lock()
	s.ended = true
	s.reason = reason
	s.mu.Unlock()
	s.Close()
	return nil
}

// Ended reports whether a terminal marker was delivered, and its reason
func (s *ChanSink) Ended() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.reason
}

// Done is closed when the consumer disconnects
func (s *ChanSink) Done() <-chan struct{} {
	return s.done
}

// Close marks the consumer as disconnected. Safe to call multiple times.
func (s *ChanSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
