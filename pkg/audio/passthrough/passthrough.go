// Package passthrough implements the container pass-through client adapter.
//
// Bytes from a session sink are written unchanged to an output stream; the
// consumer (typically a voice-chat library) demuxes Opus frames from the
// container itself. The one subtlety is re-creation: voice-chat libraries
// sometimes close an output that has not received data yet, while the engine
// session behind it is still live. A closed output must therefore be replaced
// on the next write, not treated as the end of the stream.
package passthrough

import (
	"io"
	"log/slog"
	"sync"
)

// Opener allocates a fresh output stream. It is called once at start and
// again whenever the previous output was closed by the consumer.
type Opener func() (io.WriteCloser, error)

// Stream forwards sink bytes to a consumer-owned output, lazily re-opening
// the output when the consumer closes it mid-session.
//
// Stream is safe for concurrent use.
type Stream struct {
	open Opener

	mu  sync.Mutex
	out io.WriteCloser // nil means closed; replaced on next write
	err error          // sticky open failure, cleared on successful reopen

	reopens int
}

// New creates a Stream that obtains outputs from open. The first output is
// not allocated until the first write.
func New(open Opener) *Stream {
	return &Stream{open: open}
}

// Write forwards p to the current output, opening one if needed. A write
// error closes the current output and marks it for replacement; the data for
// the failed write is dropped, matching the behavior of a consumer that
// closed its stream between packets.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		out, err := s.open()
		if err != nil {
			s.err = err
			return 0, err
		}
		if s.reopens > 0 {
			slog.Debug("passthrough: output re-created", "reopens", s.reopens)
		}
		s.out = out
		s.err = nil
	}

	n, err := s.out.Write(p)
	if err != nil {
		// Consumer closed the output under us. Replace on next write.
		_ = s.out.Close()
		s.out = nil
		s.reopens++
		return n, nil
	}
	return n, nil
}

// ConsumerClosed marks the current output as closed by the consumer. The
// next write allocates a fresh output instead of failing.
func (s *Stream) ConsumerClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
		s.reopens++
	}
}

// Reopens reports how many times the output has been replaced after a
// consumer-side close.
func (s *Stream) Reopens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reopens
}

// Close closes the current output, if any. A Stream whose session has ended
// should be dropped after Close; writes after Close would re-open the output.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	return err
}
