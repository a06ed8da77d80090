package engine

import (
	"context"
	"sync"

	"github.com/MrWong99/melodine/internal/transcode"
)

// State is the lifecycle position of one session.
type State int

const (
	StateIdle State = iota
	StateExtracting
	StateTranscoding
	StateStreaming
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExtracting:
		return "extracting"
	case StateTranscoding:
		return "transcoding"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session is one playback pipeline for a single media URL. The id is chosen
// by the consumer and doubles as the audio-record session id on the wire;
// reusing the consumer id guarantees at most one active playback per
// consumer.
type Session struct {
	id     string
	url    string
	format transcode.Format

	mu           sync.Mutex
	state        State
	bytesSent    int64
	durationHint float64
	pipeline     pipeline
	cancel       context.CancelFunc
	stopped      bool // explicit stop, suppresses retry and events
	retries      int

	gate *gate
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	ID        string  `json:"id"`
	State     string  `json:"state"`
	URL       string  `json:"url"`
	Format    string  `json:"format"`
	BytesSent int64   `json:"bytes_sent"`
	Paused    bool    `json:"paused"`
	StartAt   float64 `json:"start_at_sec"`
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:        s.id,
		State:     s.state.String(),
		URL:       s.url,
		Format:    string(s.format),
		BytesSent: s.bytesSent,
		Paused:    s.gate.paused(),
	}
}

// stop tears down the session's subprocesses and marks it explicitly
// stopped. Idempotent.
func (s *Session) stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	pl := s.pipeline
	s.state = StateIdle
	s.mu.Unlock()

	s.gate.open() // release a paused run loop so it can observe cancellation
	if cancel != nil {
		cancel()
	}
	if pl != nil {
		pl.Stop()
	}
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// gate is the pause mechanism: while closed, the session's run loop blocks
// before consuming the next transcoder chunk, so backpressure suspends the
// subprocess without touching it. Opening the gate resumes the flow, no
// re-extraction involved.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed channel means the gate is open
}

func newGate() *gate {
	g := &gate{}
	g.ch = make(chan struct{})
	close(g.ch)
	return g
}

// close shuts the gate. No-op if already shut.
func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// open releases anyone waiting. No-op if already open.
func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return false
	default:
		return true
	}
}

// wait blocks until the gate opens or ctx is cancelled.
func (g *gate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.ch
		g.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
