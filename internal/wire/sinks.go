package wire

import (
	"log/slog"
	"sync"
)

// Sink is the receive side of one session's demuxed audio. Consumers read
// from Frames and stop when Done is signalled; the frame channel itself is
// never closed, which lets a blocked Offer and an Unregister race safely.
type Sink struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// Frames returns the back-pressured frame channel.
func (s *Sink) Frames() <-chan []byte { return s.frames }

// Done is signalled when the sink is unregistered or replaced.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) close() {
	s.once.Do(func() { close(s.done) })
}

// Sinks is the consumer-side demux registry: engine session id → one
// back-pressured frame channel. The mutex is held only for map operations;
// the channels themselves carry the back-pressure.
type Sinks struct {
	mu sync.Mutex
	m  map[string]*Sink
}

// NewSinks creates an empty registry.
func NewSinks() *Sinks {
	return &Sinks{m: make(map[string]*Sink)}
}

// Register creates a sink for sessionID with the given channel capacity. An
// existing sink for the same id is torn down first — after a stop/play cycle
// no frame from the prior pipeline may reach the new sink.
func (s *Sinks) Register(sessionID string, capacity int) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.m[sessionID]; ok {
		old.close()
	}
	sk := &Sink{
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}
	s.m[sessionID] = sk
	return sk
}

// Unregister tears down the sink for sessionID, releasing any blocked Offer
// and signalling the consumer. Unknown ids are ignored.
func (s *Sinks) Unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sk, ok := s.m[sessionID]; ok {
		delete(s.m, sessionID)
		sk.close()
	}
}

// Offer delivers payload to the sink registered for sessionID, blocking on a
// full channel until space frees or the sink is torn down. Payloads for
// unknown sessions are dropped — a late packet from a stopped session is not
// an error.
func (s *Sinks) Offer(sessionID string, payload []byte) {
	s.mu.Lock()
	sk, ok := s.m[sessionID]
	s.mu.Unlock()

	if !ok {
		slog.Debug("wire: dropping audio for unregistered session",
			"session_id", sessionID, "bytes", len(payload))
		return
	}

	select {
	case sk.frames <- payload:
	case <-sk.done:
		// Sink torn down while we were blocked; the session is gone.
	}
}
