package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/melodine/internal/wire"
)

// WebAdapter forwards a session's container frames to every websocket client
// of the consumer as binary messages. The browser does its own buffering and
// decoding, so the adapter only pumps frames and tracks drain state.
type WebAdapter struct {
	server     *Server
	consumerID string

	mu      sync.Mutex
	current *wire.Sink
	pumping atomic.Bool
}

// NewWebAdapter creates the browser-audio adapter for one consumer.
func NewWebAdapter(server *Server, consumerID string) *WebAdapter {
	return &WebAdapter{server: server, consumerID: consumerID}
}

// Attach starts pumping the sink's frames to connected clients. A previously
// attached sink is abandoned; its Done signal terminates the old pump.
func (a *WebAdapter) Attach(sink *wire.Sink) {
	a.mu.Lock()
	a.current = sink
	a.mu.Unlock()

	a.pumping.Store(true)
	go a.pump(sink)
}

func (a *WebAdapter) pump(sink *wire.Sink) {
	defer func() {
		a.mu.Lock()
		if a.current == sink {
			a.pumping.Store(false)
		}
		a.mu.Unlock()
	}()
	for {
		select {
		case frame := <-sink.Frames():
			a.server.BroadcastAudio(a.consumerID, frame)
		case <-sink.Done():
			return
		}
	}
}

// Idle reports whether the adapter has drained its current sink. The network
// send is fire-and-forget, so an empty frame channel means idle.
func (a *WebAdapter) Idle() bool {
	a.mu.Lock()
	sink := a.current
	a.mu.Unlock()
	if sink == nil || !a.pumping.Load() {
		return true
	}
	return len(sink.Frames()) == 0
}

// Close abandons the current sink. The pump exits via the sink's Done signal
// when the orchestrator unregisters it.
func (a *WebAdapter) Close() error {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
	return nil
}
