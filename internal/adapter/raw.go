package adapter

import (
	"sync/atomic"

	"log/slog"

	"github.com/MrWong99/melodine/internal/wire"
	"github.com/MrWong99/melodine/pkg/audio/passthrough"
)

// Raw forwards container bytes unchanged to a consumer-owned output, one
// output per attach. Useful for piping a session into a file or a voice-chat
// library that demuxes the container itself.
type Raw struct {
	open    passthrough.Opener
	pump    trackPump
	pending atomic.Int64 // frames accepted but not yet written
}

// NewRaw creates the pass-through adapter. open is called at the start of
// each playback and again if the consumer closes its end mid-track.
func NewRaw(open passthrough.Opener) *Raw {
	return &Raw{open: open}
}

// Attach streams the sink's bytes into a fresh output.
func (r *Raw) Attach(sink *wire.Sink) {
	stream := passthrough.New(r.open)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stream.Close()
		for {
			select {
			case frame := <-sink.Frames():
				r.pending.Add(1)
				if _, err := stream.Write(frame); err != nil {
					slog.Warn("adapter: raw output unavailable, dropping frame", "err", err)
				}
				r.pending.Add(-1)
			case <-sink.Done():
				return
			}
		}
	}()
	r.pump.replace(func() { <-done }, func() bool {
		return r.pending.Load() == 0 && len(sink.Frames()) == 0
	})
}

// Idle reports whether all received bytes have been written out.
func (r *Raw) Idle() bool { return r.pump.isIdle() }

// Close drops the current output.
func (r *Raw) Close() error {
	r.pump.close()
	return nil
}
