// Package adapter bridges session sinks to the client-side audio adapters in
// pkg/audio. Each adapter implements the orchestrator's Adapter contract:
// Attach receives a fresh sink per playback, Idle gates auto-advance, and
// Close tears the consumer down.
package adapter

import (
	"errors"
	"io"
	"sync"

	"log/slog"

	"github.com/MrWong99/melodine/internal/wire"
	"github.com/MrWong99/melodine/pkg/audio/oggdemux"
)

// pumpSink copies sink frames into w until the sink is torn down, then
// closes w so the demuxer sees EOF.
func pumpSink(sink *wire.Sink, w io.WriteCloser) {
	defer w.Close()
	for {
		select {
		case frame := <-sink.Frames():
			if _, err := w.Write(frame); err != nil {
				return
			}
		case <-sink.Done():
			return
		}
	}
}

// demuxSink extracts Opus packets from the sink's container bytes and hands
// each one to push. It runs until the sink is torn down or the container is
// exhausted.
func demuxSink(sink *wire.Sink, push func([]byte)) {
	pr, pw := io.Pipe()
	go pumpSink(sink, pw)

	dm := oggdemux.New(pr)
	for {
		packet, err := dm.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("adapter: container demux ended", "err", err)
			}
			pr.Close()
			return
		}
		push(packet)
	}
}

// trackPump is the per-playback demux state shared by the opus adapters.
type trackPump struct {
	mu   sync.Mutex
	stop func() // tears down the current track's consumer
	idle func() bool
}

func (t *trackPump) replace(stop func(), idle func() bool) {
	t.mu.Lock()
	prev := t.stop
	t.stop = stop
	t.idle = idle
	t.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (t *trackPump) isIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle == nil || t.idle()
}

func (t *trackPump) close() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.idle = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}
