// Package jitter implements a frame jitter buffer for bare 20 ms Opus frames.
//
// Frames arrive from the transport with network-induced timing variance; a
// voice channel needs them at an exact 20 ms cadence. The buffer collects
// half a second of frames before starting paced output, then pops one frame
// per tick. A missing frame on a tick is an underrun: a single one is
// absorbed silently, a sustained run is logged once.
package jitter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/melodine/pkg/audio"
)

const (
	// prebufferFrames is the fill level at which paced output starts: 25
	// frames of 20 ms each, i.e. 500 ms of audio.
	prebufferFrames = 25

	// sustainedUnderrun is the number of consecutive underruns after which a
	// single warning line is emitted.
	sustainedUnderrun = 10

	// maxBufferedFrames bounds memory when the producer outruns the
	// consumer for a long stretch (15 s of audio).
	maxBufferedFrames = 750
)

// Stats summarises a finished session.
type Stats struct {
	Frames    int // frames played
	Underruns int // ticks with no frame available
}

// Buffer collects frames and emits them at a fixed 20 ms cadence once the
// prebuffer threshold is reached.
//
// Buffer is safe for concurrent use: Push is called from the transport demux
// goroutine while the pacing loop pops.
type Buffer struct {
	out chan<- []byte

	mu       sync.Mutex
	fifo     [][]byte
	started  bool // paced output has begun
	lastPop  []byte
	stats    Stats
	underrun int // consecutive underruns
	warned   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// tick is the pacing interval; overridden in tests.
	tick time.Duration
}

// New creates a Buffer that delivers paced frames to out. The caller owns
// out and must drain it; sends never block longer than one frame interval
// before the frame is dropped.
func New(out chan<- []byte) *Buffer {
	b := &Buffer{
		out:  out,
		done: make(chan struct{}),
		tick: audio.FrameDuration,
	}
	b.wg.Add(1)
	go b.pace()
	return b
}

// Push appends one frame to the FIFO. Frames pushed after Close are dropped.
func (b *Buffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	if len(b.fifo) >= maxBufferedFrames {
		// Producer far ahead of the clock; drop the oldest frame.
		b.fifo = b.fifo[1:]
	}
	b.fifo = append(b.fifo, frame)

	if b.underrun >= sustainedUnderrun && b.warned {
		slog.Info("jitter: recovered from sustained underrun",
			"missed", b.underrun, "buffered", len(b.fifo))
		b.warned = false
	}
	if len(b.fifo) > 0 {
		b.underrun = 0
	}
}

// Close stops the pacing loop and reports final statistics. Per-session
// stats are logged only when underruns exceeded 1% of played frames.
func (b *Buffer) Close() Stats {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stats.Frames > 0 && b.stats.Underruns*100 > b.stats.Frames {
		slog.Warn("jitter: session had degraded playback",
			"frames", b.stats.Frames, "underruns", b.stats.Underruns)
	}
	return b.stats
}

// pace runs the 20 ms output loop. It waits for the prebuffer threshold,
// then pops one frame per tick. On underrun it re-emits the prior frame so
// the consumer's cadence never stalls.
func (b *Buffer) pace() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		frame, ok := b.pop()
		if !ok {
			continue // still filling, or underrun with nothing to repeat
		}

		select {
		case b.out <- frame:
		case <-b.done:
			return
		}
	}
}

// pop takes the next frame off the FIFO, handling start threshold and
// underrun accounting. Returns false when nothing should be emitted on this
// tick.
func (b *Buffer) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		if len(b.fifo) < prebufferFrames {
			return nil, false
		}
		b.started = true
	}

	if len(b.fifo) == 0 {
		b.underrun++
		b.stats.Underruns++
		if b.underrun == sustainedUnderrun && !b.warned {
			slog.Warn("jitter: sustained underrun", "consecutive", b.underrun)
			b.warned = true
		}
		// Repeat the prior frame to keep the output cadence steady. A
		// single missing frame passes without any logging.
		if b.lastPop != nil {
			b.stats.Frames++
			return b.lastPop, true
		}
		return nil, false
	}

	frame := b.fifo[0]
	b.fifo = b.fifo[1:]
	b.underrun = 0
	b.lastPop = frame
	b.stats.Frames++
	return frame, true
}

// Buffered reports the number of frames currently queued.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fifo)
}

// Idle reports whether the buffer has started and fully drained — the signal
// the orchestrator waits on before auto-advancing, so the tail of a track is
// not chopped off.
func (b *Buffer) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && len(b.fifo) == 0
}
