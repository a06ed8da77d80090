// Package player implements the paced local playback adapter.
//
// It mirrors what a browser client does with an audio context: collect a
// short initial buffer, then schedule decoded 20 ms frames against a local
// clock, keeping a bounded amount of audio ahead of the playhead. Frames
// arrive as bare Opus packets and are decoded to interleaved s16le PCM with
// gopus before being written to the output device.
//
// The reported playback position stays truthful under overflow: when the
// buffer exceeds its cap the oldest frames are dropped and the position is
// advanced by the dropped duration.
package player

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/melodine/pkg/audio"
)

// State is the scheduler phase.
type State int

const (
	// StateFilling collects the initial buffer before playback starts.
	StateFilling State = iota

	// StatePlaying emits one frame per tick while keeping the
	// scheduled-ahead window topped up.
	StatePlaying

	// StateDraining plays out the remaining buffer after the stream ended.
	StateDraining
)

// String returns the lower-case phase name.
func (s State) String() string {
	switch s {
	case StateFilling:
		return "filling"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Scheduler tuning. Durations are expressed in frames (20 ms each).
const (
	// initialBufferFrames is the fill level before playback starts (~0.5 s).
	initialBufferFrames = 25

	// targetAheadFrames is the base scheduled-ahead window (~0.4 s).
	targetAheadFrames = 20

	// maxBufferedFrames caps the buffer at 2 s; beyond it the oldest frames
	// are dropped and the position advances by the dropped duration.
	maxBufferedFrames = 100

	// healthyGrowth scales the ahead target while the buffer stays healthy.
	healthyGrowth = 1.5

	// healthyStreak is the number of consecutive well-fed ticks before the
	// ahead target grows.
	healthyStreak = 50

	// progressInterval throttles progress callbacks to ~4 Hz, independent of
	// the 50 Hz frame cadence.
	progressInterval = 250 * time.Millisecond

	// volumeTau is the time constant of the volume ramp (~10 ms), applied
	// per-sample to avoid clicks on volume changes.
	volumeTau = 10 * time.Millisecond
)

// Player schedules decoded PCM frames against a local clock and writes them
// to an output device.
//
// Push may be called from the transport demux goroutine; all other methods
// are safe for concurrent use as well.
type Player struct {
	out io.Writer
	dec *gopus.Decoder

	mu           sync.Mutex
	state        State
	fifo         [][]int16 // decoded frames awaiting playback
	pos          time.Duration
	dropped      time.Duration
	streak       int
	aheadFrames  int
	volume       float64 // current, ramped
	targetVolume float64
	finished     bool

	progressFn   func(pos time.Duration)
	lastProgress time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	tick time.Duration
}

// New creates a Player writing s16le PCM to out. Playback begins once the
// initial buffer has filled; call Run to start the clock.
func New(out io.Writer) (*Player, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("player: create opus decoder: %w", err)
	}
	return &Player{
		out:          out,
		dec:          dec,
		aheadFrames:  targetAheadFrames,
		volume:       1,
		targetVolume: 1,
		done:         make(chan struct{}),
		tick:         audio.FrameDuration,
	}, nil
}

// OnProgress registers cb for throttled position reports (~4 Hz). Only one
// callback may be registered; later calls replace earlier ones.
func (p *Player) OnProgress(cb func(pos time.Duration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progressFn = cb
}

// Push decodes one Opus packet and appends it to the buffer. Overflow drops
// the oldest frames and advances the reported position so it stays truthful.
func (p *Player) Push(packet []byte) error {
	pcm, err := p.dec.Decode(packet, audio.FrameSamples, false)
	if err != nil {
		return fmt.Errorf("player: opus decode: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.fifo = append(p.fifo, pcm)
	if over := len(p.fifo) - maxBufferedFrames; over > 0 {
		p.fifo = p.fifo[over:]
		adv := time.Duration(over) * audio.FrameDuration
		p.pos += adv
		p.dropped += adv
		slog.Debug("player: buffer cap exceeded, dropped oldest",
			"frames", over, "position", p.pos)
	}
	return nil
}

// Finish marks the stream as ended; the player drains the remaining buffer
// and then stops emitting.
func (p *Player) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	if p.state != StateFilling {
		p.state = StateDraining
	}
}

// SetVolume sets the target volume in [0, 2]. The change is applied through
// an exponential ramp rather than a step.
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 2 {
		v = 2
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetVolume = v
}

// Position returns the reported playback position.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// Idle reports whether the buffer is empty after playback began — the signal
// waited on before tearing the player down between tracks.
func (p *Player) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != StateFilling && len(p.fifo) == 0
}

// CurrentState returns the scheduler phase.
func (p *Player) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run drives the playback clock until Close is called or the stream drains.
func (p *Player) Run() {
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		if p.step() {
			return
		}
	}
}

// Close stops the clock. Safe to call more than once.
func (p *Player) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

// step advances the scheduler by one tick. It returns true when a draining
// player has fully emptied.
func (p *Player) step() (drained bool) {
	p.mu.Lock()

	switch p.state {
	case StateFilling:
		if p.finished && len(p.fifo) > 0 {
			// Short stream: play out whatever arrived.
			p.state = StateDraining
		} else if len(p.fifo) < initialBufferFrames {
			p.mu.Unlock()
			return false
		} else {
			p.state = StatePlaying
		}
	case StatePlaying:
		if p.finished {
			p.state = StateDraining
		}
	}

	if len(p.fifo) == 0 {
		if p.state == StateDraining {
			p.mu.Unlock()
			return true
		}
		// Stall: the ahead window collapsed. Drop back to filling so
		// playback resumes smoothly instead of stuttering frame by frame.
		p.state = StateFilling
		p.streak = 0
		p.aheadFrames = targetAheadFrames
		p.mu.Unlock()
		return false
	}

	frame := p.fifo[0]
	p.fifo = p.fifo[1:]

	// Grow the ahead target while the buffer stays comfortably fed.
	if len(p.fifo) >= p.aheadFrames {
		p.streak++
		if p.streak >= healthyStreak && p.aheadFrames == targetAheadFrames {
			p.aheadFrames = int(float64(targetAheadFrames) * healthyGrowth)
		}
	} else {
		p.streak = 0
	}

	out := p.applyVolume(frame)
	p.pos += audio.FrameDuration

	cb := p.progressFn
	var report time.Duration
	reportNow := false
	if cb != nil && time.Since(p.lastProgress) >= progressInterval {
		p.lastProgress = time.Now()
		report = p.pos
		reportNow = true
	}
	p.mu.Unlock()

	if _, err := p.out.Write(audio.Int16sToBytes(out)); err != nil {
		slog.Warn("player: output write failed", "err", err)
	}
	if reportNow {
		cb(report)
	}
	return false
}

// applyVolume scales a frame by the ramped volume. The ramp coefficient is
// derived from the 10 ms time constant at the stream sample rate.
// Caller holds p.mu.
func (p *Player) applyVolume(frame []int16) []int16 {
	if p.volume == p.targetVolume && p.volume == 1 {
		return frame
	}

	alpha := 1 - math.Exp(-1/(float64(audio.SampleRate)*volumeTau.Seconds()))
	out := make([]int16, len(frame))
	v := p.volume
	for i := 0; i < len(frame); i += audio.Channels {
		v += (p.targetVolume - v) * alpha
		for c := 0; c < audio.Channels && i+c < len(frame); c++ {
			s := float64(frame[i+c]) * v
			if s > math.MaxInt16 {
				s = math.MaxInt16
			} else if s < math.MinInt16 {
				s = math.MinInt16
			}
			out[i+c] = int16(s)
		}
	}
	p.volume = v
	return out
}
