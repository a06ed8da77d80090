package player

import (
	"bytes"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/melodine/pkg/audio"
)

// newTestPlayer returns a Player whose clock is never started; tests drive
// step() directly.
func newTestPlayer(t *testing.T) (*Player, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	p, err := New(&out)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, &out
}

// pcmFrame returns a decoded frame of the given constant sample value.
func pcmFrame(v int16) []int16 {
	f := make([]int16, audio.FrameSamples*audio.Channels)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestPlayer_FillsBeforePlaying(t *testing.T) {
	t.Parallel()

	p, out := newTestPlayer(t)

	for i := 0; i < initialBufferFrames-1; i++ {
		p.fifo = append(p.fifo, pcmFrame(0))
	}
	p.step()
	if p.CurrentState() != StateFilling {
		t.Fatalf("state = %v, want filling below the initial buffer", p.CurrentState())
	}
	if out.Len() != 0 {
		t.Fatal("no audio should be emitted while filling")
	}

	p.fifo = append(p.fifo, pcmFrame(0))
	p.step()
	if p.CurrentState() != StatePlaying {
		t.Fatalf("state = %v, want playing once the initial buffer filled", p.CurrentState())
	}
	if out.Len() != audio.FramePCMBytes {
		t.Errorf("emitted %d bytes, want one frame (%d)", out.Len(), audio.FramePCMBytes)
	}
}

func TestPlayer_PositionAdvancesPerFrame(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t)
	for i := 0; i < initialBufferFrames; i++ {
		p.fifo = append(p.fifo, pcmFrame(0))
	}

	for i := 0; i < 10; i++ {
		p.step()
	}
	if got, want := p.Position(), 10*audio.FrameDuration; got != want {
		t.Errorf("Position() = %v, want %v", got, want)
	}
}

func TestPlayer_OverflowDropsOldestAndKeepsPositionTruthful(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t)
	for i := 0; i < maxBufferedFrames; i++ {
		p.fifo = append(p.fifo, pcmFrame(0))
	}

	// Pushing two more frames over the cap drops the two oldest and
	// advances the reported position by the dropped duration.
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	for i := 0; i < 2; i++ {
		packet, err := enc.Encode(pcmFrame(0), audio.FrameSamples, audio.FramePCMBytes)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := p.Push(packet); err != nil {
			t.Fatalf("Push() error: %v", err)
		}
	}

	if len(p.fifo) != maxBufferedFrames {
		t.Errorf("fifo length = %d, want cap %d", len(p.fifo), maxBufferedFrames)
	}
	if got, want := p.Position(), 2*audio.FrameDuration; got != want {
		t.Errorf("Position() = %v, want %v after dropping 2 frames", got, want)
	}
}

func TestPlayer_DrainsAfterFinish(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t)
	for i := 0; i < initialBufferFrames; i++ {
		p.fifo = append(p.fifo, pcmFrame(0))
	}
	p.step() // enter playing
	p.Finish()

	var drained bool
	for i := 0; i < initialBufferFrames+1; i++ {
		drained = p.step()
	}
	if !drained {
		t.Fatal("player should report drained after the buffer empties post-Finish")
	}
	if p.CurrentState() != StateDraining {
		t.Errorf("state = %v, want draining", p.CurrentState())
	}
}

func TestPlayer_VolumeRampIsGradual(t *testing.T) {
	t.Parallel()

	p, out := newTestPlayer(t)
	for i := 0; i < initialBufferFrames; i++ {
		p.fifo = append(p.fifo, pcmFrame(10000))
	}
	p.step() // playing at volume 1
	out.Reset()

	p.SetVolume(0)
	p.step()

	samples := audio.BytesToInt16s(out.Bytes())
	if samples[0] == 0 {
		t.Error("first sample after a volume change should not be fully muted yet")
	}
	last := samples[len(samples)-1]
	if last < 0 {
		last = -last
	}
	// Two time constants elapse over a 20 ms frame, so ~13.5% of the
	// original level should remain at the frame boundary.
	if last > 2000 {
		t.Errorf("end of frame = %d, want mostly decayed after two ramp time constants", last)
	}
}

func TestPlayer_ProgressThrottled(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlayer(t)
	var reports []time.Duration
	p.OnProgress(func(pos time.Duration) { reports = append(reports, pos) })

	for i := 0; i < initialBufferFrames*2; i++ {
		p.fifo = append(p.fifo, pcmFrame(0))
	}
	// 50 steps at the frame cadence span one second of audio; callbacks are
	// wall-clock throttled, so back-to-back steps yield at most a couple.
	for i := 0; i < 2*initialBufferFrames; i++ {
		p.step()
	}
	if len(reports) == 0 {
		t.Fatal("expected at least one progress report")
	}
	if len(reports) > 3 {
		t.Errorf("progress reports = %d, want throttled to a few for back-to-back steps", len(reports))
	}
}
