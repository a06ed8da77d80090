package adapter

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/melodine/internal/wire"
)

type closableBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *closableBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *closableBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *closableBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRawForwardsContainerBytes(t *testing.T) {
	t.Parallel()

	out := &closableBuffer{}
	r := NewRaw(func() (io.WriteCloser, error) { return out, nil })

	sinks := wire.NewSinks()
	sink := sinks.Register("c1", 8)
	r.Attach(sink)

	sinks.Offer("c1", []byte("OggS-page-1"))
	sinks.Offer("c1", []byte("OggS-page-2"))

	waitFor(t, func() bool {
		return out.String() == "OggS-page-1OggS-page-2"
	}, "frames never reached the output")

	waitFor(t, r.Idle, "adapter never reported idle after drain")

	sinks.Unregister("c1")
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRawAttachReplacesPriorTrack(t *testing.T) {
	t.Parallel()

	first := &closableBuffer{}
	second := &closableBuffer{}
	outputs := []io.WriteCloser{first, second}
	var mu sync.Mutex
	r := NewRaw(func() (io.WriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		out := outputs[0]
		outputs = outputs[1:]
		return out, nil
	})

	sinks := wire.NewSinks()
	sink1 := sinks.Register("c1", 8)
	r.Attach(sink1)
	sinks.Offer("c1", []byte("track-one"))
	waitFor(t, func() bool { return first.String() == "track-one" }, "first track never written")

	// A new playback registers a fresh sink for the same id, tearing the old
	// one down, then re-attaches.
	sink2 := sinks.Register("c1", 8)
	r.Attach(sink2)
	sinks.Offer("c1", []byte("track-two"))
	waitFor(t, func() bool { return second.String() == "track-two" }, "second track never written")

	if got := first.String(); got != "track-one" {
		t.Errorf("first output = %q, want track-one only", got)
	}

	sinks.Unregister("c1")
	r.Close()
}

func TestTrackPumpIdleWithoutAttach(t *testing.T) {
	t.Parallel()

	var p trackPump
	if !p.isIdle() {
		t.Error("pump with no track should be idle")
	}

	stopped := false
	p.replace(func() { stopped = true }, func() bool { return false })
	if p.isIdle() {
		t.Error("pump with a busy track should not be idle")
	}

	p.close()
	if !stopped {
		t.Error("close should invoke the track's stop func")
	}
	if !p.isIdle() {
		t.Error("closed pump should be idle")
	}
}
