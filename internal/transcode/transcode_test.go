package transcode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fakeBin(t *testing.T, script string) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Bin = path
	return cfg
}

func collect(t *testing.T, p *Pipeline, within time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(within)
	for {
		select {
		case chunk, ok := <-p.Output():
			if !ok {
				return got
			}
			got = append(got, chunk...)
		case <-deadline:
			t.Fatal("output channel did not close in time")
		}
	}
}

func TestPipeline_StreamsAndFinishesCleanly(t *testing.T) {
	t.Parallel()

	cfg := fakeBin(t, `printf 'audio-bytes-here'`)
	p := New(cfg, "s1")
	if err := p.Start(context.Background(), "http://stream", FormatPCM, 0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	got := collect(t, p, 5*time.Second)
	if string(got) != "audio-bytes-here" {
		t.Errorf("output = %q", got)
	}
	if err := p.ExitErr(); err != nil {
		t.Errorf("ExitErr() = %v, want nil for clean exit", err)
	}
}

func TestPipeline_NonZeroExitReported(t *testing.T) {
	t.Parallel()

	cfg := fakeBin(t, `printf 'partial'
exit 3`)
	p := New(cfg, "s1")
	if err := p.Start(context.Background(), "http://stream", FormatPCM, 0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	collect(t, p, 5*time.Second)
	if err := p.ExitErr(); err == nil {
		t.Error("ExitErr() = nil, want non-zero exit error")
	}
}

func TestPipeline_StopKillsSubprocess(t *testing.T) {
	t.Parallel()

	cfg := fakeBin(t, "sleep 30")
	p := New(cfg, "s1")
	if err := p.Start(context.Background(), "http://stream", FormatOpus, 0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	collect(t, p, 5*time.Second)
	if err := p.ExitErr(); err != nil {
		t.Errorf("ExitErr() = %v, want nil after deliberate stop", err)
	}
}

func TestPipeline_UnknownFormatRejected(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig(), "s1")
	err := p.Start(context.Background(), "http://stream", Format("mp3"), 0)
	if err == nil {
		t.Fatal("expected error for unknown format, got nil")
	}
}

func TestBuildArgs_SeekAndFormat(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig(), "s1")
	args := strings.Join(p.buildArgs("http://u", FormatOpus, 42.5), " ")
	if !strings.Contains(args, "-ss 42.500") {
		t.Errorf("args missing seek: %s", args)
	}
	if !strings.Contains(args, "-c:a libopus") || !strings.Contains(args, "-b:a 128000") {
		t.Errorf("args missing opus encoding: %s", args)
	}
	if !strings.Contains(args, "-page_duration 20000") {
		t.Errorf("args missing page duration: %s", args)
	}

	args = strings.Join(p.buildArgs("http://u", FormatWebOpus, 0), " ")
	if strings.Contains(args, "-ss") {
		t.Errorf("zero seek should not emit -ss: %s", args)
	}
	if !strings.Contains(args, "-b:a 256000") {
		t.Errorf("webopus should encode at 256k: %s", args)
	}

	args = strings.Join(p.buildArgs("http://u", FormatPCM, 0), " ")
	if !strings.Contains(args, "-f s16le") {
		t.Errorf("pcm args wrong: %s", args)
	}
}
