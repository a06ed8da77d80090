// Package transcode supervises an ffmpeg subprocess that converts an
// extracted media stream into framed audio chunks on a channel.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"log/slog"
)

// Format selects the transcoder's output encoding.
type Format string

const (
	// FormatPCM is raw s16le PCM, used by the local debug player.
	FormatPCM Format = "pcm"

	// FormatOpus is an ogg/opus container at 128 kbps with 20ms pages,
	// sized for voice-chat relays.
	FormatOpus Format = "opus"

	// FormatWebOpus is an ogg/opus container at 256 kbps for browser
	// clients.
	FormatWebOpus Format = "webopus"
)

// IsValid reports whether f is a recognised format.
func (f Format) IsValid() bool {
	switch f {
	case FormatPCM, FormatOpus, FormatWebOpus:
		return true
	}
	return false
}

// Config holds transcoder parameters shared by all sessions.
type Config struct {
	Bin        string
	SampleRate int
	Channels   int
}

// DefaultConfig returns the production transcoder configuration.
func DefaultConfig() Config {
	return Config{
		Bin:        "ffmpeg",
		SampleRate: 48000,
		Channels:   2,
	}
}

// Pipeline is one running transcoder subprocess. Chunks arrive on [Output];
// the channel is small, so a consumer that stops reading stalls the read
// loop, fills the stdout pipe and suspends the subprocess. That backpressure
// is how playback pause works: no signals, no teardown, resume is simply
// reading again.
type Pipeline struct {
	cfg       Config
	sessionID string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	output chan []byte

	mu      sync.Mutex
	exitErr error
}

// New creates a Pipeline for one session. sessionID is used for logging only.
func New(cfg Config, sessionID string) *Pipeline {
	if cfg.Bin == "" {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		cfg:       cfg,
		sessionID: sessionID,
		output:    make(chan []byte, 30), // ~600ms of stream at opus chunk sizes
	}
}

// Start launches the subprocess reading streamURL, seeking to startAtSec
// before decode. It returns once the process is running; chunks follow on
// [Pipeline.Output].
func (p *Pipeline) Start(ctx context.Context, streamURL string, format Format, startAtSec float64) error {
	if !format.IsValid() {
		return fmt.Errorf("transcode: unknown format %q", format)
	}
	ctx, p.cancel = context.WithCancel(ctx)

	// Container formats are read in small chunks so one transport record
	// never spans an ogg page boundary by much; PCM throughput prefers
	// larger reads.
	readSize := 16 * 1024
	if format != FormatPCM {
		readSize = 4 * 1024
	}

	p.cmd = exec.CommandContext(ctx, p.cfg.Bin, p.buildArgs(streamURL, format, startAtSec)...)

	var err error
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("transcode: stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("transcode: start %s: %w", p.cfg.Bin, err)
	}
	slog.Info("transcoder started",
		"session_id", p.sessionID,
		"format", format,
		"start_at_sec", startAtSec,
		"pid", p.cmd.Process.Pid,
	)

	go p.drainStderr(stderr)
	go p.readOutput(ctx, readSize)
	return nil
}

// Output returns the chunk channel. It is closed after the subprocess exits;
// check [Pipeline.ExitErr] afterwards to distinguish a clean finish from a
// failure.
func (p *Pipeline) Output() <-chan []byte {
	return p.output
}

// ExitErr reports how the subprocess ended. Valid only after Output closed.
func (p *Pipeline) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop kills the subprocess. Safe to call at any point after Start.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Pipeline) buildArgs(streamURL string, format Format, startAtSec float64) []string {
	// -re paces decode at native rate so long tracks do not pile up in
	// buffers; the reconnect flags ride out CDN connection resets.
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "warning",
		"-re",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_on_network_error", "1",
		"-reconnect_delay_max", "5",
	}
	if startAtSec > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", startAtSec))
	}
	args = append(args,
		"-i", streamURL,
		"-vn",
		"-ar", fmt.Sprintf("%d", p.cfg.SampleRate),
		"-ac", fmt.Sprintf("%d", p.cfg.Channels),
	)

	switch format {
	case FormatPCM:
		args = append(args, "-f", "s16le", "pipe:1")
	case FormatOpus:
		args = append(args, opusArgs("128000")...)
	case FormatWebOpus:
		args = append(args, opusArgs("256000")...)
	}
	return args
}

// opusArgs encodes to an ogg container with one 20ms opus frame per page,
// flushed per page so delivery stays smooth.
func opusArgs(bitrate string) []string {
	return []string{
		"-c:a", "libopus",
		"-b:a", bitrate,
		"-vbr", "on",
		"-frame_duration", "20",
		"-application", "audio",
		"-f", "ogg",
		"-page_duration", "20000",
		"-flush_packets", "1",
		"pipe:1",
	}
}

// readOutput copies subprocess stdout onto the output channel and records
// the exit status before closing it.
func (p *Pipeline) readOutput(ctx context.Context, readSize int) {
	defer close(p.output)

	buf := make([]byte, readSize)
	var total int64
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			total += int64(n)
			select {
			case p.output <- chunk:
			case <-ctx.Done():
				p.finish(ctx, total)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("transcoder read error", "session_id", p.sessionID, "err", err)
			}
			p.finish(ctx, total)
			return
		}
	}
}

// finish reaps the subprocess and stores its exit error. A kill caused by
// our own cancellation is not a failure.
func (p *Pipeline) finish(ctx context.Context, totalBytes int64) {
	err := p.cmd.Wait()
	if ctx.Err() != nil {
		err = nil
	}

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	if err != nil {
		slog.Warn("transcoder exited with error",
			"session_id", p.sessionID, "bytes", totalBytes, "err", err)
		return
	}
	slog.Info("transcoder finished",
		"session_id", p.sessionID, "bytes", totalBytes)
}

// drainStderr forwards subprocess diagnostics to the log, line by line.
func (p *Pipeline) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				if line := string(pending[:i]); line != "" {
					slog.Debug("transcoder stderr", "session_id", p.sessionID, "line", line)
				}
				pending = pending[i+1:]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				slog.Debug("transcoder stderr", "session_id", p.sessionID, "line", string(pending))
			}
			return
		}
	}
}
