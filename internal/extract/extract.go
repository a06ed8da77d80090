// Package extract resolves opaque media URLs into concrete stream URLs and
// metadata by supervising a yt-dlp subprocess.
package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"log/slog"
)

// Metadata is the subset of extractor output the service cares about.
type Metadata struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration"`
	Thumbnail       string  `json:"thumbnail"`
	WebpageURL      string  `json:"webpage_url"`
	Uploader        string  `json:"uploader"`
}

// Extractor runs the media extractor binary. Every invocation is bounded by
// the configured timeout; cancelling the caller's context kills the
// subprocess and discards partial output.
type Extractor struct {
	bin     string
	timeout time.Duration
}

// Option configures an [Extractor].
type Option func(*Extractor)

// WithBinary overrides the extractor executable (default "yt-dlp").
func WithBinary(bin string) Option {
	return func(e *Extractor) { e.bin = bin }
}

// WithTimeout overrides the per-invocation timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		bin:     "yt-dlp",
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StreamURL resolves url into a directly playable media stream URL.
func (e *Extractor) StreamURL(ctx context.Context, url string) (string, error) {
	out, err := e.run(ctx, "-f", "bestaudio/best", "--get-url", "--no-playlist", url)
	if err != nil {
		return "", fmt.Errorf("extract: stream url for %q: %w", url, err)
	}
	streamURL := strings.TrimSpace(string(out))
	if streamURL == "" {
		return "", fmt.Errorf("extract: no stream url produced for %q", url)
	}
	// With --no-playlist a single URL is expected; keep the first line if
	// the extractor emitted several anyway.
	if i := strings.IndexByte(streamURL, '\n'); i >= 0 {
		streamURL = streamURL[:i]
	}
	return streamURL, nil
}

// Probe fetches metadata for a single media URL.
func (e *Extractor) Probe(ctx context.Context, url string) (*Metadata, error) {
	out, err := e.run(ctx, "--dump-json", "--no-playlist", url)
	if err != nil {
		return nil, fmt.Errorf("extract: metadata for %q: %w", url, err)
	}
	var meta Metadata
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("extract: decode metadata for %q: %w", url, err)
	}
	return &meta, nil
}

// Playlist expands a playlist URL into per-entry metadata without resolving
// stream URLs. The flat listing keeps this fast even for long playlists.
func (e *Extractor) Playlist(ctx context.Context, url string) ([]Metadata, error) {
	out, err := e.run(ctx, "--dump-json", "--flat-playlist", url)
	if err != nil {
		return nil, fmt.Errorf("extract: playlist %q: %w", url, err)
	}
	entries, err := decodeLines(out)
	if err != nil {
		return nil, fmt.Errorf("extract: playlist %q: %w", url, err)
	}
	return entries, nil
}

// Search runs a provider search and returns up to limit candidates with
// metadata, one per result.
func (e *Extractor) Search(ctx context.Context, query string, limit int) ([]Metadata, error) {
	if limit < 1 {
		limit = 5
	}
	out, err := e.run(ctx, "--dump-json", "--flat-playlist",
		fmt.Sprintf("ytsearch%d:%s", limit, query))
	if err != nil {
		return nil, fmt.Errorf("extract: search %q: %w", query, err)
	}
	entries, err := decodeLines(out)
	if err != nil {
		return nil, fmt.Errorf("extract: search %q: %w", query, err)
	}
	return entries, nil
}

// run executes one extractor invocation and returns its stdout. Stderr is
// folded into the returned error on failure.
func (e *Extractor) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	slog.Debug("extractor invocation finished",
		"bin", e.bin,
		"duration", time.Since(start),
		"stdout_bytes", stdout.Len(),
		"err", err,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", e.bin, ctx.Err())
		}
		if msg := lastStderrLine(stderr.Bytes()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.bin, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", e.bin, err)
	}
	return stdout.Bytes(), nil
}

// decodeLines parses newline-delimited JSON objects, one metadata entry per
// line, skipping blanks.
func decodeLines(out []byte) ([]Metadata, error) {
	var entries []Metadata
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(line, &meta); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, meta)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return entries, nil
}

// lastStderrLine returns the final non-empty stderr line, which is where the
// extractor puts its actual error message.
func lastStderrLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
