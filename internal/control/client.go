package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/melodine/internal/engine"
	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/transcode"
)

// DomainError is a request the engine understood but rejected — the control
// plane answered 200 with status "error".
type DomainError struct {
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// Client is the orchestrator-side view of the engine control plane.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a Client for the control plane at baseURL
// (e.g. "http://127.0.0.1:6011").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Play starts playback of url for sessionID.
func (c *Client) Play(ctx context.Context, sessionID, mediaURL string, format transcode.Format, startAtSec, durationHint float64) error {
	body := playRequest{
		URL:        mediaURL,
		Format:     string(format),
		StartAtSec: startAtSec,
		Duration:   durationHint,
	}
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/play", body, nil)
}

// Stop tears down sessionID's pipeline.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/stop", nil, nil)
}

// Pause pauses sessionID without tearing anything down.
func (c *Client) Pause(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/pause", nil, nil)
}

// Resume resumes a paused session.
func (c *Client) Resume(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/resume", nil, nil)
}

// Status fetches a session snapshot.
func (c *Client) Status(ctx context.Context, sessionID string) (engine.Status, error) {
	var st engine.Status
	err := c.get(ctx, "/session/"+url.PathEscape(sessionID)+"/status", &st)
	return st, err
}

// Metadata probes a single media URL.
func (c *Client) Metadata(ctx context.Context, mediaURL string) (*extract.Metadata, error) {
	var meta extract.Metadata
	q := url.Values{"url": {mediaURL}}
	if err := c.get(ctx, "/metadata?"+q.Encode(), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Playlist expands a playlist URL.
func (c *Client) Playlist(ctx context.Context, mediaURL string) ([]extract.Metadata, error) {
	var entries []extract.Metadata
	q := url.Values{"url": {mediaURL}}
	if err := c.get(ctx, "/playlist?"+q.Encode(), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Search runs a provider search.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]extract.Metadata, error) {
	var results []extract.Metadata
	q := url.Values{"q": {query}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/search?"+q.Encode(), &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Healthy reports whether the engine answers its liveness probe.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("control: build request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("control: engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control: engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("control: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("control: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("control: build request: %w", err)
	}
	return c.do(req, out)
}

// do executes a request and unpacks the response envelope. Data is decoded
// into out when both are present.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("control: decode response: %w", err)
	}
	if envelope.Status == "error" {
		return &DomainError{Message: envelope.Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("control: decode data: %w", err)
		}
	}
	return nil
}
