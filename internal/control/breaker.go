package control

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/resilience"
	"github.com/MrWong99/melodine/internal/transcode"
)

// BreakerClient wraps a [Client] with a circuit breaker. Transport failures
// trip the breaker so an unreachable engine fails fast; domain errors pass
// through without counting as failures.
type BreakerClient struct {
	*Client
	cb *resilience.CircuitBreaker
}

// NewBreakerClient wraps c. The breaker opens after a handful of consecutive
// transport failures and probes again after a short reset window, matching
// the engine's typical restart time.
func NewBreakerClient(c *Client) *BreakerClient {
	return &BreakerClient{
		Client: c,
		cb: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "engine-control",
			MaxFailures:  3,
			ResetTimeout: 5 * time.Second,
		}),
	}
}

// guard runs fn through the breaker. A *DomainError is surfaced to the
// caller but recorded as a success: the engine answered, it just said no.
func (b *BreakerClient) guard(fn func() error) error {
	var domainErr error
	err := b.cb.Execute(func() error {
		err := fn()
		var de *DomainError
		if errors.As(err, &de) {
			domainErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return domainErr
}

func (b *BreakerClient) Play(ctx context.Context, sessionID, mediaURL string, format transcode.Format, startAtSec, durationHint float64) error {
	return b.guard(func() error {
		return b.Client.Play(ctx, sessionID, mediaURL, format, startAtSec, durationHint)
	})
}

func (b *BreakerClient) Stop(ctx context.Context, sessionID string) error {
	return b.guard(func() error { return b.Client.Stop(ctx, sessionID) })
}

func (b *BreakerClient) Pause(ctx context.Context, sessionID string) error {
	return b.guard(func() error { return b.Client.Pause(ctx, sessionID) })
}

func (b *BreakerClient) Resume(ctx context.Context, sessionID string) error {
	return b.guard(func() error { return b.Client.Resume(ctx, sessionID) })
}

func (b *BreakerClient) Metadata(ctx context.Context, mediaURL string) (*extract.Metadata, error) {
	var meta *extract.Metadata
	err := b.guard(func() error {
		var err error
		meta, err = b.Client.Metadata(ctx, mediaURL)
		return err
	})
	return meta, err
}

func (b *BreakerClient) Playlist(ctx context.Context, mediaURL string) ([]extract.Metadata, error) {
	var entries []extract.Metadata
	err := b.guard(func() error {
		var err error
		entries, err = b.Client.Playlist(ctx, mediaURL)
		return err
	})
	return entries, err
}

func (b *BreakerClient) Search(ctx context.Context, query string, limit int) ([]extract.Metadata, error) {
	var results []extract.Metadata
	err := b.guard(func() error {
		var err error
		results, err = b.Client.Search(ctx, query, limit)
		return err
	})
	return results, err
}

// BreakerState exposes the breaker state for health reporting.
func (b *BreakerClient) BreakerState() resilience.State {
	return b.cb.State()
}
