// Package discord relays melodine audio into a Discord voice channel via the
// bwmarrin/discordgo library.
//
// The relay is a pure consumer: it joins a voice channel and forwards paced
// 20 ms Opus frames to the voice connection's send queue. Frame pacing is the
// jitter buffer's job (pkg/audio/jitter); the relay only bridges the paced
// output channel to discordgo and manages the speaking notification.
//
// The relay requires an active *discordgo.Session owned by the caller.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Relay forwards paced Opus frames to one Discord voice connection.
//
// Relay is safe for concurrent use.
type Relay struct {
	session *discordgo.Session
	guildID string

	mu sync.Mutex
	vc *discordgo.VoiceConnection

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// disconnectVC tears down the voice connection during Close.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// New creates a Relay for the given session and guild. No voice channel is
// joined until Start.
func New(session *discordgo.Session, guildID string) *Relay {
	return &Relay{
		session: session,
		guildID: guildID,
		done:    make(chan struct{}),
	}
}

// Start joins the voice channel and begins forwarding frames from in to the
// voice connection. The supplied ctx governs the join phase only; once
// started, the relay runs until Close or until in is closed.
func (r *Relay) Start(ctx context.Context, channelID string, in <-chan []byte) error {
	// mute=false (we send audio), deaf=true (we never receive).
	vc, err := r.session.ChannelVoiceJoin(r.guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	select {
	case <-ctx.Done():
		_ = vc.Disconnect()
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	r.vc = vc
	if r.disconnectVC == nil {
		r.disconnectVC = vc.Disconnect
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sendLoop(vc, in)
	return nil
}

// sendLoop forwards frames to the voice connection's Opus send queue,
// raising the speaking flag while frames flow.
func (r *Relay) sendLoop(vc *discordgo.VoiceConnection, in <-chan []byte) {
	defer r.wg.Done()

	speaking := false
	defer func() {
		if speaking {
			r.setSpeaking(vc, false)
		}
	}()

	for {
		select {
		case <-r.done:
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			if !speaking {
				r.setSpeaking(vc, true)
				speaking = true
			}
			select {
			case vc.OpusSend <- frame:
			case <-r.done:
				return
			}
		}
	}
}

// Close stops the send loop and leaves the voice channel. Safe to call more
// than once.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		disconnect := r.disconnectVC
		r.vc = nil
		r.mu.Unlock()

		if disconnect != nil {
			err = disconnect()
		}
	})
	return err
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (r *Relay) setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
