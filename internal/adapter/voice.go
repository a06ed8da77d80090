package adapter

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/melodine/internal/wire"
	"github.com/MrWong99/melodine/pkg/audio/discord"
	"github.com/MrWong99/melodine/pkg/audio/jitter"
)

// relayOutCapacity buffers paced frames between the jitter buffer and the
// voice connection's send queue.
const relayOutCapacity = 8

// Voice relays a consumer's audio into a Discord voice channel. Container
// bytes from the sink are demuxed to bare Opus packets, stabilised through a
// jitter buffer, and forwarded by the voice relay at a 20 ms cadence.
type Voice struct {
	relay *discord.Relay
	out   chan []byte
	pump  trackPump
}

// NewVoice joins the guild's voice channel and returns the adapter. The
// session must already be connected to the Discord gateway.
func NewVoice(ctx context.Context, session *discordgo.Session, guildID, channelID string) (*Voice, error) {
	out := make(chan []byte, relayOutCapacity)
	relay := discord.New(session, guildID)
	if err := relay.Start(ctx, channelID, out); err != nil {
		return nil, fmt.Errorf("adapter: start voice relay: %w", err)
	}
	return &Voice{relay: relay, out: out}, nil
}

// Attach starts demuxing the sink into a fresh jitter buffer, replacing the
// previous track's buffer.
func (v *Voice) Attach(sink *wire.Sink) {
	jb := jitter.New(v.out)
	go demuxSink(sink, jb.Push)
	v.pump.replace(func() { jb.Close() }, jb.Idle)
}

// Idle reports whether the current jitter buffer has fully drained.
func (v *Voice) Idle() bool { return v.pump.isIdle() }

// Close drops the current track and leaves the voice channel.
func (v *Voice) Close() error {
	v.pump.close()
	return v.relay.Close()
}
