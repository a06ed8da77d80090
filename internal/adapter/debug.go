package adapter

import (
	"fmt"
	"io"

	"log/slog"

	"github.com/MrWong99/melodine/internal/wire"
	"github.com/MrWong99/melodine/pkg/audio/player"
)

// Debug plays a consumer's audio through the paced local player, writing
// decoded s16le PCM to out. One player spans the adapter's lifetime; each
// track feeds it through a fresh demux.
type Debug struct {
	pl   *player.Player
	pump trackPump
}

// NewDebug creates the local playback adapter. out typically wraps a sound
// device or a raw PCM file.
func NewDebug(out io.Writer) (*Debug, error) {
	pl, err := player.New(out)
	if err != nil {
		return nil, fmt.Errorf("adapter: create player: %w", err)
	}
	go pl.Run()
	return &Debug{pl: pl}, nil
}

// Attach starts demuxing the sink into the player, replacing the previous
// track's demux.
func (d *Debug) Attach(sink *wire.Sink) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		demuxSink(sink, func(packet []byte) {
			if err := d.pl.Push(packet); err != nil {
				slog.Debug("adapter: dropping undecodable packet", "err", err)
			}
		})
	}()
	d.pump.replace(func() { <-done }, d.pl.Idle)
}

// Idle reports whether the player's buffer has drained.
func (d *Debug) Idle() bool { return d.pump.isIdle() }

// Close stops the playback clock.
func (d *Debug) Close() error {
	d.pl.Close()
	return nil
}
