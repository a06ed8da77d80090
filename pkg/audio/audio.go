// Package audio holds the shared audio constants and PCM helpers used by the
// melodine client adapters.
//
// Everything melodine streams is 48 kHz two-channel audio cut into 20 ms
// frames. The engine's transcoder produces either raw s16le PCM, an Ogg/Opus
// container stream, or bare 20 ms Opus packets; the adapter packages under
// pkg/audio consume one of those shapes each:
//
//   - [passthrough] forwards container bytes unchanged to a consumer that
//     demuxes frames itself.
//   - [jitter] stabilises bare 20 ms frames through a FIFO before paced output.
//   - [player] decodes Opus to PCM and schedules it against a local clock.
//
// This package lives under pkg/ because consumer-side integrations (a voice
// relay, a local debug player) are expected to build on these adapters.
package audio

import "time"

// Stream parameters shared by every melodine pipeline.
const (
	// SampleRate is the fixed output sample rate in Hz.
	SampleRate = 48000

	// Channels is the fixed output channel count (interleaved stereo).
	Channels = 2

	// FrameDuration is the length of one audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate / int(time.Second/FrameDuration) // 960

	// FramePCMBytes is the byte size of one decoded PCM frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample.
	FramePCMBytes = FrameSamples * Channels * 2
)

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
