package audio

import "time"

// AudioFrame is one discrete unit of audio flowing through the relay.
// Frames are read from the source [Session], queued in the relay buffer and
// written to the target [Session] unchanged apart from the sequence number.
type AudioFrame struct {
	// Data is the PCM payload (little-endian int16). The relay treats it as
	// opaque; only platform adapters interpret it.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start,
	// as reported by the platform.
	Timestamp time.Duration

	// Seq is the monotonically increasing sequence number assigned by the
	// capture loop. Zero means the frame has not been captured by a relay yet.
	Seq uint64

	// CapturedAt is the wall-clock time the capture loop read the frame.
	CapturedAt time.Time
}

// Duration returns the playback length of the frame derived from its PCM
// size and format. It returns 0 when the format is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
