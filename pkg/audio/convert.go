package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter brings frames into a fixed target format before they are
// handed to a platform that only accepts one format (Discord wants 48 kHz
// stereo). Frames that already match pass through untouched.
//
// A converter belongs to one stream; it is not meant to be shared.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. Frames with an odd PCM byte
// count cannot be int16 audio; they come back with nil Data and should be
// skipped by the caller. Seq, Timestamp and CapturedAt are preserved.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, skipping", "bytes", len(frame.Data), "seq", frame.Seq)
		})
		frame.Data = nil
		frame.SampleRate, frame.Channels = c.Target.SampleRate, c.Target.Channels
		return frame
	}

	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target || src.SampleRate <= 0 || src.Channels <= 0 {
		return frame
	}

	c.warnMismatch.Do(func() {
		slog.Warn("audio: converting frame format", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	// Resample before widening to stereo so the interpolation touches as few
	// samples as possible.
	if src.Channels == 1 || src.Channels == 2 {
		pcm = Resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	}
	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	frame.Data = pcm
	frame.SampleRate, frame.Channels = c.Target.SampleRate, c.Target.Channels
	return frame
}

// MonoToStereo duplicates every int16 sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair, clamped to the int16 range.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sample16(pcm, i*2)) + int32(sample16(pcm, i*2+1))) / 2
		avg = max(min(avg, 32767), -32768)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resample16 converts interleaved int16 PCM with the given channel count from
// srcRate to dstRate by linear interpolation. The input is returned unchanged
// when the rates match or are not positive.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	stride := 2 * channels
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample16(pcm, idx*channels+ch))
			s1 := float64(sample16(pcm, next*channels+ch))
			v := int16(s0*(1-frac) + s1*frac)
			o := (i*channels + ch) * 2
			out[o] = byte(v)
			out[o+1] = byte(v >> 8)
		}
	}
	return out
}

// sample16 reads the n-th little-endian int16 sample from pcm.
func sample16(pcm []byte, n int) int16 {
	return int16(pcm[n*2]) | int16(pcm[n*2+1])<<8
}
