package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice is 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate / 50 // samples per channel in 20 ms
)

// opusDecoder decodes one speaker's stream. Opus decoders carry state across
// packets, so each SSRC needs its own.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns the packet as interleaved little-endian int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	samples, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	pcm := make([]byte, len(samples)*2)
	for i, v := range samples {
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm, nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses exactly one 20 ms chunk of little-endian int16 PCM.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	packet, err := e.enc.Encode(samples, opusFrameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
