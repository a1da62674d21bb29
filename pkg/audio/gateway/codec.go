package gateway

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Message types exchanged with the gateway. Every websocket message is one
// binary CBOR-encoded [envelope].
const (
	msgJoined = "joined" // gateway → client, call joined; carries Session
	msgFrame  = "frame"  // both directions, one PCM frame
	msgLeave  = "leave"  // client → gateway, hang up
	msgError  = "error"  // gateway → client, carries Error; the call is over
)

// envelope is the wire form of every gateway message. Keys are kept short
// since a frame message is sent every 20 ms.
type envelope struct {
	Type     string `cbor:"t"`
	Session  string `cbor:"id,omitempty"`
	Seq      uint64 `cbor:"s,omitempty"`
	PCM      []byte `cbor:"d,omitempty"`
	Rate     int    `cbor:"r,omitempty"`
	Channels int    `cbor:"c,omitempty"`
	TS       int64  `cbor:"ts,omitempty"` // stream offset in nanoseconds
	Error    string `cbor:"e,omitempty"`
}

// encMode uses Core Deterministic Encoding so equal envelopes produce equal
// bytes.
var encMode cbor.EncMode

// decMode ignores unknown keys so newer gateways can add fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("gateway: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("gateway: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(env envelope) ([]byte, error) {
	b, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s message: %w", env.Type, err)
	}
	return b, nil
}

func unmarshal(data []byte) (envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("gateway: decode message: %w", err)
	}
	return env, nil
}

func frameEnvelope(f audio.AudioFrame) envelope {
	return envelope{
		Type:     msgFrame,
		Seq:      f.Seq,
		PCM:      f.Data,
		Rate:     f.SampleRate,
		Channels: f.Channels,
		TS:       int64(f.Timestamp),
	}
}

// frame converts a frame envelope back into an [audio.AudioFrame]. Seq is not
// carried over; the relay assigns its own on capture.
func (e envelope) frame() audio.AudioFrame {
	return audio.AudioFrame{
		Data:       e.PCM,
		SampleRate: e.Rate,
		Channels:   e.Channels,
		Timestamp:  time.Duration(e.TS),
	}
}
