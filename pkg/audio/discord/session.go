package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Session = (*Session)(nil)

const inputBuffer = 64

// opusFrameBytes is the exact PCM input size for one Opus frame:
// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
const opusFrameBytes = opusFrameSize * opusChannels * 2

// Session wraps a discordgo.VoiceConnection and adapts it to [audio.Session].
// Incoming Opus packets from every speaker are decoded to PCM with one
// decoder per SSRC and delivered in arrival order. Outgoing PCM is converted
// to 48 kHz stereo, cut into 20 ms chunks and Opus-encoded.
//
// The session counts as lost when the receive channel closes or a voice state
// update shows the bot leaving the channel.
type Session struct {
	id      string
	chatID  string
	guildID string
	vc      *discordgo.VoiceConnection
	session *discordgo.Session

	frames chan audio.AudioFrame

	writeMu  sync.Mutex
	enc      *opusEncoder
	conv     audio.FormatConverter
	pending  []byte
	speaking bool

	done      chan struct{}
	closeOnce sync.Once
	leaveOnce sync.Once

	removeHandler func()

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newSession initialises a Session for an already joined voice channel and
// starts its receive loop.
func newSession(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, chatID string) (*Session, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:           "discord-" + uuid.NewString(),
		chatID:       chatID,
		guildID:      guildID,
		vc:           vc,
		session:      session,
		frames:       make(chan audio.AudioFrame, inputBuffer),
		enc:          enc,
		conv:         audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	s.removeHandler = session.AddHandler(s.handleVoiceStateUpdate)
	go s.recvLoop()
	return s, nil
}

// ID returns the identifier of this join.
func (s *Session) ID() string { return s.id }

// ReadFrame returns the next decoded frame from any speaker in the channel.
func (s *Session) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return audio.AudioFrame{}, audio.ErrSessionClosed
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// WriteFrame converts frame to Discord's format and sends every complete
// 20 ms chunk. A trailing partial chunk is held until the next write.
func (s *Session) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	select {
	case <-s.done:
		return audio.ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	frame = s.conv.Convert(frame)
	if len(frame.Data) == 0 {
		return nil
	}
	if !s.speaking {
		s.setSpeaking(true)
		s.speaking = true
	}

	s.pending = append(s.pending, frame.Data...)
	for len(s.pending) >= opusFrameBytes {
		opus, err := s.enc.encode(s.pending[:opusFrameBytes])
		s.pending = s.pending[opusFrameBytes:]
		if err != nil {
			slog.Warn("discord: opus encode error", "chat_id", s.chatID, "error", err)
			continue
		}

		select {
		case s.vc.OpusSend <- opus:
		case <-s.done:
			return audio.ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Disconnected is closed once the session is lost or left.
func (s *Session) Disconnected() <-chan struct{} { return s.done }

// Leave disconnects from the voice channel. It is safe to call more than
// once; subsequent calls return nil.
func (s *Session) Leave() error {
	var err error
	s.leaveOnce.Do(func() {
		s.markLost()
		if s.removeHandler != nil {
			s.removeHandler()
		}
		s.writeMu.Lock()
		if s.speaking {
			s.setSpeaking(false)
			s.speaking = false
		}
		s.writeMu.Unlock()
		if s.disconnectVC != nil {
			err = s.disconnectVC()
		}
	})
	return err
}

func (s *Session) markLost() {
	s.closeOnce.Do(func() { close(s.done) })
}

// recvLoop decodes Opus packets from all speakers into PCM frames. Frames
// are dropped when the reader falls behind by more than inputBuffer frames.
func (s *Session) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.vc.OpusRecv:
			if !ok {
				slog.Info("discord: voice receive channel closed", "chat_id", s.chatID)
				s.markLost()
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			}

			select {
			case s.frames <- frame:
			default:
				slog.Debug("discord: input backlog full, dropping frame", "ssrc", pkt.SSRC)
			}
		}
	}
}

// handleVoiceStateUpdate marks the session lost when the bot itself is moved
// out of or kicked from the channel.
func (s *Session) handleVoiceStateUpdate(ds *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != s.guildID {
		return
	}
	if ds == nil || ds.State == nil || ds.State.User == nil || vsu.UserID != ds.State.User.ID {
		return
	}
	if vsu.ChannelID != s.chatID {
		slog.Warn("discord: bot left voice channel", "chat_id", s.chatID, "now_in", vsu.ChannelID)
		s.markLost()
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (s *Session) setSpeaking(b bool) {
	if err := s.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}
