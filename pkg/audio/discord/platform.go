// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with the relay's PCM
// [audio.AudioFrame] stream.
//
// A Platform acts for exactly one bot account. Use [Dial] to log in with a
// bot token and own the gateway session, or [New] to wrap a session owned
// elsewhere. Each call to [Platform.Join] joins a voice channel of the
// configured guild and returns a [Session].
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	owned   bool
}

// New creates a Platform for an already opened session and guild. The caller
// keeps ownership of session; [Platform.Close] will not close it.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Dial opens a gateway session for the bot identified by token and returns a
// Platform that owns it. Call [Platform.Close] to log out.
func Dial(token, guildID string) (*Platform, error) {
	if token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return &Platform{session: session, guildID: guildID, owned: true}, nil
}

// Join joins the voice channel identified by chatID and returns a live
// [audio.Session]. ctx governs the join phase only; discordgo's own join
// timeout still applies.
func (p *Platform) Join(ctx context.Context, chatID string) (audio.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := p.session.ChannelVoiceJoin(p.guildID, chatID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", chatID, err)
	}

	sess, err := newSession(vc, p.session, p.guildID, chatID)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return sess, nil
}

// Close closes the gateway session if this Platform opened it with [Dial].
func (p *Platform) Close() error {
	if !p.owned {
		return nil
	}
	return p.session.Close()
}
