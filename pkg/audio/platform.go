// Package audio defines the voice session client abstraction used by the
// relay, together with the frame type that flows through it.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice chat on behalf of one account and returns a [Session].
//   - [Session] is the handle to one joined chat: frames can be read from it,
//     written to it, and it reports asynchronous loss via [Session.Disconnected].
//
// Implementations live in platform-specific adapter packages (audio/discord,
// audio/gateway). The relay treats every error returned by these interfaces
// as connection loss, so adapters should not retry internally.
package audio

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [Session.ReadFrame] and [Session.WriteFrame]
// once the session has left the chat or the remote side dropped it.
var ErrSessionClosed = errors.New("audio: session closed")

// Session is the handle to a single joined voice chat.
//
// A Session is bound to one (account, chat) pair and is valid only while the
// underlying connection is live. A new Session is created on every successful
// join; sessions are never reused after [Session.Leave] or remote loss.
//
// ReadFrame and WriteFrame may block on network I/O and must return promptly
// when ctx is cancelled or its deadline passes. A deadline passing without a
// frame is reported as the context error, which callers may treat as "no
// audio yet" rather than as connection loss.
//
// Implementations must be safe for concurrent use by one reader, one writer,
// and any number of goroutines calling ID, Disconnected, or Leave.
type Session interface {
	// ID returns an identifier unique to this join.
	ID() string

	// ReadFrame blocks until the next frame is available from the chat.
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// WriteFrame sends frame to the chat.
	WriteFrame(ctx context.Context, frame AudioFrame) error

	// Disconnected returns a channel that is closed when the session is lost,
	// whether by remote disconnect or by Leave.
	Disconnected() <-chan struct{}

	// Leave exits the chat and releases all resources. It is safe to call more
	// than once; subsequent calls are no-ops and return nil.
	Leave() error
}

// Platform is the entry point of a voice provider for a single account.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Join enters the voice chat identified by chatID and returns a live
	// [Session]. ctx governs the join attempt only; the returned session
	// stays alive until Leave or remote loss.
	Join(ctx context.Context, chatID string) (Session, error)
}
