// Package gateway provides an [audio.Platform] that talks to a voice gateway
// sidecar over WebSocket. The gateway holds the actual call (for example a
// Telegram group call driven by a user account) and exchanges raw PCM frames
// with the relay.
//
// Protocol: the client dials {url}/v1/calls/{chatID} with a bearer token.
// The gateway answers with a "joined" message, after which both sides send
// "frame" messages. The client hangs up with "leave"; the gateway reports a
// failed or ended call with "error" and closes the socket. Every message is
// one binary CBOR envelope.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Session  = (*Session)(nil)
)

const (
	inboundBuffer = 64
	leaveTimeout  = time.Second
)

// Config configures a gateway Platform.
type Config struct {
	// URL is the gateway base URL (ws, wss, http or https).
	URL string

	// Token authenticates the account at the gateway. Optional.
	Token string

	// HTTPClient is used for the websocket handshake. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Platform joins calls through a voice gateway on behalf of one account.
//
// Platform is safe for concurrent use.
type Platform struct {
	base   *url.URL
	token  string
	client *http.Client
}

// New validates cfg and returns a Platform. No connection is made until Join.
func New(cfg Config) (*Platform, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway: url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("gateway: unsupported url scheme %q", u.Scheme)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Platform{base: u, token: cfg.Token, client: client}, nil
}

// Join dials the gateway for chatID and waits for the "joined" answer.
// ctx bounds the whole handshake.
func (p *Platform) Join(ctx context.Context, chatID string) (audio.Session, error) {
	if chatID == "" {
		return nil, errors.New("gateway: chat id is required")
	}

	endpoint := *p.base
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/v1/calls/" + url.PathEscape(chatID)

	opts := &websocket.DialOptions{HTTPClient: p.client}
	if p.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + p.token}}
	}

	conn, _, err := websocket.Dial(ctx, endpoint.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", chatID, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("gateway: await join of %s: %w", chatID, err)
	}
	env, err := unmarshal(data)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	switch env.Type {
	case msgJoined:
	case msgError:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("gateway: join %s rejected: %s", chatID, env.Error)
	default:
		conn.CloseNow()
		return nil, fmt.Errorf("gateway: join %s: unexpected %q message", chatID, env.Type)
	}

	return newSession(conn, chatID, env.Session), nil
}

// Session is one call joined through the gateway.
type Session struct {
	conn   *websocket.Conn
	id     string
	chatID string

	frames chan audio.AudioFrame

	mu      sync.Mutex
	lostErr error

	done      chan struct{}
	closeOnce sync.Once
	leaveOnce sync.Once

	cancelRead context.CancelFunc
	wg         sync.WaitGroup
}

func newSession(conn *websocket.Conn, chatID, id string) *Session {
	if id == "" {
		id = chatID
	}
	readCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:       conn,
		id:         "gateway-" + id,
		chatID:     chatID,
		frames:     make(chan audio.AudioFrame, inboundBuffer),
		done:       make(chan struct{}),
		cancelRead: cancel,
	}
	s.wg.Add(1)
	go s.readLoop(readCtx)
	return s
}

// ID returns the gateway's identifier for the joined call.
func (s *Session) ID() string { return s.id }

// ReadFrame returns the next frame received from the gateway. Frames already
// received are still returned after the call ended; once they are consumed
// the reason the call ended is reported, wrapping [audio.ErrSessionClosed].
func (s *Session) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return audio.AudioFrame{}, s.closedErr()
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// WriteFrame sends frame to the gateway. A cancelled ctx closes the
// websocket, which ends the session.
func (s *Session) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	data, err := marshal(frameEnvelope(frame))
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		s.lose(err)
		return fmt.Errorf("gateway: write frame: %w", err)
	}
	return nil
}

// Disconnected is closed once the call ended or was left.
func (s *Session) Disconnected() <-chan struct{} { return s.done }

// Leave hangs up and closes the websocket. It is safe to call more than once.
func (s *Session) Leave() error {
	s.leaveOnce.Do(func() {
		select {
		case <-s.done:
		default:
			if data, mErr := marshal(envelope{Type: msgLeave}); mErr == nil {
				ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
				_ = s.conn.Write(ctx, websocket.MessageBinary, data)
				cancel()
			}
		}
		s.lose(audio.ErrSessionClosed)
		s.conn.Close(websocket.StatusNormalClosure, "leave")
		s.cancelRead()
		s.wg.Wait()
	})
	return nil
}

// readLoop receives envelopes until the socket fails. Frame messages are
// queued for ReadFrame and dropped when the reader falls behind.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.lose(err)
			return
		}
		env, err := unmarshal(data)
		if err != nil {
			slog.Warn("gateway: ignoring malformed message", "chat_id", s.chatID, "err", err)
			continue
		}

		switch env.Type {
		case msgFrame:
			select {
			case s.frames <- env.frame():
			default:
				slog.Debug("gateway: inbound backlog full, dropping frame", "chat_id", s.chatID)
			}
		case msgError:
			slog.Warn("gateway: call ended by gateway", "chat_id", s.chatID, "reason", env.Error)
			s.lose(fmt.Errorf("gateway: call ended: %s", env.Error))
			s.conn.CloseNow()
			return
		default:
			slog.Debug("gateway: ignoring message", "chat_id", s.chatID, "type", env.Type)
		}
	}
}

// lose records the first cause of loss and closes done.
func (s *Session) lose(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.lostErr = cause
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	cause := s.lostErr
	s.mu.Unlock()
	if cause == nil || errors.Is(cause, audio.ErrSessionClosed) {
		return audio.ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", audio.ErrSessionClosed, cause)
}
