// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Session] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	sess := mock.NewSession("src-1")
//	platform := &mock.Platform{Sessions: []*mock.Session{sess}}
//	got, err := platform.Join(ctx, "chat-42")
//	sess.Frames <- audio.AudioFrame{Data: pcm}
//	sess.Disconnect() // simulate remote loss
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [audio.Session].
// Create one with [NewSession]; the zero value is not usable.
type Session struct {
	id string

	// Frames feeds ReadFrame. Tests send frames on it.
	Frames chan audio.AudioFrame

	mu sync.Mutex

	// ReadError, when non-nil, is returned by every ReadFrame call.
	ReadError error

	// WriteError, when non-nil, is returned by every WriteFrame call.
	WriteError error

	// LeaveError is returned by the first Leave call.
	LeaveError error

	written    []audio.AudioFrame
	writeCalls int
	leaveCalls int

	// wrote is signalled (non-blocking) after every successful write.
	wrote chan struct{}

	once sync.Once
	done chan struct{}
}

// NewSession returns a live mock session with a buffered Frames channel.
func NewSession(id string) *Session {
	return &Session{
		id:     id,
		Frames: make(chan audio.AudioFrame, 64),
		wrote:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID implements [audio.Session].
func (s *Session) ID() string { return s.id }

// ReadFrame implements [audio.Session]. It returns the next frame sent on
// Frames, ReadError if set, or [audio.ErrSessionClosed] once the session is
// gone.
func (s *Session) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	err := s.ReadError
	s.mu.Unlock()
	if err != nil {
		return audio.AudioFrame{}, err
	}

	select {
	case <-s.done:
		return audio.AudioFrame{}, audio.ErrSessionClosed
	default:
	}

	select {
	case f := <-s.Frames:
		return f, nil
	case <-s.done:
		return audio.AudioFrame{}, audio.ErrSessionClosed
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// WriteFrame implements [audio.Session]. Successful writes are recorded and
// can be inspected with [Session.Written].
func (s *Session) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	s.writeCalls++
	if s.WriteError != nil {
		err := s.WriteError
		s.mu.Unlock()
		return err
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return audio.ErrSessionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.written = append(s.written, frame)
	s.mu.Unlock()

	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return nil
}

// Disconnected implements [audio.Session].
func (s *Session) Disconnected() <-chan struct{} { return s.done }

// Leave implements [audio.Session]. Only the first call returns LeaveError.
func (s *Session) Leave() error {
	s.mu.Lock()
	s.leaveCalls++
	first := s.leaveCalls == 1
	err := s.LeaveError
	s.mu.Unlock()

	s.close()
	if first {
		return err
	}
	return nil
}

// Disconnect simulates the remote side dropping the session.
func (s *Session) Disconnect() { s.close() }

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// SetWriteError replaces WriteError under the session lock.
func (s *Session) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteError = err
}

// SetReadError replaces ReadError under the session lock.
func (s *Session) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadError = err
}

// Written returns a copy of all successfully written frames in order.
func (s *Session) Written() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.written))
	copy(out, s.written)
	return out
}

// WriteSignal returns a channel that receives after successful writes.
// Several writes may collapse into one signal.
func (s *Session) WriteSignal() <-chan struct{} { return s.wrote }

// WriteCalls reports how many times WriteFrame was called.
func (s *Session) WriteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

// LeaveCalls reports how many times Leave was called.
func (s *Session) LeaveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveCalls
}

// IsClosed reports whether the session has been left or disconnected.
func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// JoinCall records the arguments of a single [Platform.Join] invocation.
type JoinCall struct {
	// ChatID is the chatID argument passed to Join.
	ChatID string
}

// Platform is a mock implementation of [audio.Platform].
//
// Join resolves in this order: JoinFunc if set, then JoinError, then the next
// unused entry of Sessions, then a fresh [NewSession].
type Platform struct {
	mu sync.Mutex

	// JoinFunc, when set, handles every Join call. The attempt number starts at 1.
	JoinFunc func(ctx context.Context, chatID string, attempt int) (audio.Session, error)

	// JoinError is returned by Join when JoinFunc is nil.
	JoinError error

	// Sessions are handed out in order by successive successful joins.
	Sessions []*Session

	joinCalls []JoinCall
	issued    []*Session
}

// Join implements [audio.Platform].
func (p *Platform) Join(ctx context.Context, chatID string) (audio.Session, error) {
	p.mu.Lock()
	p.joinCalls = append(p.joinCalls, JoinCall{ChatID: chatID})
	attempt := len(p.joinCalls)
	fn := p.JoinFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, chatID, attempt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.JoinError != nil {
		return nil, p.JoinError
	}
	var s *Session
	if len(p.issued) < len(p.Sessions) {
		s = p.Sessions[len(p.issued)]
	} else {
		s = NewSession(fmt.Sprintf("%s-%d", chatID, attempt))
	}
	p.issued = append(p.issued, s)
	return s, nil
}

// SetJoinError replaces JoinError under the platform lock.
func (p *Platform) SetJoinError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.JoinError = err
}

// JoinCalls returns a copy of all recorded Join invocations.
func (p *Platform) JoinCalls() []JoinCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JoinCall, len(p.joinCalls))
	copy(out, p.joinCalls)
	return out
}

// Issued returns the sessions handed out by successful joins that did not go
// through JoinFunc, in order.
func (p *Platform) Issued() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.issued))
	copy(out, p.issued)
	return out
}

// Last returns the most recently issued session, or nil.
func (p *Platform) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.issued) == 0 {
		return nil
	}
	return p.issued[len(p.issued)-1]
}
