// Package buffer implements the bounded FIFO that decouples source capture
// from target playback.
//
// When the buffer is full, [Buffer.Push] rejects the incoming frame and counts
// it as dropped; frames already queued are never evicted. [Buffer.Pop] blocks
// without polling until a frame arrives, the buffer is closed, or the context
// ends. Counters are atomics so [Buffer.Stats] never contends with the
// producer or consumer.
package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ErrClosed is returned by [Buffer.Pop] once the buffer has been closed.
var ErrClosed = errors.New("buffer: closed")

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Received     uint64    `json:"received"`
	Sent         uint64    `json:"sent"`
	Dropped      uint64    `json:"dropped"`
	Size         int       `json:"size"`
	Capacity     int       `json:"capacity"`
	LastActivity time.Time `json:"last_activity"`
}

// Idle returns how long the buffer has seen no activity as of now.
func (s Stats) Idle(now time.Time) time.Duration {
	if s.LastActivity.IsZero() {
		return 0
	}
	return max(now.Sub(s.LastActivity), 0)
}

// DropRate returns Dropped/Received, or 0 before the first frame.
func (s Stats) DropRate() float64 {
	if s.Received == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(s.Received)
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithClock sets the clock used for activity timestamps. Defaults to the
// wall clock.
func WithClock(c clock.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// Buffer is a bounded, closable FIFO of audio frames.
//
// Buffer is safe for concurrent use by one producer, one consumer, and any
// number of Stats readers.
type Buffer struct {
	clock clock.Clock

	mu    sync.Mutex
	ring  []audio.AudioFrame
	head  int
	count int

	// notEmpty holds a token while frames may be available.
	notEmpty chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once

	received     atomic.Uint64
	sent         atomic.Uint64
	dropped      atomic.Uint64
	size         atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// New creates a Buffer holding at most capacity frames. A capacity below 1
// is raised to 1.
func New(capacity int, opts ...Option) *Buffer {
	capacity = max(capacity, 1)
	b := &Buffer{
		clock:    clock.New(),
		ring:     make([]audio.AudioFrame, capacity),
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.touch()
	return b
}

// Push appends frame to the tail. It returns false when the buffer is full or
// closed; the frame is then counted as dropped. Every call counts as received,
// and the received counter moves last so a snapshot never shows a frame as
// received before its outcome is counted.
func (b *Buffer) Push(frame audio.AudioFrame) bool {
	if b.closed.Load() {
		b.reject()
		return false
	}

	b.mu.Lock()
	if b.closed.Load() || b.count == len(b.ring) {
		b.mu.Unlock()
		b.reject()
		return false
	}
	b.ring[(b.head+b.count)%len(b.ring)] = frame
	b.count++
	b.size.Store(int64(b.count))
	b.mu.Unlock()

	b.received.Add(1)
	b.touch()
	b.signal()
	return true
}

func (b *Buffer) reject() {
	b.dropped.Add(1)
	b.received.Add(1)
}

// Pop removes and returns the head frame, blocking while the buffer is empty.
// It returns [ErrClosed] after Close, or ctx's error when ctx ends first.
func (b *Buffer) Pop(ctx context.Context) (audio.AudioFrame, error) {
	for {
		if b.closed.Load() {
			return audio.AudioFrame{}, ErrClosed
		}

		b.mu.Lock()
		if b.count > 0 {
			f := b.ring[b.head]
			b.ring[b.head] = audio.AudioFrame{}
			b.head = (b.head + 1) % len(b.ring)
			b.count--
			remaining := b.count
			b.size.Store(int64(remaining))
			b.mu.Unlock()

			if remaining > 0 {
				b.signal()
			}
			b.touch()
			return f, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notEmpty:
		case <-b.done:
			return audio.AudioFrame{}, ErrClosed
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		}
	}
}

// MarkSent records that a popped frame was delivered to the target.
func (b *Buffer) MarkSent() {
	b.sent.Add(1)
	b.touch()
}

// MarkDropped records that a popped frame was discarded after a failed write.
func (b *Buffer) MarkDropped() {
	b.dropped.Add(1)
}

// Close discards all queued frames and wakes any blocked Pop. Later pushes
// are rejected. Close is idempotent.
func (b *Buffer) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		clear(b.ring)
		b.head, b.count = 0, 0
		b.size.Store(0)
		b.mu.Unlock()
		close(b.done)
	})
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool { return b.closed.Load() }

// Len returns the number of queued frames.
func (b *Buffer) Len() int { return int(b.size.Load()) }

// Cap returns the maximum number of queued frames.
func (b *Buffer) Cap() int { return len(b.ring) }

// Stats returns a snapshot of the counters. Fields are read independently, so
// a snapshot taken under load may be off by the frames in flight.
func (b *Buffer) Stats() Stats {
	return Stats{
		Received:     b.received.Load(),
		Sent:         b.sent.Load(),
		Dropped:      b.dropped.Load(),
		Size:         int(b.size.Load()),
		Capacity:     len(b.ring),
		LastActivity: time.Unix(0, b.lastActivity.Load()),
	}
}

func (b *Buffer) touch() {
	b.lastActivity.Store(b.clock.Now().UnixNano())
}

func (b *Buffer) signal() {
	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
}
