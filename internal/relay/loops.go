package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// captureLoop reads frames from the source session and pushes them into the
// buffer. A read that times out is silence and simply retried. Any other read
// failure is reported to the source manager, which rejoins in the background.
func (o *Orchestrator) captureLoop(ctx context.Context) error {
	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		sess := o.source.Session()
		if sess == nil {
			if !sleep(ctx, o.cfg.IdleBackoff) {
				return nil
			}
			continue
		}

		readCtx, cancel := context.WithTimeout(ctx, o.cfg.FrameTimeout)
		frame, err := sess.ReadFrame(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Warn("source read failed", "run_id", o.RunID(), "session_id", sess.ID(), "err", err)
			o.source.NotifyDisconnect(sess)
			if !sleep(ctx, o.cfg.IdleBackoff) {
				return nil
			}
			continue
		}

		seq++
		frame.Seq = seq
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = time.Now()
		}
		o.metrics.FramesReceived.Add(ctx, 1)
		if !o.buf.Push(frame) {
			if o.buf.Closed() {
				return nil
			}
			o.metrics.RecordFrameDropped(ctx, observe.DropOverflow)
			slog.Debug("buffer full, frame dropped", "run_id", o.RunID(), "seq", seq)
		}
	}
}

// playbackLoop pops frames from the buffer and writes them to the target
// session. Frames are only popped while the target is live; a frame that was
// popped before the target went away is held until the next session is up.
// A failed write reports the session and discards the frame.
func (o *Orchestrator) playbackLoop(ctx context.Context) error {
	for {
		if o.liveTarget(ctx) == nil {
			return nil
		}
		frame, err := o.buf.Pop(ctx)
		if err != nil {
			// Closed buffer or cancelled context: the run is ending.
			return nil
		}

		// The target may have been replaced or lost while Pop blocked.
		sess := o.liveTarget(ctx)
		if sess == nil {
			return nil
		}

		writeCtx, cancel := context.WithTimeout(ctx, o.cfg.FrameTimeout)
		err = sess.WriteFrame(writeCtx, frame)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("target write failed", "run_id", o.RunID(), "session_id", sess.ID(), "seq", frame.Seq, "err", err)
			o.target.NotifyDisconnect(sess)
			o.buf.MarkDropped()
			o.metrics.RecordFrameDropped(ctx, observe.DropWriteFailed)
			continue
		}
		o.buf.MarkSent()
		o.metrics.FramesSent.Add(ctx, 1)
	}
}

// liveTarget returns the current target session, sleeping in IdleBackoff
// steps while there is none. It returns nil once ctx is done.
func (o *Orchestrator) liveTarget(ctx context.Context) audio.Session {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if sess := o.target.Session(); sess != nil {
			return sess
		}
		if !sleep(ctx, o.cfg.IdleBackoff) {
			return nil
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
