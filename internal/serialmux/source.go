package serialmux

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/vendpi/internal/timeutil"
)

// LineSource adapts a reliable mux subscription to a pull interface with a
// bounded wait, so the caller can run periodic work between lines.
type LineSource struct {
	mux   SerialMuxInterface
	sub   *Subscription
	clock timeutil.Clock
}

// SourceOption configures a LineSource.
type SourceOption func(*LineSource)

// WithSourceClock sets the clock that times NextLine's wait.
func WithSourceClock(c timeutil.Clock) SourceOption {
	return func(s *LineSource) { s.clock = c }
}

// NewLineSource subscribes to m without ever dropping lines. buffer lines may
// queue before the monitor blocks on this consumer.
func NewLineSource(m SerialMuxInterface, buffer int, opts ...SourceOption) *LineSource {
	s := &LineSource{
		mux:   m,
		sub:   m.SubscribeReliable(buffer),
		clock: timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextLine waits up to wait for the next line. ok is false when no line
// arrived in time. Once the mux has stopped and every queued line has been
// read, NextLine returns an error wrapping ErrSourceClosed.
func (s *LineSource) NextLine(ctx context.Context, wait time.Duration) (line string, ok bool, err error) {
	select {
	case line := <-s.sub.C:
		return line, true, nil
	default:
	}

	timer := s.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case line := <-s.sub.C:
		return line, true, nil
	case <-timer.C():
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-s.sub.Done:
		// lines queued before the stream ended are still delivered
		select {
		case line := <-s.sub.C:
			return line, true, nil
		default:
		}
		if cause := s.mux.Err(); cause != nil {
			return "", false, fmt.Errorf("%w: %v", ErrSourceClosed, cause)
		}
		return "", false, ErrSourceClosed
	}
}

// Close ends the underlying subscription.
func (s *LineSource) Close() error {
	s.mux.Unsubscribe(s.sub.ID)
	return nil
}
