// Package collector runs the control loop that feeds serial lines through
// the packet framer and hands completed packets off for delivery.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/monitoring"
	"github.com/banshee-data/vendpi/internal/timeutil"
)

const (
	// DefaultPollInterval bounds how long the loop waits for a line before
	// checking the framer's timers.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultHeartbeat is how often an open packet is traced at debug level.
	DefaultHeartbeat = 500 * time.Millisecond
)

// LineSource yields decoded lines. ok is false when no line arrived within
// wait. A non-nil error ends the stream.
type LineSource interface {
	NextLine(ctx context.Context, wait time.Duration) (line string, ok bool, err error)
}

// Dispatcher accepts completed packets without blocking.
type Dispatcher interface {
	Submit(p framer.Packet) error
}

// Snapshot is a point-in-time view of the collector for status reporting.
type Snapshot struct {
	framer.Status
	Stats     framer.Stats `json:"stats"`
	Running   bool         `json:"running"`
	UpdatedAt time.Time    `json:"updated_at"`
	LastError string       `json:"last_error,omitempty"`
}

// Option configures a Collector.
type Option func(*Collector)

func WithClock(c timeutil.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// WithPollInterval sets the bounded wait for each line. Non-positive values
// keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(col *Collector) {
		if d > 0 {
			col.poll = d
		}
	}
}

// WithHeartbeat sets how often an open packet is traced at debug level.
// Zero disables the trace.
func WithHeartbeat(d time.Duration) Option {
	return func(col *Collector) { col.heartbeat = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(col *Collector) { col.log = l }
}

// Collector owns a Framer exclusively and drives it from a LineSource.
type Collector struct {
	src        LineSource
	framer     *framer.Framer
	dispatcher Dispatcher

	clock     timeutil.Clock
	poll      time.Duration
	heartbeat time.Duration
	log       zerolog.Logger

	lastBeat time.Time
	restarts uint64
	snapshot atomic.Pointer[Snapshot]
}

// New wires a collector. f must not be used by anything else.
func New(src LineSource, f *framer.Framer, d Dispatcher, opts ...Option) *Collector {
	c := &Collector{
		src:        src,
		framer:     f,
		dispatcher: d,
		clock:      timeutil.RealClock{},
		poll:       DefaultPollInterval,
		heartbeat:  DefaultHeartbeat,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Store(&Snapshot{Stats: f.Stats()})
	return c
}

// Snapshot returns the state published at the end of the last iteration.
// It is safe to call from any goroutine.
func (c *Collector) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Run feeds lines to the framer until ctx ends or the source fails. A
// partially collected packet is flushed before Run returns. The error is
// ctx.Err() on cancellation, otherwise the wrapped source error.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info().
		Str("start_marker", c.framer.Config().StartMarker).
		Str("end_marker", c.framer.Config().EndMarker).
		Dur("idle_timeout", c.framer.Config().IdleTimeout).
		Dur("max_duration", c.framer.Config().MaxDuration).
		Dur("poll_interval", c.poll).
		Msg("collector started")

	for {
		if err := ctx.Err(); err != nil {
			return c.stop(err)
		}

		line, ok, err := c.src.NextLine(ctx, c.poll)
		now := c.clock.Now()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.stop(err)
			}
			return c.stop(fmt.Errorf("line source: %w", err))
		}

		if ok {
			c.log.Debug().Str("line", line).Msg("line received")
			if p, done := c.framer.OnLine(line, now); done {
				c.emit(p)
			}
			c.countRestarts()
		}
		// timers are checked whether or not a line arrived
		if p, done := c.framer.OnTick(now); done {
			c.emit(p)
		}

		c.trace(now)
		c.publish(now, true, "")
	}
}

// stop flushes any open packet and publishes the final state.
func (c *Collector) stop(cause error) error {
	now := c.clock.Now()
	if p, done := c.framer.Flush(now); done {
		c.emit(p)
	}
	msg := ""
	if !errors.Is(cause, context.Canceled) {
		msg = cause.Error()
		c.log.Error().Err(cause).Msg("collector stopped")
	} else {
		c.log.Info().Msg("collector stopped")
	}
	c.publish(now, false, msg)
	return cause
}

func (c *Collector) emit(p framer.Packet) {
	monitoring.RecordPacket(p.Reason.String())

	ev := c.log.Info()
	if p.Reason.Partial() {
		// no end marker: keep the content so the fragment can be recovered
		ev = c.log.Warn().Strs("lines_collected", p.Lines)
	}
	ev.Str("packet_id", p.ID.String()).
		Stringer("reason", p.Reason).
		Int("lines", len(p.Lines)).
		Dur("age", p.Duration()).
		Msg("packet complete")

	if err := c.dispatcher.Submit(p); err != nil {
		c.log.Debug().Err(err).Str("packet_id", p.ID.String()).Msg("packet not queued")
	}
}

func (c *Collector) countRestarts() {
	n := c.framer.Stats().Restarts
	for ; c.restarts < n; c.restarts++ {
		monitoring.RecordRestart()
	}
}

// trace logs the open packet's remaining idle time at most once per
// heartbeat interval.
func (c *Collector) trace(now time.Time) {
	if c.heartbeat <= 0 || c.log.GetLevel() > zerolog.DebugLevel {
		return
	}
	st := c.framer.Status(now)
	if st.State != framer.Collecting || now.Sub(c.lastBeat) < c.heartbeat {
		return
	}
	c.lastBeat = now
	c.log.Debug().
		Int("lines", st.Lines).
		Dur("age", st.Age).
		Dur("idle_remaining", st.IdleRemaining).
		Msg("collecting")
}

func (c *Collector) publish(now time.Time, running bool, lastErr string) {
	c.snapshot.Store(&Snapshot{
		Status:    c.framer.Status(now),
		Stats:     c.framer.Stats(),
		Running:   running,
		UpdatedAt: now,
		LastError: lastErr,
	})
}
