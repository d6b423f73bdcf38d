package framer

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the framer's collection state.
type State int

const (
	Idle State = iota
	Collecting
)

func (s State) String() string {
	if s == Collecting {
		return "collecting"
	}
	return "idle"
}

// MarshalText encodes the state as its string token.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// buffer is the in-progress packet. It exists only while Collecting and
// always holds at least the line that opened it.
type buffer struct {
	lines          []string
	startedAt      time.Time
	lastActivityAt time.Time
}

// Stats counts framing outcomes since the framer was created.
type Stats struct {
	Packets     map[Reason]uint64 `json:"packets"`
	Restarts    uint64            `json:"restarts"`
	Discarded   uint64            `json:"discarded_lines"`
	Ignored     uint64            `json:"ignored_lines"`
	LinesSeen   uint64            `json:"lines_seen"`
	EmptyLines  uint64            `json:"empty_lines"`
	LinesPacked uint64            `json:"lines_packed"`
}

// Status is a read-only view of the framer at a point in time.
type Status struct {
	State         State         `json:"state"`
	Lines         int           `json:"lines"`
	Age           time.Duration `json:"age"`
	IdleRemaining time.Duration `json:"idle_remaining"`
}

// Option configures a Framer.
type Option func(*Framer)

// WithLogger sets the logger used for debug tracing of state transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Framer) {
		f.log = l
	}
}

// Framer is the packet-boundary state machine.
type Framer struct {
	cfg   Config
	buf   *buffer
	stats Stats
	log   zerolog.Logger
}

// New validates cfg and returns an idle Framer.
func New(cfg Config, opts ...Option) (*Framer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Framer{
		cfg:   cfg,
		log:   zerolog.Nop(),
		stats: Stats{Packets: make(map[Reason]uint64)},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Config returns the framing parameters.
func (f *Framer) Config() Config {
	return f.cfg
}

// OnLine consumes one decoded line observed at now. It returns a packet when
// the line completes one. Callers must pass non-decreasing timestamps.
func (f *Framer) OnLine(line string, now time.Time) (Packet, bool) {
	if line == "" {
		f.stats.EmptyLines++
		return Packet{}, false
	}
	f.stats.LinesSeen++

	isStart := strings.Contains(line, f.cfg.StartMarker)

	if f.buf == nil {
		if !isStart {
			f.stats.Ignored++
			f.log.Debug().Str("line", line).Msg("not collecting; line ignored")
			return Packet{}, false
		}
		f.open(line, now)
		f.log.Debug().Str("line", line).Msg("packet start detected")
	} else if isStart {
		discarded := len(f.buf.lines)
		f.stats.Restarts++
		f.stats.Discarded += uint64(discarded)
		f.log.Debug().
			Int("discarded_lines", discarded).
			Dur("age", now.Sub(f.buf.startedAt)).
			Str("line", line).
			Msg("packet restart detected; buffer discarded")
		f.open(line, now)
	} else {
		f.buf.lines = append(f.buf.lines, line)
		f.buf.lastActivityAt = now
	}

	if strings.Contains(line, f.cfg.EndMarker) {
		return f.complete(ReasonEndMarker, now), true
	}
	return Packet{}, false
}

// OnTick evaluates the idle and max-duration timers at now. It must be called
// on every loop iteration whether or not a line was read.
func (f *Framer) OnTick(now time.Time) (Packet, bool) {
	if f.buf == nil {
		return Packet{}, false
	}
	if now.Sub(f.buf.lastActivityAt) > f.cfg.IdleTimeout {
		return f.complete(ReasonIdleTimeout, now), true
	}
	if now.Sub(f.buf.startedAt) > f.cfg.MaxDuration {
		return f.complete(ReasonMaxDuration, now), true
	}
	return Packet{}, false
}

// Flush emits the in-progress packet, if any, regardless of timers.
func (f *Framer) Flush(now time.Time) (Packet, bool) {
	if f.buf == nil {
		return Packet{}, false
	}
	return f.complete(ReasonFlush, now), true
}

// Status reports the current state without modifying it.
func (f *Framer) Status(now time.Time) Status {
	if f.buf == nil {
		return Status{State: Idle}
	}
	remaining := f.cfg.IdleTimeout - now.Sub(f.buf.lastActivityAt)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		State:         Collecting,
		Lines:         len(f.buf.lines),
		Age:           now.Sub(f.buf.startedAt),
		IdleRemaining: remaining,
	}
}

// Stats returns a copy of the outcome counters.
func (f *Framer) Stats() Stats {
	s := f.stats
	s.Packets = make(map[Reason]uint64, len(f.stats.Packets))
	for k, v := range f.stats.Packets {
		s.Packets[k] = v
	}
	return s
}

func (f *Framer) open(line string, now time.Time) {
	f.buf = &buffer{
		lines:          []string{line},
		startedAt:      now,
		lastActivityAt: now,
	}
}

// complete converts the buffer into a packet and returns to Idle.
func (f *Framer) complete(reason Reason, now time.Time) Packet {
	p := Packet{
		ID:        uuid.New(),
		Lines:     f.buf.lines,
		Reason:    reason,
		StartedAt: f.buf.startedAt,
		EmittedAt: now,
	}
	f.buf = nil
	f.stats.Packets[reason]++
	f.stats.LinesPacked += uint64(len(p.Lines))
	f.log.Debug().
		Stringer("id", p.ID).
		Stringer("reason", reason).
		Int("lines", len(p.Lines)).
		Dur("duration", p.Duration()).
		Msg("packet complete")
	return p
}
