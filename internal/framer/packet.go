package framer

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reason records which event completed a packet.
type Reason int

const (
	// ReasonEndMarker means a line containing the end marker was seen.
	ReasonEndMarker Reason = iota
	// ReasonIdleTimeout means no line arrived for longer than IdleTimeout.
	ReasonIdleTimeout
	// ReasonMaxDuration means the packet had been open longer than MaxDuration.
	ReasonMaxDuration
	// ReasonFlush means the owner forced the partial packet out, e.g. on shutdown.
	ReasonFlush
)

func (r Reason) String() string {
	switch r {
	case ReasonEndMarker:
		return "end_marker"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// MarshalText encodes the reason as its string token.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Partial reports whether the packet was emitted without seeing the end marker.
func (r Reason) Partial() bool {
	return r != ReasonEndMarker
}

// Packet is a completed group of lines.
type Packet struct {
	ID        uuid.UUID `json:"id"`
	Lines     []string  `json:"lines"`
	Reason    Reason    `json:"reason"`
	StartedAt time.Time `json:"started_at"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Text joins the packet lines with newlines.
func (p Packet) Text() string {
	return strings.Join(p.Lines, "\n")
}

// Duration is the time between opening the buffer and emitting the packet.
func (p Packet) Duration() time.Duration {
	return p.EmittedAt.Sub(p.StartedAt)
}
