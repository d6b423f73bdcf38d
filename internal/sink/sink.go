// Package sink delivers completed packets to downstream systems.
//
// A Sink performs a single delivery attempt. The Dispatcher fans each packet
// out to every configured sink off the collector's goroutine; failed
// deliveries are logged and counted, never retried.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/vendpi/internal/framer"
)

// TimestampFormat is the ISO-8601 layout used for payload timestamps. Times
// are always rendered in UTC.
const TimestampFormat = "2006-01-02T15:04:05.000000+00:00"

var (
	// ErrQueueFull is returned by Dispatcher.Submit when the delivery queue
	// has no room; the packet is dropped.
	ErrQueueFull = errors.New("delivery queue full")
	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Sink receives completed packets.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Deliver makes one attempt to deliver p.
	Deliver(ctx context.Context, p framer.Packet) error
}

// Payload is the JSON document sent for each packet.
type Payload struct {
	Timestamp string `json:"timestamp"`
	Data      string `json:"data"`
}

// NewPayload renders p for delivery. The timestamp is the packet's emission
// time.
func NewPayload(p framer.Packet) Payload {
	return Payload{
		Timestamp: FormatTimestamp(p.EmittedAt),
		Data:      p.Text(),
	}
}

// FormatTimestamp renders t in UTC using TimestampFormat.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// StatusError reports a non-2xx response from an HTTP sink.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
