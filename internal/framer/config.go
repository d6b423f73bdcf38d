package framer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyMarker is returned when a start or end marker is empty.
	ErrEmptyMarker = errors.New("marker must not be empty")
	// ErrInvalidTimeout is returned when a timeout is zero or negative.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

const (
	DefaultStartMarker = "AT+WOPEN"
	DefaultEndMarker   = "ATH"
	DefaultIdleTimeout = 5 * time.Second
	DefaultMaxDuration = 30 * time.Second
)

// Config holds the immutable framing parameters.
type Config struct {
	// StartMarker opens a packet when it occurs anywhere in a line.
	StartMarker string
	// EndMarker completes a packet when it occurs anywhere in a line.
	EndMarker string
	// IdleTimeout flushes a partial packet when no line has been appended
	// for longer than this.
	IdleTimeout time.Duration
	// MaxDuration flushes a packet once this long has passed since it was
	// opened, regardless of activity.
	MaxDuration time.Duration
}

// DefaultConfig returns the framing parameters used by the vending machine
// modem protocol.
func DefaultConfig() Config {
	return Config{
		StartMarker: DefaultStartMarker,
		EndMarker:   DefaultEndMarker,
		IdleTimeout: DefaultIdleTimeout,
		MaxDuration: DefaultMaxDuration,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.StartMarker == "" {
		return fmt.Errorf("start marker: %w", ErrEmptyMarker)
	}
	if c.EndMarker == "" {
		return fmt.Errorf("end marker: %w", ErrEmptyMarker)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout %v: %w", c.IdleTimeout, ErrInvalidTimeout)
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max duration %v: %w", c.MaxDuration, ErrInvalidTimeout)
	}
	return nil
}
