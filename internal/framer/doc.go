// Package framer reconstructs application packets from a stream of text
// lines using substring start/end markers.
//
// A Framer is either Idle or Collecting. While collecting it holds exactly one
// buffer of lines, which is emitted as a Packet when a line containing the end
// marker arrives, when no line has been appended for IdleTimeout, or when
// MaxDuration has elapsed since the buffer was opened. A start marker seen
// while collecting discards the current buffer and opens a fresh one.
//
// Timer evaluation is decoupled from line arrival: the owner must call OnTick
// on every loop iteration, including iterations where no line was read, so
// that a silent device still gets its partial packet flushed.
//
// A Framer is not safe for concurrent use. It is meant to be owned by a single
// control loop (see internal/collector).
package framer
