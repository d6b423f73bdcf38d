// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to decoded lines from the serial port and send
// commands to a single serial port device.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vendpi/internal/monitoring"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	// ErrSourceClosed is returned to subscribers once the mux stops
	// delivering lines, either because the port hit EOF/an error or because
	// the mux was closed.
	ErrSourceClosed = errors.New("serial line source closed")
)

// lossyBuffer is the channel depth for best-effort subscribers such as the
// admin tail.
const lossyBuffer = 16

// Subscription is a stream of decoded lines. C is never closed; Done is
// closed when the subscription ends.
type Subscription struct {
	ID   string
	C    <-chan string
	Done <-chan struct{}
}

type subscriber struct {
	ch       chan string
	done     chan struct{}
	reliable bool
}

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port    T
	decoder *Decoder
	log     zerolog.Logger

	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	err          error
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a best-effort line stream: lines are dropped when
	// the subscriber falls behind.
	Subscribe() *Subscription
	// SubscribeReliable creates a line stream that applies backpressure to
	// the reader instead of dropping lines.
	SubscribeReliable(buffer int) *Subscription
	// Unsubscribe ends a subscription.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// subscribers.
	Monitor(context.Context) error
	// Err reports why the line stream ended, if it ended with an error.
	Err() error
	// Close ends all subscriptions and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Option configures a SerialMux.
type Option func(*muxOptions)

type muxOptions struct {
	decoder *Decoder
	log     zerolog.Logger
}

// WithDecoder sets the line decoder. The default decodes UTF-8 and keeps NULs.
func WithDecoder(d *Decoder) Option {
	return func(o *muxOptions) { o.decoder = d }
}

// WithLogger sets the logger used for raw line tracing at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(o *muxOptions) { o.log = l }
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	o := muxOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.decoder == nil {
		o.decoder, _ = NewDecoder(DecoderOptions{})
	}
	return &SerialMux[T]{
		port:        port,
		decoder:     o.decoder,
		log:         o.log,
		subscribers: make(map[string]*subscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() *Subscription {
	return s.subscribe(false, lossyBuffer)
}

func (s *SerialMux[T]) SubscribeReliable(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	return s.subscribe(true, buffer)
}

func (s *SerialMux[T]) subscribe(reliable bool, buffer int) *Subscription {
	id := randomID()
	sub := &subscriber{
		ch:       make(chan string, buffer),
		done:     make(chan struct{}),
		reliable: reliable,
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		// already shut down: hand back an ended subscription so callers
		// don't block
		close(sub.done)
	} else {
		s.subscribers[id] = sub
	}
	return &Subscription{ID: id, C: sub.ch, Done: sub.done}
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.done)
		delete(s.subscribers, id)
	}
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\r\n")) {
		command += "\r\n" // AT devices expect CRLF
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor monitors the serial port for lines and sends them to subscribers.
// It returns when the port reaches EOF or fails, or when ctx is done. On a
// port EOF or error every subscription is ended.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 4096), 2*s.decoder.maxLen)
	scan.Split(s.decoder.SplitFunc())

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send any decoded
	// lines to lineChan and any errors to the scanErrChan
	//
	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			raw := scan.Bytes()
			line := s.decoder.Decode(raw)
			s.log.Debug().Bytes("raw", raw).Str("line", line).Msg("serial line")
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		// check if the context is done
		// and exit the loop if so
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			s.finish(err)
			return err

		case line, ok := <-lineChan:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				select {
				case err := <-scanErrChan:
					s.finish(err)
					return err
				default:
				}
				s.finish(nil)
				return nil
			}
			monitoring.RecordLine()
			if !s.broadcast(ctx, line) {
				return ctx.Err()
			}
		}
	}
}

// broadcast delivers line to every subscriber. Reliable subscribers block the
// monitor until they accept the line; lossy ones are skipped when full. It
// returns false if ctx ended while waiting.
func (s *SerialMux[T]) broadcast(ctx context.Context, line string) bool {
	s.subscriberMu.Lock()
	if s.closing {
		s.subscriberMu.Unlock()
		return true
	}
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscriberMu.Unlock()

	for _, sub := range subs {
		if sub.reliable {
			select {
			case sub.ch <- line:
			case <-sub.done:
			case <-ctx.Done():
				return false
			}
			continue
		}
		select {
		case sub.ch <- line:
		case <-sub.done:
		default:
			// if the channel is full/blocking skip so as not to block the outer loop
			monitoring.RecordDroppedLine()
		}
	}
	return true
}

// finish ends every subscription and records why the stream stopped.
func (s *SerialMux[T]) finish(err error) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	s.err = err
	for id, sub := range s.subscribers {
		close(sub.done)
		delete(s.subscribers, id)
	}
}

// Err reports the read error that ended the stream, if any.
func (s *SerialMux[T]) Err() error {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.err
}

func (s *SerialMux[T]) Close() error {
	s.finish(nil)
	return s.port.Close()
}
