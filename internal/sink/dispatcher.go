package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/monitoring"
	"github.com/banshee-data/vendpi/internal/timeutil"
)

const (
	// DefaultQueueSize is how many packets may wait for delivery.
	DefaultQueueSize = 64
	// DefaultDeliveryTimeout bounds one sink's attempt at one packet.
	DefaultDeliveryTimeout = 15 * time.Second
)

// DeliveryRecorder keeps a log of delivery attempts. *db.DB implements it.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, packetID uuid.UUID, sink string, at time.Time, took time.Duration, deliveryErr error) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithRecorder(r DeliveryRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithDispatchClock sets the clock used to timestamp delivery attempts.
func WithDispatchClock(c timeutil.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher hands packets to sinks on its own goroutine so the collector
// never waits on the network. Packets are delivered in submission order.
type Dispatcher struct {
	sinks     []Sink
	queueSize int
	timeout   time.Duration
	recorder  DeliveryRecorder
	log       zerolog.Logger
	clock     timeutil.Clock

	queue  chan framer.Packet
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a worker delivering to sinks. Call Close to stop it.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:     sinks,
		queueSize: DefaultQueueSize,
		timeout:   DefaultDeliveryTimeout,
		log:       zerolog.Nop(),
		clock:     timeutil.RealClock{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan framer.Packet, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.run()
	return d
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Submit queues p for delivery without blocking. When the queue is full the
// packet is dropped and ErrQueueFull returned.
func (d *Dispatcher) Submit(p framer.Packet) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- p:
		monitoring.SetQueueDepth(len(d.queue))
		return nil
	default:
		monitoring.RecordDispatchDrop()
		packetEvent(d.log.Error(), p).
			Str("text", p.Text()).
			Err(ErrQueueFull).
			Msg("packet dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for p := range d.queue {
		monitoring.SetQueueDepth(len(d.queue))
		d.deliver(p)
	}
}

func (d *Dispatcher) deliver(p framer.Packet) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		start := d.clock.Now()
		err := s.Deliver(ctx, p)
		took := d.clock.Since(start)
		cancel()

		monitoring.RecordDelivery(s.Name(), err, took)
		if err != nil {
			// the text is logged so a failed packet can be recovered by hand
			packetEvent(d.log.Error(), p).
				Str("sink", s.Name()).
				Str("text", p.Text()).
				Str("kind", errorKind(err)).
				Dur("took", took).
				Err(err).
				Msg("packet delivery failed")
		} else {
			packetEvent(d.log.Debug(), p).
				Str("sink", s.Name()).
				Dur("took", took).
				Msg("packet delivered")
		}

		if d.recorder != nil {
			// recorded even during shutdown so the log is complete
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			if rerr := d.recorder.RecordDelivery(rctx, p.ID, s.Name(), start, took, err); rerr != nil {
				d.log.Warn().Err(rerr).Str("packet_id", p.ID.String()).Msg("failed to record delivery")
			}
			rcancel()
		}
	}
}

// Close stops accepting packets and waits for queued ones to be delivered.
// If ctx ends first, in-flight deliveries are cancelled and the remaining
// packets are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func packetEvent(e *zerolog.Event, p framer.Packet) *zerolog.Event {
	return e.
		Str("packet_id", p.ID.String()).
		Stringer("reason", p.Reason).
		Int("lines", len(p.Lines)).
		Dur("age", p.Duration())
}

// errorKind classifies a delivery error for logs.
func errorKind(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case isTimeout(err):
		return "timeout"
	default:
		return "transport"
	}
}
