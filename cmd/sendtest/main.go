// Command sendtest writes the sample vending packet to a serial port, one
// line at a time, so a vendpi instance on the other end of a null-modem
// cable can be exercised without the vending controller.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vendpi/internal/monitoring"
	"github.com/banshee-data/vendpi/internal/serialmux"
)

var (
	port     = flag.String("serial-port", "/dev/ttyUSB0", "Serial port to write to")
	baudRate = flag.Int("baudrate", 115200, "Serial port baud rate")
	delay    = flag.Duration("delay", 100*time.Millisecond, "Pause between lines")
	repeat   = flag.Int("repeat", 1, "Number of times to send the packet")
	debug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	logger := monitoring.NewLogger("sendtest", nil, *debug)

	opts, err := serialmux.PortOptions{BaudRate: *baudRate}.Normalize()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid port settings")
	}
	p, err := serialmux.OpenSerialPort(*port, opts)
	if err != nil {
		logger.Fatal().Err(err).Str("port", *port).Msg("failed to open serial port")
	}
	defer p.Close()
	logger.Info().Str("port", *port).Stringer("mode", opts).Msg("opened serial port")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := 0; i < *repeat; i++ {
		if err := send(ctx, p, serialmux.SamplePacket, *delay, logger); err != nil {
			logger.Error().Err(err).Msg("send failed")
			p.Close()
			os.Exit(1)
		}
	}
	logger.Info().Int("packets", *repeat).Msg("done")
}

// send writes each line with a CRLF terminator, pausing between lines.
func send(ctx context.Context, w io.Writer, lines []string, pause time.Duration, logger zerolog.Logger) error {
	for i, line := range lines {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
		if _, err := io.WriteString(w, line+"\r\n"); err != nil {
			return err
		}
		logger.Info().Int("n", i+1).Str("line", line).Msg("sent")
	}
	return nil
}
