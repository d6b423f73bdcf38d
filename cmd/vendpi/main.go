// Command vendpi reads a vending controller's modem traffic from a serial
// port, frames it into packets, and forwards each packet to the configured
// sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vendpi/internal/api"
	"github.com/banshee-data/vendpi/internal/collector"
	"github.com/banshee-data/vendpi/internal/config"
	"github.com/banshee-data/vendpi/internal/db"
	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/monitoring"
	"github.com/banshee-data/vendpi/internal/serialmux"
	"github.com/banshee-data/vendpi/internal/sink"
	"github.com/banshee-data/vendpi/internal/version"
)

const (
	// lineBuffer is how many decoded lines may queue ahead of the collector
	// before the serial reader waits.
	lineBuffer = 256
	// drainTimeout bounds delivery of packets still queued at shutdown.
	drainTimeout = 15 * time.Second
)

// devInterval paces the canned lines replayed in dev mode.
var devInterval = 200 * time.Millisecond

func main() {
	os.Exit(start(os.Args[1:], os.Stdout))
}

// start parses args, runs the daemon and returns the process exit code.
func start(args []string, w io.Writer) int {
	// configuration errors are reported before the debug setting is known
	boot := monitoring.NewLogger("vendpi", w, false)

	fs := flag.NewFlagSet("vendpi", flag.ContinueOnError)
	fs.SetOutput(w)
	showVersion := fs.Bool("version", false, "Print version information and exit.")
	cfg, err := config.Load(fs, args)
	if *showVersion {
		fmt.Fprintln(w, version.String())
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		boot.Error().Err(err).Msg("failed to load configuration")
		return 2
	}

	logger := monitoring.NewLogger("vendpi", w, cfg.Debug)
	monitoring.UseZerolog(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error().Err(err).Msg("vendpi stopped")
		return 1
	}
	logger.Info().Msg("graceful shutdown complete")
	return 0
}

// run wires the pipeline and blocks until ctx ends or the serial stream
// fails. ready, if non-nil, receives the HTTP listen address once serving.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, ready chan<- string) error {
	logger.Info().Str("version", version.Version).Str("git_sha", version.GitSHA).Msg("starting vendpi")
	monitoring.RegisterMetrics()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	decoder, err := serialmux.NewDecoder(serialmux.DecoderOptions{
		StripNulls: cfg.StripNulls,
		Encoding:   cfg.Encoding,
	})
	if err != nil {
		return err
	}
	serial, err := openSerial(cfg, decoder, logger)
	if err != nil {
		return err
	}
	defer serial.Close()

	var archive *db.DB
	if cfg.DBPath != "" {
		if archive, err = db.NewDB(cfg.DBPath); err != nil {
			return fmt.Errorf("open packet archive: %w", err)
		}
		defer archive.Close()
	}

	hub := sink.NewHub(logger.With().Str("component", "hub").Logger())
	defer hub.Close()

	sinks, closeSinks, err := buildSinks(cfg, archive, hub)
	if err != nil {
		return err
	}
	defer closeSinks()

	dispatchOpts := []sink.DispatcherOption{
		sink.WithQueueSize(cfg.QueueSize),
		sink.WithDeliveryTimeout(cfg.DeliveryTimeout),
		sink.WithLogger(logger.With().Str("component", "dispatcher").Logger()),
	}
	if archive != nil {
		dispatchOpts = append(dispatchOpts, sink.WithRecorder(archive))
	}
	dispatcher := sink.NewDispatcher(sinks, dispatchOpts...)

	f, err := framer.New(cfg.Framing, framer.WithLogger(logger.With().Str("component", "framer").Logger()))
	if err != nil {
		return err
	}
	src := serialmux.NewLineSource(serial, lineBuffer)
	defer src.Close()
	col := collector.New(src, f, dispatcher,
		collector.WithPollInterval(cfg.PollInterval),
		collector.WithLogger(logger.With().Str("component", "collector").Logger()),
	)

	mux := http.NewServeMux()
	var apiArchive api.Archive
	if archive != nil {
		apiArchive = archive
		archive.AttachAdminRoutes(mux)
	}
	api.NewServer(col, dispatcher, apiArchive, cfg.Framing).Attach(mux)
	serial.AttachAdminRoutes(mux)
	tsweb.Debugger(mux).Handle("packets/ws", "Live packet feed (WebSocket)", hub)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	server := &http.Server{
		Handler:           api.LoggingMiddleware(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		wg     sync.WaitGroup
		runErr error
	)

	// the monitor routine owns IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("serial monitor stopped")
		}
		logger.Debug().Msg("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := col.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			runErr = err
		}
		// stop everything else once the collector is done
		cancel()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if err := dispatcher.Close(drainCtx); err != nil {
			logger.Warn().Err(err).Msg("packets still queued at shutdown were abandoned")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("HTTP server failed")
				cancel()
			}
		}()
		logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if ready != nil {
			ready <- ln.Addr().String()
		}

		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown error")
			server.Close()
		}
		logger.Debug().Msg("HTTP server routine stopped")
	}()

	wg.Wait()
	return runErr
}

// openSerial returns the canned replay in dev mode, the real port otherwise.
func openSerial(cfg config.Config, decoder *serialmux.Decoder, logger zerolog.Logger) (serialmux.SerialMuxInterface, error) {
	opts := []serialmux.Option{
		serialmux.WithDecoder(decoder),
		serialmux.WithLogger(logger.With().Str("component", "serial").Logger()),
	}
	if cfg.Dev {
		logger.Info().Dur("interval", devInterval).Msg("dev mode: replaying sample packet")
		return serialmux.NewMockSerialMux(serialmux.SamplePacket, devInterval, opts...), nil
	}
	m, err := serialmux.NewRealSerialMux(cfg.SerialPort, cfg.Port, opts...)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.SerialPort, err)
	}
	logger.Info().Str("port", cfg.SerialPort).Stringer("mode", cfg.Port).Msg("opened serial port")
	return m, nil
}

// buildSinks creates every configured destination. The hub is always last so
// live viewers see a packet after it has been stored and forwarded.
func buildSinks(cfg config.Config, archive *db.DB, hub *sink.Hub) ([]sink.Sink, func(), error) {
	var (
		sinks   []sink.Sink
		closers []io.Closer
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	if archive != nil {
		s, err := sink.NewStoreSink(archive)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Webhook.URL != "" {
		s, err := sink.NewWebhookSink(cfg.Webhook)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.NATS.URL != "" {
		nc, err := sink.ConnectNATS(cfg.NATS.URL, "vendpi")
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		closers = append(closers, closerFunc(func() error { nc.Close(); return nil }))
		s, err := sink.NewNATSSink(nc, cfg.NATS.Subject)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Addr != "" {
		rc := sink.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		closers = append(closers, rc)
		s, err := sink.NewRedisSink(rc, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	sinks = append(sinks, hub)
	return sinks, closeAll, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
