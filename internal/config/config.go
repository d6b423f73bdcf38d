// Package config resolves the daemon's settings from defaults, an optional
// TOML file, explicitly set command-line flags, and the environment, in that
// order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/serialmux"
	"github.com/banshee-data/vendpi/internal/sink"
)

// PasswordEnv supplies the webhook password when neither the file nor the
// flags set one.
const PasswordEnv = "VENDPI_WEBHOOK_PASSWORD"

const (
	DefaultSerialPort   = "/dev/ttyUSB0"
	DefaultListen       = ":8080"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultNATSSubject  = "vendpi.packets"
	DefaultRedisStream  = "vendpi:packets"
)

// ErrNoSink is returned when no packet destination is configured.
var ErrNoSink = errors.New("no packet sink configured: set a webhook url, nats url, redis addr or db path")

type NATSConfig struct {
	URL     string
	Subject string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// Config is the resolved daemon configuration.
type Config struct {
	Listen string
	Debug  bool
	// Dev replays canned lines instead of opening SerialPort.
	Dev bool

	SerialPort   string
	Port         serialmux.PortOptions
	Encoding     string
	StripNulls   bool
	PollInterval time.Duration

	Framing framer.Config

	Webhook sink.WebhookConfig
	NATS    NATSConfig
	Redis   RedisConfig
	// DBPath is the SQLite packet archive. Empty disables it.
	DBPath string

	QueueSize       int
	DeliveryTimeout time.Duration
}

func Default() Config {
	return Config{
		Listen:          DefaultListen,
		SerialPort:      DefaultSerialPort,
		Port:            serialmux.PortOptions{BaudRate: serialmux.DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"},
		Encoding:        "utf-8",
		PollInterval:    DefaultPollInterval,
		Framing:         framer.DefaultConfig(),
		Webhook:         sink.WebhookConfig{Timeout: sink.DefaultWebhookTimeout},
		NATS:            NATSConfig{Subject: DefaultNATSSubject},
		Redis:           RedisConfig{Stream: DefaultRedisStream},
		QueueSize:       sink.DefaultQueueSize,
		DeliveryTimeout: sink.DefaultDeliveryTimeout,
	}
}

// Validate reports the first problem that would stop the daemon from
// starting.
func (c Config) Validate() error {
	if err := c.Framing.Validate(); err != nil {
		return fmt.Errorf("framing: %w", err)
	}
	if _, err := c.Port.Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if !c.Dev && strings.TrimSpace(c.SerialPort) == "" {
		return errors.New("serial: port must not be empty")
	}
	if _, err := serialmux.NewDecoder(serialmux.DecoderOptions{Encoding: c.Encoding}); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval %v: must be positive", c.PollInterval)
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout %v: must be positive", c.Webhook.Timeout)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery timeout %v: must be positive", c.DeliveryTimeout)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size %d: must be positive", c.QueueSize)
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.New("nats: subject must not be empty")
	}
	if c.Redis.Addr != "" && c.Redis.Stream == "" {
		return errors.New("redis: stream must not be empty")
	}
	if c.Webhook.URL == "" && c.NATS.URL == "" && c.Redis.Addr == "" && c.DBPath == "" {
		return ErrNoSink
	}
	return nil
}

// Load builds the configuration for args. -config names an optional TOML
// file; flags given explicitly on the command line override it.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	flagged := Default()
	var path string
	fs.StringVar(&path, "config", "", "Path to a TOML configuration file.")
	bindFlags(fs, &flagged)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		if apply, ok := overlay[f.Name]; ok {
			apply(&cfg, &flagged)
		}
	})

	if cfg.Webhook.Password == "" {
		cfg.Webhook.Password = os.Getenv(PasswordEnv)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// bindFlags registers every flag against cfg. Names follow the original
// command-line tools where they overlap.
func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address for the status API and debug pages.")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Log every decoded line and the idle countdown.")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "Replay a canned packet instead of opening a serial port.")

	fs.StringVar(&cfg.SerialPort, "serial-port", cfg.SerialPort, "Serial port to read from.")
	fs.IntVar(&cfg.Port.BaudRate, "baudrate", cfg.Port.BaudRate, "Baud rate for the serial connection.")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "Line encoding: utf-8, iso-8859-1, windows-1252 or cp437.")
	fs.BoolVar(&cfg.StripNulls, "strip-nulls", cfg.StripNulls, "Remove null bytes from input before processing.")
	fs.Var((*seconds)(&cfg.PollInterval), "interval", "Longest wait for a line before checking timeouts (seconds or duration).")

	fs.StringVar(&cfg.Framing.StartMarker, "start-marker", cfg.Framing.StartMarker, "Substring that indicates the start of a packet.")
	fs.StringVar(&cfg.Framing.EndMarker, "end-marker", cfg.Framing.EndMarker, "Substring that indicates the end of a packet.")
	fs.Var((*seconds)(&cfg.Framing.IdleTimeout), "packet-timeout", "Idle timeout: send the current packet if no line arrives for this long.")
	fs.Var((*seconds)(&cfg.Framing.MaxDuration), "max-packet-duration", "Send a packet this long after its start marker even if lines keep arriving.")

	fs.StringVar(&cfg.Webhook.URL, "url", cfg.Webhook.URL, "The URL to send POST requests to.")
	fs.StringVar(&cfg.Webhook.Username, "username", cfg.Webhook.Username, "Username for HTTP Basic Authentication.")
	fs.StringVar(&cfg.Webhook.Password, "password", cfg.Webhook.Password, "Password for HTTP Basic Authentication (or set "+PasswordEnv+").")
	fs.BoolVar(&cfg.Webhook.Insecure, "insecure", cfg.Webhook.Insecure, "Disable TLS certificate verification.")
	fs.Var((*seconds)(&cfg.Webhook.Timeout), "webhook-timeout", "Timeout for one POST.")
	fs.StringVar(&cfg.Webhook.Secret, "webhook-secret", cfg.Webhook.Secret, "Sign request bodies with HMAC-SHA256 using this secret.")

	fs.StringVar(&cfg.NATS.URL, "nats-url", cfg.NATS.URL, "Publish packets to this NATS server.")
	fs.StringVar(&cfg.NATS.Subject, "nats-subject", cfg.NATS.Subject, "NATS subject for packets.")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Append packets to a stream on this Redis server.")
	fs.StringVar(&cfg.Redis.Stream, "redis-stream", cfg.Redis.Stream, "Redis stream key for packets.")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Archive packets and delivery attempts in this SQLite file.")

	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Packets that may wait for delivery before new ones are dropped.")
	fs.Var((*seconds)(&cfg.DeliveryTimeout), "delivery-timeout", "Upper bound on one sink's attempt at one packet.")
}

// overlay copies one explicitly set flag from the flag-bound config.
var overlay = map[string]func(dst, src *Config){
	"listen":              func(d, s *Config) { d.Listen = s.Listen },
	"debug":               func(d, s *Config) { d.Debug = s.Debug },
	"dev":                 func(d, s *Config) { d.Dev = s.Dev },
	"serial-port":         func(d, s *Config) { d.SerialPort = s.SerialPort },
	"baudrate":            func(d, s *Config) { d.Port.BaudRate = s.Port.BaudRate },
	"encoding":            func(d, s *Config) { d.Encoding = s.Encoding },
	"strip-nulls":         func(d, s *Config) { d.StripNulls = s.StripNulls },
	"interval":            func(d, s *Config) { d.PollInterval = s.PollInterval },
	"start-marker":        func(d, s *Config) { d.Framing.StartMarker = s.Framing.StartMarker },
	"end-marker":          func(d, s *Config) { d.Framing.EndMarker = s.Framing.EndMarker },
	"packet-timeout":      func(d, s *Config) { d.Framing.IdleTimeout = s.Framing.IdleTimeout },
	"max-packet-duration": func(d, s *Config) { d.Framing.MaxDuration = s.Framing.MaxDuration },
	"url":                 func(d, s *Config) { d.Webhook.URL = s.Webhook.URL },
	"username":            func(d, s *Config) { d.Webhook.Username = s.Webhook.Username },
	"password":            func(d, s *Config) { d.Webhook.Password = s.Webhook.Password },
	"insecure":            func(d, s *Config) { d.Webhook.Insecure = s.Webhook.Insecure },
	"webhook-timeout":     func(d, s *Config) { d.Webhook.Timeout = s.Webhook.Timeout },
	"webhook-secret":      func(d, s *Config) { d.Webhook.Secret = s.Webhook.Secret },
	"nats-url":            func(d, s *Config) { d.NATS.URL = s.NATS.URL },
	"nats-subject":        func(d, s *Config) { d.NATS.Subject = s.NATS.Subject },
	"redis-addr":          func(d, s *Config) { d.Redis.Addr = s.Redis.Addr },
	"redis-stream":        func(d, s *Config) { d.Redis.Stream = s.Redis.Stream },
	"db-path":             func(d, s *Config) { d.DBPath = s.DBPath },
	"queue-size":          func(d, s *Config) { d.QueueSize = s.QueueSize },
	"delivery-timeout":    func(d, s *Config) { d.DeliveryTimeout = s.DeliveryTimeout },
}

// seconds is a duration flag that also accepts a bare number of seconds, as
// the original tools did ("5", "0.5").
type seconds time.Duration

func (s *seconds) String() string {
	if s == nil {
		return ""
	}
	return time.Duration(*s).String()
}

func (s *seconds) Set(v string) error {
	d, err := ParseSeconds(v)
	if err != nil {
		return err
	}
	*s = seconds(d)
	return nil
}

// ParseSeconds accepts a Go duration ("1m30s") or a plain number of seconds.
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a duration like 500ms", v)
	}
	return d, nil
}
