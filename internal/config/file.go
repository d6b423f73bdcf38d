package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Listen string `toml:"listen"`
	Debug  bool   `toml:"debug"`
	Dev    bool   `toml:"dev"`

	Serial struct {
		Port         string `toml:"port"`
		BaudRate     int    `toml:"baud_rate"`
		DataBits     int    `toml:"data_bits"`
		StopBits     int    `toml:"stop_bits"`
		Parity       string `toml:"parity"`
		Encoding     string `toml:"encoding"`
		StripNulls   bool   `toml:"strip_nulls"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"serial"`

	Framing struct {
		StartMarker string `toml:"start_marker"`
		EndMarker   string `toml:"end_marker"`
		IdleTimeout string `toml:"idle_timeout"`
		MaxDuration string `toml:"max_duration"`
	} `toml:"framing"`

	Webhook struct {
		URL      string `toml:"url"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		Insecure bool   `toml:"insecure"`
		Timeout  string `toml:"timeout"`
		Secret   string `toml:"secret"`
	} `toml:"webhook"`

	NATS struct {
		URL     string `toml:"url"`
		Subject string `toml:"subject"`
	} `toml:"nats"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Stream   string `toml:"stream"`
		MaxLen   int64  `toml:"max_len"`
	} `toml:"redis"`

	Archive struct {
		Path string `toml:"path"`
	} `toml:"archive"`

	Dispatch struct {
		QueueSize       int    `toml:"queue_size"`
		DeliveryTimeout string `toml:"delivery_timeout"`
	} `toml:"dispatch"`
}

// LoadFile overlays the keys present in the TOML file at path onto cfg.
// Keys the file leaves out keep their current values. Unknown keys are an
// error so typos do not pass silently.
func LoadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("dev") {
		cfg.Dev = raw.Dev
	}

	if meta.IsDefined("serial", "port") {
		cfg.SerialPort = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud_rate") {
		cfg.Port.BaudRate = raw.Serial.BaudRate
	}
	if meta.IsDefined("serial", "data_bits") {
		cfg.Port.DataBits = raw.Serial.DataBits
	}
	if meta.IsDefined("serial", "stop_bits") {
		cfg.Port.StopBits = raw.Serial.StopBits
	}
	if meta.IsDefined("serial", "parity") {
		cfg.Port.Parity = raw.Serial.Parity
	}
	if meta.IsDefined("serial", "encoding") {
		cfg.Encoding = raw.Serial.Encoding
	}
	if meta.IsDefined("serial", "strip_nulls") {
		cfg.StripNulls = raw.Serial.StripNulls
	}
	if meta.IsDefined("serial", "poll_interval") {
		if err := parseInto(&cfg.PollInterval, "serial.poll_interval", raw.Serial.PollInterval); err != nil {
			return err
		}
	}

	// markers are matched verbatim, so they are not trimmed
	if meta.IsDefined("framing", "start_marker") {
		cfg.Framing.StartMarker = raw.Framing.StartMarker
	}
	if meta.IsDefined("framing", "end_marker") {
		cfg.Framing.EndMarker = raw.Framing.EndMarker
	}
	if meta.IsDefined("framing", "idle_timeout") {
		if err := parseInto(&cfg.Framing.IdleTimeout, "framing.idle_timeout", raw.Framing.IdleTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("framing", "max_duration") {
		if err := parseInto(&cfg.Framing.MaxDuration, "framing.max_duration", raw.Framing.MaxDuration); err != nil {
			return err
		}
	}

	if meta.IsDefined("webhook", "url") {
		cfg.Webhook.URL = strings.TrimSpace(raw.Webhook.URL)
	}
	if meta.IsDefined("webhook", "username") {
		cfg.Webhook.Username = raw.Webhook.Username
	}
	if meta.IsDefined("webhook", "password") {
		cfg.Webhook.Password = raw.Webhook.Password
	}
	if meta.IsDefined("webhook", "insecure") {
		cfg.Webhook.Insecure = raw.Webhook.Insecure
	}
	if meta.IsDefined("webhook", "timeout") {
		if err := parseInto(&cfg.Webhook.Timeout, "webhook.timeout", raw.Webhook.Timeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("webhook", "secret") {
		cfg.Webhook.Secret = raw.Webhook.Secret
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "subject") {
		cfg.NATS.Subject = strings.TrimSpace(raw.NATS.Subject)
	}

	if meta.IsDefined("redis", "addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "password") {
		cfg.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("redis", "db") {
		cfg.Redis.DB = raw.Redis.DB
	}
	if meta.IsDefined("redis", "stream") {
		cfg.Redis.Stream = strings.TrimSpace(raw.Redis.Stream)
	}
	if meta.IsDefined("redis", "max_len") {
		cfg.Redis.MaxLen = raw.Redis.MaxLen
	}

	if meta.IsDefined("archive", "path") {
		cfg.DBPath = strings.TrimSpace(raw.Archive.Path)
	}

	if meta.IsDefined("dispatch", "queue_size") {
		cfg.QueueSize = raw.Dispatch.QueueSize
	}
	if meta.IsDefined("dispatch", "delivery_timeout") {
		if err := parseInto(&cfg.DeliveryTimeout, "dispatch.delivery_timeout", raw.Dispatch.DeliveryTimeout); err != nil {
			return err
		}
	}
	return nil
}

func parseInto(dst *time.Duration, key, v string) error {
	d, err := ParseSeconds(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}
