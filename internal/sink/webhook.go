package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/httputil"
	"github.com/banshee-data/vendpi/internal/version"
)

// DefaultWebhookTimeout bounds a single POST.
const DefaultWebhookTimeout = 10 * time.Second

// maxErrorBody is how much of a failed response body is kept for logging.
const maxErrorBody = 512

// WebhookConfig configures the HTTP JSON sink.
type WebhookConfig struct {
	URL string
	// Basic auth is sent only when both are set.
	Username string
	Password string
	// Insecure disables TLS certificate verification.
	Insecure bool
	Timeout  time.Duration
	// Secret, when set, signs each body with HMAC-SHA256.
	Secret string
}

// WebhookOption customises a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient replaces the HTTP client, typically with an
// httputil.MockHTTPClient in tests.
func WithHTTPClient(c httputil.HTTPClient) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithSigningClock sets the clock used for the signature timestamp.
func WithSigningClock(now func() time.Time) WebhookOption {
	return func(s *WebhookSink) { s.now = now }
}

// WebhookSink POSTs each packet as JSON to a URL.
type WebhookSink struct {
	cfg    WebhookConfig
	client httputil.HTTPClient
	now    func() time.Time
}

// NewWebhookSink validates cfg and builds the sink.
func NewWebhookSink(cfg WebhookConfig, opts ...WebhookOption) (*WebhookSink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url %q: scheme must be http or https", cfg.URL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook url %q: missing host", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}

	s := &WebhookSink{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		s.client = httputil.NewStandardClient(&http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		})
	}
	return s, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, p framer.Packet) error {
	body, err := json.Marshal(NewPayload(p))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Packet-ID", p.ID.String())
	if s.cfg.Username != "" && s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	if s.cfg.Secret != "" {
		ts := strconv.FormatInt(s.now().Unix(), 10)
		req.Header.Set("X-Webhook-Timestamp", ts)
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(s.cfg.Secret, ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", redactURL(s.cfg.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	// drain so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" keyed by secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// redactURL drops credentials embedded in the URL before logging it.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// isTimeout reports whether err came from a deadline rather than the remote
// end refusing the packet.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
