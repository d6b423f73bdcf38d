// Package api serves the JSON status endpoints: live collector state, the
// configured sinks, and the local packet archive.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vendpi/internal/collector"
	"github.com/banshee-data/vendpi/internal/db"
	"github.com/banshee-data/vendpi/internal/framer"
	"github.com/banshee-data/vendpi/internal/httputil"
	"github.com/banshee-data/vendpi/internal/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StatusSource reports the collector's latest state.
type StatusSource interface {
	Snapshot() collector.Snapshot
}

// SinkLister names the delivery destinations in order.
type SinkLister interface {
	Sinks() []string
}

// Archive is the read side of the packet store.
type Archive interface {
	RecentPackets(ctx context.Context, limit int) ([]db.StoredPacket, error)
	RecentDeliveries(ctx context.Context, limit int, failedOnly bool) ([]db.Delivery, error)
	PacketCount(ctx context.Context) (int64, error)
}

type Server struct {
	status  StatusSource
	sinks   SinkLister
	archive Archive
	framing framer.Config
	started time.Time
}

// NewServer builds the API. archive may be nil when packets are not stored
// locally; the archive endpoints then answer 503.
func NewServer(status StatusSource, sinks SinkLister, archive Archive, framing framer.Config) *Server {
	return &Server{
		status:  status,
		sinks:   sinks,
		archive: archive,
		framing: framing,
		started: time.Now(),
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Attach(mux)
	return mux
}

// Attach registers the API routes on mux.
func (s *Server) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/packets", s.listPackets)
	mux.HandleFunc("/api/deliveries", s.listDeliveries)
}

type statusResponse struct {
	Version  string             `json:"version"`
	GitSHA   string             `json:"git_sha"`
	Uptime   string             `json:"uptime"`
	Sinks    []string           `json:"sinks"`
	Archived *int64             `json:"archived_packets,omitempty"`
	Framer   collector.Snapshot `json:"collector"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := statusResponse{
		Version: version.Version,
		GitSHA:  version.GitSHA,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Sinks:   s.sinks.Sinks(),
		Framer:  s.status.Snapshot(),
	}
	if s.archive != nil {
		n, err := s.archive.PacketCount(r.Context())
		if err != nil {
			httputil.InternalServerError(w, "failed to count packets: "+err.Error())
			return
		}
		resp.Archived = &n
	}
	httputil.WriteJSONOK(w, resp)
}

type configResponse struct {
	StartMarker string   `json:"start_marker"`
	EndMarker   string   `json:"end_marker"`
	IdleTimeout string   `json:"idle_timeout"`
	MaxDuration string   `json:"max_duration"`
	Sinks       []string `json:"sinks"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, configResponse{
		StartMarker: s.framing.StartMarker,
		EndMarker:   s.framing.EndMarker,
		IdleTimeout: s.framing.IdleTimeout.String(),
		MaxDuration: s.framing.MaxDuration.String(),
		Sinks:       s.sinks.Sinks(),
	})
}

func (s *Server) listPackets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "packet archive disabled")
		return
	}
	limit, ok := httputil.QueryInt(r, "limit", defaultListLimit, maxListLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}

	packets, err := s.archive.RecentPackets(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve packets: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, packets)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "packet archive disabled")
		return
	}
	limit, ok := httputil.QueryInt(r, "limit", defaultListLimit, maxListLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	failedOnly := false
	switch r.URL.Query().Get("failed") {
	case "", "false", "0":
	case "true", "1":
		failedOnly = true
	default:
		httputil.BadRequest(w, "invalid 'failed' parameter")
		return
	}

	deliveries, err := s.archive.RecentDeliveries(r.Context(), limit, failedOnly)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve deliveries: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, deliveries)
}

// health answers 200 while the collector loop is running.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	if !snap.Running {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "stopped",
			"error":  snap.LastError,
		})
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the live packet WebSocket upgrade through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LoggingMiddleware logs method, path, status, and duration for every request.
func LoggingMiddleware(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		ev := log.Debug()
		if lrw.statusCode >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", lrw.statusCode).
			Float64("duration_ms", float64(time.Since(start).Nanoseconds())/1e6).
			Msg("http request")
	})
}
