package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vendpi/internal/collector"
	"github.com/banshee-data/vendpi/internal/db"
	"github.com/banshee-data/vendpi/internal/framer"
)

type fakeStatus struct{ snap collector.Snapshot }

func (f fakeStatus) Snapshot() collector.Snapshot { return f.snap }

type fakeSinks []string

func (f fakeSinks) Sinks() []string { return f }

type fakeArchive struct {
	packets    []db.StoredPacket
	deliveries []db.Delivery
	err        error

	gotLimit  int
	gotFailed bool
}

func (a *fakeArchive) RecentPackets(ctx context.Context, limit int) ([]db.StoredPacket, error) {
	a.gotLimit = limit
	return a.packets, a.err
}

func (a *fakeArchive) RecentDeliveries(ctx context.Context, limit int, failedOnly bool) ([]db.Delivery, error) {
	a.gotLimit, a.gotFailed = limit, failedOnly
	return a.deliveries, a.err
}

func (a *fakeArchive) PacketCount(ctx context.Context) (int64, error) {
	return int64(len(a.packets)), a.err
}

func runningSnapshot() collector.Snapshot {
	return collector.Snapshot{
		Status: framer.Status{State: framer.Collecting, Lines: 2, Age: 1500 * time.Millisecond, IdleRemaining: 4 * time.Second},
		Stats: framer.Stats{
			Packets:   map[framer.Reason]uint64{framer.ReasonEndMarker: 3, framer.ReasonIdleTimeout: 1},
			LinesSeen: 14,
		},
		Running: true,
	}
}

func newTestServer(archive Archive) *Server {
	return NewServer(fakeStatus{runningSnapshot()}, fakeSinks{"webhook", "store"}, archive, framer.DefaultConfig())
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestShowStatus(t *testing.T) {
	archive := &fakeArchive{packets: make([]db.StoredPacket, 7)}
	rec := get(t, newTestServer(archive).ServeMux(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "dev", got["version"])
	assert.Equal(t, []any{"webhook", "store"}, got["sinks"])
	assert.EqualValues(t, 7, got["archived_packets"])

	col := got["collector"].(map[string]any)
	assert.Equal(t, "collecting", col["state"])
	assert.EqualValues(t, 2, col["lines"])
	assert.Equal(t, true, col["running"])
	stats := col["stats"].(map[string]any)
	assert.Equal(t, map[string]any{"end_marker": 3.0, "idle_timeout": 1.0}, stats["packets"])
}

func TestShowStatus_NoArchive(t *testing.T) {
	rec := get(t, newTestServer(nil).ServeMux(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "archived_packets")
}

func TestShowStatus_ArchiveError(t *testing.T) {
	rec := get(t, newTestServer(&fakeArchive{err: errors.New("database is locked")}).ServeMux(), "/api/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestShowConfig(t *testing.T) {
	rec := get(t, newTestServer(nil).ServeMux(), "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"start_marker": "AT+WOPEN",
		"end_marker": "ATH",
		"idle_timeout": "5s",
		"max_duration": "30s",
		"sinks": ["webhook", "store"]
	}`, rec.Body.String())
}

func TestListPackets(t *testing.T) {
	id := uuid.MustParse("0b7c6a57-2f7e-4d7a-9a35-1f0b7c8d2e11")
	archive := &fakeArchive{packets: []db.StoredPacket{{ID: id, Reason: "end_marker", Lines: []string{"AT+WOPEN", "ATH"}, Data: "AT+WOPEN\nATH"}}}
	mux := newTestServer(archive).ServeMux()

	rec := get(t, mux, "/api/packets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultListLimit, archive.gotLimit)
	var got []db.StoredPacket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	rec = get(t, mux, "/api/packets?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, archive.gotLimit)
}

func TestListDeliveries(t *testing.T) {
	archive := &fakeArchive{deliveries: []db.Delivery{}}
	mux := newTestServer(archive).ServeMux()

	rec := get(t, mux, "/api/deliveries?failed=true&limit=20")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.True(t, archive.gotFailed)
	assert.Equal(t, 20, archive.gotLimit)

	rec = get(t, mux, "/api/deliveries")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, archive.gotFailed)
}

func TestArchiveEndpoints_Errors(t *testing.T) {
	tests := []struct {
		name    string
		archive Archive
		method  string
		target  string
		status  int
	}{
		{"packets disabled", nil, http.MethodGet, "/api/packets", http.StatusServiceUnavailable},
		{"deliveries disabled", nil, http.MethodGet, "/api/deliveries", http.StatusServiceUnavailable},
		{"packets bad limit", &fakeArchive{}, http.MethodGet, "/api/packets?limit=abc", http.StatusBadRequest},
		{"packets limit too large", &fakeArchive{}, http.MethodGet, "/api/packets?limit=5000", http.StatusBadRequest},
		{"deliveries bad limit", &fakeArchive{}, http.MethodGet, "/api/deliveries?limit=0", http.StatusBadRequest},
		{"deliveries bad failed", &fakeArchive{}, http.MethodGet, "/api/deliveries?failed=maybe", http.StatusBadRequest},
		{"packets query error", &fakeArchive{err: errors.New("disk I/O error")}, http.MethodGet, "/api/packets", http.StatusInternalServerError},
		{"deliveries query error", &fakeArchive{err: errors.New("disk I/O error")}, http.MethodGet, "/api/deliveries", http.StatusInternalServerError},
		{"packets post", &fakeArchive{}, http.MethodPost, "/api/packets", http.StatusMethodNotAllowed},
		{"deliveries post", &fakeArchive{}, http.MethodPost, "/api/deliveries", http.StatusMethodNotAllowed},
		{"status post", &fakeArchive{}, http.MethodPost, "/api/status", http.StatusMethodNotAllowed},
		{"config delete", &fakeArchive{}, http.MethodDelete, "/api/config", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer(tt.archive).ServeMux().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHealth(t *testing.T) {
	rec := get(t, newTestServer(nil).ServeMux(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	stopped := NewServer(fakeStatus{collector.Snapshot{LastError: "line source: serial port closed"}}, fakeSinks{}, nil, framer.DefaultConfig())
	rec = get(t, stopped.ServeMux(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"stopped","error":"line source: serial port closed"}`, rec.Body.String())
}

func TestListPackets_RealArchive(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "vendpi.db"))
	require.NoError(t, err)
	defer store.Close()

	p := framer.Packet{
		ID:        uuid.New(),
		Lines:     []string{"AT+WOPEN=1", "ATH"},
		Reason:    framer.ReasonEndMarker,
		StartedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		EmittedAt: time.Date(2024, 3, 1, 12, 0, 2, 0, time.UTC),
	}
	require.NoError(t, store.RecordPacket(context.Background(), p))

	mux := newTestServer(store).ServeMux()
	rec := get(t, mux, "/api/packets?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []db.StoredPacket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)
	assert.Equal(t, p.Lines, got[0].Lines)
}

func TestLoggingMiddleware(t *testing.T) {
	var logs bytes.Buffer
	h := LoggingMiddleware(zerolog.New(&logs), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	rec := get(t, h, "/api/status?x=1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), `"status":502`)
	assert.Contains(t, logs.String(), `"uri":"/api/status?x=1"`)
	assert.Contains(t, logs.String(), `"method":"GET"`)
}

func TestLoggingMiddleware_PassesThroughStreaming(t *testing.T) {
	var flushed, hijackErr bool
	h := LoggingMiddleware(zerolog.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
			flushed = true
		}
		if hj, ok := w.(http.Hijacker); ok {
			// the recorder cannot be hijacked
			_, _, err := hj.Hijack()
			hijackErr = err != nil
		}
	}))

	rec := get(t, h, "/debug/packets/ws")
	assert.True(t, flushed)
	assert.True(t, rec.Flushed)
	assert.True(t, hijackErr)
}
