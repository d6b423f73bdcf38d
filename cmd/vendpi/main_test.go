package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vendpi/internal/config"
	"github.com/banshee-data/vendpi/internal/sink"
)

func TestRun_DevModeDeliversSamplePacket(t *testing.T) {
	devInterval = 5 * time.Millisecond

	bodies := make(chan sink.Payload, 16)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p sink.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			select {
			case bodies <- p:
			default:
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	cfg := config.Default()
	cfg.Dev = true
	cfg.Listen = "127.0.0.1:0"
	cfg.Webhook.URL = webhook.URL
	cfg.DBPath = filepath.Join(t.TempDir(), "vendpi.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, zerolog.Nop(), ready)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	var got sink.Payload
	select {
	case got = <-bodies:
	case <-time.After(10 * time.Second):
		t.Fatal("no packet reached the webhook")
	}
	assert.Equal(t, strings.Join([]string{
		"AT+WOPEN=0", "ATE0", "AT", "AT+CMGS=<redacted>",
		"07/11/25 - 14:40", "SN NUMBER:017196", "TEMP         5.3",
		"LITRI 265159.467", "EURO    60544.50", "AT+CMGD=1,4", "ATH",
	}, "\n"), got.Data)
	_, err := time.Parse(sink.TimestampFormat, got.Timestamp)
	assert.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get("http://" + addr + "/api/status")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, []any{"store", "webhook", "hub"}, status["sinks"])

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metrics), "vendpi_framer_packets_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestBuildSinks_HubAlwaysLast(t *testing.T) {
	cfg := config.Default()
	cfg.Webhook.URL = "http://127.0.0.1:9/hook"
	hub := sink.NewHub(zerolog.Nop())
	defer hub.Close()

	sinks, closeAll, err := buildSinks(cfg, nil, hub)
	require.NoError(t, err)
	defer closeAll()

	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"webhook", "hub"}, names)
}

func TestBuildSinks_BadWebhookURL(t *testing.T) {
	cfg := config.Default()
	cfg.Webhook.URL = "ftp://example.com/hook"
	_, _, err := buildSinks(cfg, nil, sink.NewHub(zerolog.Nop()))
	assert.ErrorContains(t, err, "scheme must be http or https")
}

func TestStart_ConfigErrorIsLogged(t *testing.T) {
	var out bytes.Buffer
	code := start([]string{"-serial-port", "/dev/ttyS9"}, &out)

	assert.Equal(t, 2, code)
	assert.Contains(t, out.String(), "ERR")
	assert.Contains(t, out.String(), "failed to load configuration")
	assert.Contains(t, out.String(), "no packet sink")
	assert.Contains(t, out.String(), "app=vendpi")
}

func TestStart_Version(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, start([]string{"-version"}, &out))
	assert.Contains(t, out.String(), "vendpi dev")
}

func TestStart_Help(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, start([]string{"-h"}, &out))
	assert.Contains(t, out.String(), "-start-marker")
}
