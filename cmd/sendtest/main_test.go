package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vendpi/internal/serialmux"
)

func TestSend(t *testing.T) {
	var out, logs bytes.Buffer
	err := send(context.Background(), &out, []string{"AT+WOPEN=0", "ATH"}, time.Millisecond, zerolog.New(&logs))
	require.NoError(t, err)
	assert.Equal(t, "AT+WOPEN=0\r\nATH\r\n", out.String())
	assert.Equal(t, 2, bytes.Count(logs.Bytes(), []byte(`"message":"sent"`)))
}

func TestSend_SamplePacketIsFramed(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, send(context.Background(), &out, serialmux.SamplePacket, 0, zerolog.Nop()))
	assert.True(t, bytes.HasPrefix(out.Bytes(), []byte("AT+WOPEN=0\r\n")))
	assert.Contains(t, out.String(), "\r\nATH\r\n")
}

func TestSend_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := send(ctx, &out, []string{"AT+WOPEN=0", "ATH"}, time.Hour, zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
	// the first line goes out before any pause
	assert.Equal(t, "AT+WOPEN=0\r\n", out.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("port gone") }

func TestSend_WriteError(t *testing.T) {
	err := send(context.Background(), failingWriter{}, []string{"AT"}, 0, zerolog.Nop())
	assert.EqualError(t, err, "port gone")
}
