package serialmux

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscription) []string {
	t.Helper()
	var got []string
	for {
		select {
		case line := <-sub.C:
			got = append(got, line)
		default:
			return got
		}
	}
}

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NotNil(t, mux)
	assert.Same(t, port, mux.port)
	assert.NotNil(t, mux.subscribers)
	assert.NotNil(t, mux.decoder)
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	sub1 := mux.Subscribe()
	sub2 := mux.SubscribeReliable(4)
	assert.NotEmpty(t, sub1.ID)
	assert.NotEqual(t, sub1.ID, sub2.ID)
	assert.Len(t, mux.subscribers, 2)
	assert.True(t, mux.subscribers[sub2.ID].reliable)
	assert.False(t, mux.subscribers[sub1.ID].reliable)

	mux.Unsubscribe(sub1.ID)
	assert.Len(t, mux.subscribers, 1)
	select {
	case <-sub1.Done:
	default:
		t.Fatal("unsubscribed stream should be done")
	}

	// unknown and repeated ids are ignored
	mux.Unsubscribe(sub1.ID)
	mux.Unsubscribe("nope")
	assert.Len(t, mux.subscribers, 1)
}

func TestSerialMux_MonitorDeliversLinesUntilEOF(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData("AT+WOPEN\r\nITEM 01 PRICE 150\r\n\r\nATH\r\n")
	mux := NewSerialMux(port)
	sub := mux.SubscribeReliable(10)

	err := mux.Monitor(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mux.Err())

	want := []string{"AT+WOPEN", "ITEM 01 PRICE 150", "", "ATH"}
	if diff := cmp.Diff(want, drain(t, sub)); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	select {
	case <-sub.Done:
	default:
		t.Fatal("subscription should end at EOF")
	}
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData("first\n")
	boom := errors.New("device unplugged")
	port.FailReads(boom)
	mux := NewSerialMux(port)
	sub := mux.SubscribeReliable(4)

	err := mux.Monitor(context.Background())
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, mux.Err(), boom)
	assert.Equal(t, []string{"first"}, drain(t, sub))
	<-sub.Done
}

func TestSerialMux_MonitorContextCancel(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)
	sub := mux.SubscribeReliable(1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- mux.Monitor(ctx) }()

	port.AddReadData("hello\r\n")
	select {
	case line := <-sub.C:
		assert.Equal(t, "hello", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	require.NoError(t, mux.Close())
	assert.True(t, port.Closed)
}

func TestSerialMux_LossySubscriberDropsWhenFull(t *testing.T) {
	port := NewTestableSerialPort()
	for i := 0; i < lossyBuffer+5; i++ {
		port.AddReadData(fmt.Sprintf("line %d\n", i))
	}
	mux := NewSerialMux(port)
	lossy := mux.Subscribe()
	reliable := mux.SubscribeReliable(lossyBuffer + 5)

	require.NoError(t, mux.Monitor(context.Background()))

	assert.Len(t, drain(t, lossy), lossyBuffer)
	assert.Len(t, drain(t, reliable), lossyBuffer+5)
}

func TestSerialMux_ReliableSubscriberBackpressure(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData("a\nb\nc\n")
	mux := NewSerialMux(port)
	sub := mux.SubscribeReliable(0)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case line := <-sub.C:
			got = append(got, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	require.NoError(t, <-done)
}

func TestSerialMux_SubscribeAfterClose(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	require.NoError(t, mux.Close())

	sub := mux.SubscribeReliable(1)
	select {
	case <-sub.Done:
	default:
		t.Fatal("subscription on a closed mux should already be done")
	}
	assert.Empty(t, mux.subscribers)
}

func TestSerialMux_CloseEndsSubscriptions(t *testing.T) {
	port := NewTestableSerialPort()
	port.CloseError = errors.New("close failed")
	mux := NewSerialMux(port)
	sub := mux.Subscribe()

	err := mux.Close()
	assert.EqualError(t, err, "close failed")
	<-sub.Done
	assert.NoError(t, mux.Err())
}

func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		setup   func(*TestableSerialPort)
		want    string
		wantErr error
		anyErr  bool
	}{
		{name: "appends CRLF", command: "AT+WOPEN=1", want: "AT+WOPEN=1\r\n"},
		{name: "keeps existing CRLF", command: "ATH\r\n", want: "ATH\r\n"},
		{
			name:    "write error",
			command: "ATZ",
			setup:   func(p *TestableSerialPort) { p.WriteError = errors.New("io error") },
			anyErr:  true,
		},
		{
			name:    "short write",
			command: "ATZ",
			setup:   func(p *TestableSerialPort) { p.ShortWrite = true },
			want:    "ATZ\r\n",
			wantErr: ErrWriteFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			if tt.setup != nil {
				tt.setup(port)
			}
			mux := NewSerialMux(port)

			err := mux.SendCommand(tt.command)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, port.GetWrittenData())
		})
	}
}

func TestSerialMux_DecoderOption(t *testing.T) {
	dec, err := NewDecoder(DecoderOptions{StripNulls: true, Encoding: "latin1"})
	require.NoError(t, err)

	port := NewTestableSerialPort()
	port.AddReadData("caf\xe9\x00\r\n")
	mux := NewSerialMux(port, WithDecoder(dec))
	sub := mux.SubscribeReliable(1)

	require.NoError(t, mux.Monitor(context.Background()))
	assert.Equal(t, []string{"café"}, drain(t, sub))
}

func TestMockSerialMux(t *testing.T) {
	mux := NewMockSerialMux([]string{"AT+WOPEN", "ATH"}, time.Millisecond)
	sub := mux.SubscribeReliable(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	var got []string
	for len(got) < 3 {
		select {
		case line := <-sub.C:
			got = append(got, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	assert.Equal(t, []string{"AT+WOPEN", "ATH", "AT+WOPEN"}, got)

	require.NoError(t, mux.SendCommand("ATI"))
	assert.Equal(t, "ATI\r\n", mux.port.Written())
	require.NoError(t, mux.Close())
}
