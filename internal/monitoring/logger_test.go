package monitoring

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op logger that must not panic
	called = false
	SetLogger(nil)
	Logf("test")
	assert.False(t, called, "no-op logger should not have triggered callback")
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

func TestUseZerolog(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var buf bytes.Buffer
	UseZerolog(zerolog.New(&buf))
	Logf("opened %s at %d baud", "/dev/ttyUSB0", 9600)

	assert.Contains(t, buf.String(), `"message":"opened /dev/ttyUSB0 at 9600 baud"`)
	assert.Contains(t, buf.String(), `"level":"info"`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("vendpi", &buf, false)
	l.Debug().Msg("hidden")
	l.Info().Msg("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "app=vendpi")

	buf.Reset()
	l = NewLogger("vendpi", &buf, true)
	l.Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
