// Package testutil provides helpers shared by the package tests.
package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

// LocalHostRequest creates an httptest request that appears to come from
// localhost. This passes tsweb.AllowDebugAccess, which checks for loopback
// IPs, so /debug/ routes can be exercised. A non-nil body is sent as an
// urlencoded form, which is what the debug pages post.
func LocalHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}

// CaptureLogger returns a debug-level JSON logger writing into the returned
// buffer. The buffer is logged if the test fails.
func CaptureLogger(t testing.TB) (zerolog.Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured logs:\n%s", buf.String())
		}
	})
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

// AssertStatusCode checks that the response status code matches want.
func AssertStatusCode(t testing.TB, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}
