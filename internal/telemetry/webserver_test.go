package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebServerRoutes(t *testing.T) {
	hub := newTestHub()
	hub.Report(Sample{RXMbps: 1})
	ws := NewWebServer("127.0.0.1:0", hub, NewPrometheusReporter(), nil)

	cases := map[string]string{
		"/":                "text/html; charset=utf-8",
		"/api/history":     "application/json",
		"/api/config":      "application/json",
		"/api/diagnostics": "application/json",
		"/metrics":         "text/plain",
	}
	for path, ct := range cases {
		rr := httptest.NewRecorder()
		ws.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Contains(t, rr.Header().Get("Content-Type"), ct, path)
	}
}

func TestWebServerServeAndShutdown(t *testing.T) {
	ws := NewWebServer("", newTestHub(), nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ws.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/history")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, "[]", string(body))

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
