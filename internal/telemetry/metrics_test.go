package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusReporter(t *testing.T) {
	p := NewPrometheusReporter()
	peak := -6.0
	p.Report(Sample{TXMbps: 64, RXMbps: 32, RXSamples: 500, TXUnderflows: 2, RXPeakDBFS: &peak})
	p.Report(Sample{TXMbps: 65, RXMbps: 33, RXSamples: 900, TXUnderflows: 2})

	assert.Equal(t, 65.0, testutil.ToFloat64(p.txMbps))
	assert.Equal(t, 33.0, testutil.ToFloat64(p.rxMbps))
	assert.Equal(t, 900.0, testutil.ToFloat64(p.rxSamples))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.txUnderflows))
	assert.Equal(t, -6.0, testutil.ToFloat64(p.rxPeak), "peak keeps the last measured value")
	assert.Equal(t, 2.0, testutil.ToFloat64(p.reports))

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	assert.Contains(t, string(body), "sdrbench_rx_mbps 33")
	assert.Contains(t, string(body), "go_goroutines")
}
