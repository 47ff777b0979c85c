package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusReporter exports samples as Prometheus metrics on its own
// registry.
type PrometheusReporter struct {
	registry *prometheus.Registry

	txMbps       prometheus.Gauge
	rxMbps       prometheus.Gauge
	txSamples    prometheus.Gauge
	rxSamples    prometheus.Gauge
	txUnderflows prometheus.Gauge
	rxErrors     prometheus.Gauge
	rxPeak       prometheus.Gauge
	cpu          prometheus.Gauge
	reports      prometheus.Counter
}

// NewPrometheusReporter registers the sdrbench metrics plus the Go and
// process collectors on a fresh registry.
func NewPrometheusReporter() *PrometheusReporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: "sdrbench", Name: name, Help: help})
	}
	return &PrometheusReporter{
		registry:     reg,
		txMbps:       gauge("tx_mbps", "Average transmit throughput since start in Mbps."),
		rxMbps:       gauge("rx_mbps", "Average receive throughput since start in Mbps."),
		txSamples:    gauge("tx_samples", "Samples accepted by the transmit stream."),
		rxSamples:    gauge("rx_samples", "Samples delivered by the receive stream without error."),
		txUnderflows: gauge("tx_underflows", "Transmit calls that sent fewer samples than requested."),
		rxErrors:     gauge("rx_errors", "Receive calls that reported an error code."),
		rxPeak:       gauge("rx_peak_dbfs", "Peak magnitude of the last measured receive buffer."),
		cpu:          gauge("cpu_percent", "Process CPU usage."),
		reports: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sdrbench", Name: "reports_total", Help: "Samples reported.",
		}),
	}
}

// Report implements Reporter.
func (p *PrometheusReporter) Report(s Sample) {
	p.txMbps.Set(s.TXMbps)
	p.rxMbps.Set(s.RXMbps)
	p.txSamples.Set(float64(s.TXSamples))
	p.rxSamples.Set(float64(s.RXSamples))
	p.txUnderflows.Set(float64(s.TXUnderflows))
	p.rxErrors.Set(float64(s.RXErrors))
	if s.RXPeakDBFS != nil {
		p.rxPeak.Set(*s.RXPeakDBFS)
	}
	p.cpu.Set(s.CPUPercent)
	p.reports.Inc()
}

// Registry exposes the underlying registry.
func (p *PrometheusReporter) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
