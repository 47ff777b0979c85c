package telemetry

import "time"

// Sample is one periodic throughput measurement of a benchmark run.
type Sample struct {
	RunID     string        `json:"runId"`
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"elapsedNs"`

	TXMbps       float64 `json:"txMbps"`
	RXMbps       float64 `json:"rxMbps"`
	TXSamples    uint64  `json:"txSamples"`
	RXSamples    uint64  `json:"rxSamples"`
	TXUnderflows uint64  `json:"txUnderflows"`
	RXErrors     uint64  `json:"rxErrors"`

	// RXPeakDBFS is unset until an RX buffer has been measured.
	RXPeakDBFS *float64 `json:"rxPeakDbfs,omitempty"`

	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	NetRXMbps  float64 `json:"netRxMbps"`
	NetTXMbps  float64 `json:"netTxMbps"`
}

// Reporter receives benchmark samples.
type Reporter interface {
	Report(Sample)
}

// MultiReporter fans out samples to multiple destinations.
type MultiReporter []Reporter

// Report forwards the sample to each configured reporter.
func (m MultiReporter) Report(s Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}
