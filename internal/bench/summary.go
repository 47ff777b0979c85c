package bench

import (
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Summary describes a finished run.
type Summary struct {
	RunID       string        `json:"runId"`
	Backend     string        `json:"backend,omitempty"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Elapsed     time.Duration `json:"elapsedNs"`
	RXOnly      bool          `json:"rxOnly"`
	Interrupted bool          `json:"interrupted"`

	SampleRate       float64 `json:"sampleRate"`
	CenterFreq       float64 `json:"centerFreq"`
	TXGain           float64 `json:"txGain"`
	RXGain           float64 `json:"rxGain"`
	SamplesPerBuffer int     `json:"samplesPerBuffer"`

	TXSamples    uint64   `json:"txSamples"`
	RXSamples    uint64   `json:"rxSamples"`
	TXUnderflows uint64   `json:"txUnderflows"`
	RXErrors     uint64   `json:"rxErrors"`
	TXMbps       float64  `json:"txMbps"`
	RXMbps       float64  `json:"rxMbps"`
	RXPeakDBFS   *float64 `json:"rxPeakDbfs,omitempty"`
	CPUPercent   float64  `json:"cpuPercent"`
}

// CompletionLine is the final line printed after a run.
func (s Summary) CompletionLine() string {
	return fmt.Sprintf("Test completed. Final RX samples: %d", s.RXSamples)
}

// WriteJSON writes s as indented JSON.
func (s Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteSummaryFile writes s to path, replacing any existing file.
func WriteSummaryFile(path string, s Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	if err := s.WriteJSON(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write result file: %w", err)
	}
	return f.Close()
}
