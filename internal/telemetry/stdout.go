package telemetry

import (
	"fmt"

	"github.com/rjboer/sdrbench/internal/logging"
)

// StdoutReporter logs one throughput line per sample.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

// FormatLine renders the classic throughput line.
func FormatLine(s Sample) string {
	return fmt.Sprintf("TX: %.6g Mbps | RX: %.6g Mbps | Samples: %d | Time: %ds",
		s.TXMbps, s.RXMbps, s.RXSamples, int(s.Elapsed.Seconds()))
}

func (r StdoutReporter) Report(s Sample) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "tx_underflows", Value: s.TXUnderflows},
		{Key: "rx_errors", Value: s.RXErrors},
	}
	if s.RXPeakDBFS != nil {
		fields = append(fields, logging.Field{Key: "rx_peak_dbfs", Value: *s.RXPeakDBFS})
	}
	if s.CPUPercent != 0 {
		fields = append(fields, logging.Field{Key: "cpu_percent", Value: s.CPUPercent})
	}
	r.logger.Info(FormatLine(s), fields...)
}
