package bench

import (
	"sync/atomic"
	"time"

	"github.com/rjboer/sdrbench/internal/telemetry"
)

// bitsPerSample is the width of one fc32 sample: two float32 components.
const bitsPerSample = 8 * 8

// Snapshot is one throughput measurement.
type Snapshot = telemetry.Sample

// Counters are shared by the TX, RX and stats loops.
type Counters struct {
	TXSamples    atomic.Uint64
	RXSamples    atomic.Uint64
	TXUnderflows atomic.Uint64
	RXErrors     atomic.Uint64
}

func (c *Counters) reset() {
	c.TXSamples.Store(0)
	c.RXSamples.Store(0)
	c.TXUnderflows.Store(0)
	c.RXErrors.Store(0)
}

// Mbps converts a sample count over d into megabits per second of fc32 data.
func Mbps(samples uint64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(samples) * bitsPerSample / (secs * 1e6)
}

// Snapshot reads the counters and computes throughput over elapsed.
func (c *Counters) Snapshot(elapsed time.Duration) Snapshot {
	tx := c.TXSamples.Load()
	rx := c.RXSamples.Load()
	return Snapshot{
		Timestamp:    time.Now(),
		Elapsed:      elapsed,
		TXMbps:       Mbps(tx, elapsed),
		RXMbps:       Mbps(rx, elapsed),
		TXSamples:    tx,
		RXSamples:    rx,
		TXUnderflows: c.TXUnderflows.Load(),
		RXErrors:     c.RXErrors.Load(),
	}
}
