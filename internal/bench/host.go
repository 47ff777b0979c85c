package bench

import (
	"context"
	"os"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/rjboer/sdrbench/internal/logging"
)

// hostSampler adds process CPU, memory and host network throughput to
// snapshots. It is used from one goroutine at a time.
type hostSampler struct {
	log  logging.Logger
	proc *process.Process

	netAt    time.Time
	netSent  uint64
	netRecv  uint64
	netKnown bool
}

func newHostSampler(ctx context.Context, log logging.Logger) *hostSampler {
	h := &hostSampler{log: log}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		log.Debug("process metrics unavailable", logging.F("err", err))
	} else {
		h.proc = proc
		// prime the CPU baseline
		_, _ = proc.PercentWithContext(ctx, 0)
	}
	h.readNet(ctx, time.Now())
	return h
}

func (h *hostSampler) fill(ctx context.Context, s *Snapshot) {
	if h == nil {
		return
	}
	if h.proc != nil {
		if pct, err := h.proc.PercentWithContext(ctx, 0); err == nil {
			s.CPUPercent = pct
		}
		if mem, err := h.proc.MemoryInfoWithContext(ctx); err == nil {
			s.RSSBytes = mem.RSS
		}
	}
	now := time.Now()
	prevAt, prevSent, prevRecv, known := h.netAt, h.netSent, h.netRecv, h.netKnown
	if h.readNet(ctx, now) && known {
		d := now.Sub(prevAt).Seconds()
		if d > 0 {
			s.NetTXMbps = float64(h.netSent-prevSent) * 8 / (d * 1e6)
			s.NetRXMbps = float64(h.netRecv-prevRecv) * 8 / (d * 1e6)
		}
	}
}

func (h *hostSampler) readNet(ctx context.Context, now time.Time) bool {
	stats, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil || len(stats) == 0 {
		return false
	}
	if h.netKnown && (stats[0].BytesSent < h.netSent || stats[0].BytesRecv < h.netRecv) {
		// counters wrapped or reset
		h.netKnown = false
	} else {
		h.netKnown = true
	}
	h.netAt, h.netSent, h.netRecv = now, stats[0].BytesSent, stats[0].BytesRecv
	return h.netKnown
}
