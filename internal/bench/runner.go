// Package bench drives a device with concurrent transmit, receive and
// reporting loops and measures the resulting throughput.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/sdrbench/internal/dsp"
	"github.com/rjboer/sdrbench/internal/logging"
	"github.com/rjboer/sdrbench/internal/sdr"
	"github.com/rjboer/sdrbench/internal/telemetry"
	"github.com/rjboer/sdrbench/internal/waveform"
)

// spectrumFloor replaces -Inf bins so spectra stay JSON encodable.
const spectrumFloor = -200.0

// SpectrumSink receives the latest measured RX spectrum.
type SpectrumSink interface {
	UpdateSpectrumSnapshot(bins []float64, source string)
}

// Runner executes one benchmark run against a device.
type Runner struct {
	dev      sdr.Device
	opts     Options
	reporter telemetry.Reporter
	spectrum SpectrumSink
	logger   logging.Logger
	runID    ksuid.KSUID

	counters Counters
	stop     atomic.Bool
	host     *hostSampler
	meter    *dsp.Meter
	levelDue atomic.Bool
	peakBits atomic.Uint64
	hasPeak  atomic.Bool
}

// NewRunner builds a runner. reporter may be nil.
func NewRunner(dev sdr.Device, opts Options, reporter telemetry.Reporter, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	id := ksuid.New()
	return &Runner{
		dev:      dev,
		opts:     opts,
		reporter: reporter,
		logger:   logger.With(logging.F("run_id", id.String())),
		runID:    id,
	}
}

// SetSpectrumSink forwards measured RX spectra to s.
func (r *Runner) SetSpectrumSink(s SpectrumSink) { r.spectrum = s }

// RunID identifies this run in logs, samples and the summary.
func (r *Runner) RunID() string { return r.runID.String() }

// Counters exposes the live counters.
func (r *Runner) Counters() *Counters { return &r.counters }

// Run configures the device, streams until the run duration has elapsed or
// ctx is canceled, and returns the run summary. Cancellation of ctx is not
// an error; the summary is marked interrupted. Run may be called again once
// it has returned; counters and level state start from zero each time.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	r.reset()
	if err := r.opts.Validate(); err != nil {
		return Summary{}, fmt.Errorf("invalid options: %w", err)
	}
	if err := r.dev.Configure(ctx, r.opts.Device); err != nil {
		return Summary{}, fmt.Errorf("configure device: %w", err)
	}
	bufs, err := waveform.Build(r.opts.Waveform, r.opts.NumTXBuffers, r.opts.SamplesPerBuffer, r.opts.Seed)
	if err != nil {
		return Summary{}, err
	}

	tx, err := r.dev.TXStream(r.opts.txArgs())
	switch {
	case errors.Is(err, sdr.ErrTXUnsupported):
		r.logger.Warn("device cannot transmit, running receive only")
		tx = nil
	case err != nil:
		return Summary{}, fmt.Errorf("create tx stream: %w", err)
	}
	rx, err := r.dev.RXStream(r.opts.rxArgs())
	if err != nil {
		return Summary{}, fmt.Errorf("create rx stream: %w", err)
	}

	if r.opts.MeasureLevel {
		r.meter = dsp.NewMeter(r.opts.SamplesPerBuffer)
	}
	r.host = newHostSampler(ctx, r.logger)
	r.logger.Info("benchmark started",
		logging.F("sample_rate", r.opts.Device.SampleRate),
		logging.F("center_freq", r.opts.Device.CenterFreq),
		logging.F("duration", r.opts.Duration),
		logging.F("rx_only", tx == nil),
	)

	start := time.Now()
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return r.statsLoop(gctx, start) })
	if tx != nil {
		g.Go(func() error { return r.txLoop(gctx, tx, bufs) })
	}
	g.Go(func() error {
		defer stopLoops()
		return r.rxLoop(gctx, rx)
	})
	runErr := g.Wait()
	end := time.Now()

	final := r.snapshot(context.WithoutCancel(ctx), end.Sub(start))
	summary := Summary{
		RunID:            r.RunID(),
		Backend:          r.opts.Backend,
		Start:            start,
		End:              end,
		Elapsed:          end.Sub(start),
		RXOnly:           tx == nil,
		Interrupted:      ctx.Err() != nil,
		SampleRate:       r.opts.Device.SampleRate,
		CenterFreq:       r.opts.Device.CenterFreq,
		TXGain:           r.opts.Device.TXGain,
		RXGain:           r.opts.Device.RXGain,
		SamplesPerBuffer: r.opts.SamplesPerBuffer,
		TXSamples:        final.TXSamples,
		RXSamples:        final.RXSamples,
		TXUnderflows:     final.TXUnderflows,
		RXErrors:         final.RXErrors,
		TXMbps:           final.TXMbps,
		RXMbps:           final.RXMbps,
		RXPeakDBFS:       final.RXPeakDBFS,
		CPUPercent:       final.CPUPercent,
	}
	if runErr != nil {
		r.logger.Error("benchmark failed", logging.F("err", runErr))
		return summary, runErr
	}
	r.logger.Info(summary.CompletionLine(),
		logging.F("tx_samples", summary.TXSamples),
		logging.F("tx_underflows", summary.TXUnderflows),
		logging.F("rx_errors", summary.RXErrors),
		logging.F("interrupted", summary.Interrupted),
	)
	return summary, nil
}

func (r *Runner) reset() {
	r.counters.reset()
	r.stop.Store(false)
	r.levelDue.Store(false)
	r.hasPeak.Store(false)
	r.peakBits.Store(0)
}

func (r *Runner) stopped(ctx context.Context) bool {
	return r.stop.Load() || ctx.Err() != nil
}

// txLoop cycles the test buffers until stopped, then ends the burst.
func (r *Runner) txLoop(ctx context.Context, tx sdr.TXStreamer, bufs [][]complex64) error {
	defer pinThread(r.logger, "tx", r.opts.Realtime)()

	// An in-flight send is bounded by TXTimeout and always completes, so its
	// samples are counted; the loop itself stops on the stop signal.
	sendCtx := context.WithoutCancel(ctx)
	md := sdr.TXMetadata{StartOfBurst: true}
	idx := 0
	for !r.stopped(ctx) {
		buf := bufs[idx]
		n, err := tx.Send(sendCtx, buf, md, r.opts.TXTimeout)
		if err != nil {
			r.counters.TXUnderflows.Add(1)
			r.logger.Warn("TX send failed", logging.F("err", err))
		} else if n < len(buf) {
			r.counters.TXUnderflows.Add(1)
			r.logger.Warn("TX underflow", logging.F("sent", n), logging.F("size", len(buf)))
		}
		if n > 0 {
			r.counters.TXSamples.Add(uint64(n))
		}
		idx = (idx + 1) % len(bufs)
		md.StartOfBurst = false
	}

	eob := sdr.TXMetadata{EndOfBurst: true}
	if _, err := tx.Send(sendCtx, nil, eob, r.opts.TXTimeout); err != nil {
		return fmt.Errorf("send end of burst: %w", err)
	}
	return nil
}

// rxLoop receives until the run duration elapses or ctx is canceled, then
// raises the stop signal and stops streaming.
func (r *Runner) rxLoop(ctx context.Context, rx sdr.RXStreamer) error {
	defer pinThread(r.logger, "rx", r.opts.Realtime)()

	if err := rx.IssueStreamCmd(ctx, sdr.StreamCmd{Mode: sdr.StreamModeStartContinuous, StreamNow: true}); err != nil {
		return fmt.Errorf("start rx stream: %w", err)
	}

	buf := make([]complex64, r.opts.SamplesPerBuffer*r.opts.RXBufferFactor)
	start := time.Now()
	var md sdr.RXMetadata
	var loopErr error
	for time.Since(start) < r.opts.Duration && ctx.Err() == nil {
		n, err := rx.Recv(ctx, buf, &md, r.opts.RXTimeout)
		if err != nil {
			if ctx.Err() == nil {
				loopErr = fmt.Errorf("receive: %w", err)
			}
			break
		}
		if md.ErrorCode != sdr.RXErrorNone {
			r.counters.RXErrors.Add(1)
			r.logger.Warn("RX error", logging.F("error", md.ErrorCode.String()), logging.F("code", int(md.ErrorCode)))
			continue
		}
		r.counters.RXSamples.Add(uint64(n))
		if n > 0 && r.meter != nil && r.levelDue.CompareAndSwap(true, false) {
			r.measure(buf[:n])
		}
	}

	r.stop.Store(true)
	stopCmd := sdr.StreamCmd{Mode: sdr.StreamModeStopContinuous}
	if err := rx.IssueStreamCmd(context.WithoutCancel(ctx), stopCmd); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("stop rx stream: %w", err)
	}
	return loopErr
}

func (r *Runner) measure(samples []complex64) {
	if len(samples) > r.meter.Size() {
		samples = samples[:r.meter.Size()]
	}
	lvl := r.meter.Measure(samples)
	r.peakBits.Store(math.Float64bits(lvl.PeakDBFS))
	r.hasPeak.Store(true)
	if r.spectrum != nil && lvl.Spectrum != nil {
		for i, v := range lvl.Spectrum {
			if v < spectrumFloor {
				lvl.Spectrum[i] = spectrumFloor
			}
		}
		r.spectrum.UpdateSpectrumSnapshot(lvl.Spectrum, "rx")
	}
}

// statsLoop reports a snapshot every report interval until ctx is done.
func (r *Runner) statsLoop(ctx context.Context, start time.Time) error {
	ticker := time.NewTicker(r.opts.ReportInterval)
	defer ticker.Stop()
	r.levelDue.Store(true)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if r.stop.Load() {
				return nil
			}
			snap := r.snapshot(ctx, now.Sub(start))
			if r.reporter != nil {
				r.reporter.Report(snap)
			}
			r.levelDue.Store(true)
		}
	}
}

func (r *Runner) snapshot(ctx context.Context, elapsed time.Duration) Snapshot {
	snap := r.counters.Snapshot(elapsed)
	snap.RunID = r.RunID()
	if r.hasPeak.Load() {
		peak := math.Float64frombits(r.peakBits.Load())
		if math.IsInf(peak, -1) {
			peak = spectrumFloor
		}
		snap.RXPeakDBFS = &peak
	}
	r.host.fill(ctx, &snap)
	return snap
}
