package bench

import (
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/sdrbench/internal/sdr"
	"github.com/rjboer/sdrbench/internal/waveform"
)

// Options control a benchmark run.
type Options struct {
	// Backend names the device backend in summaries.
	Backend string
	Device  sdr.Config

	SamplesPerBuffer int
	NumTXBuffers     int
	// RXBufferFactor sizes the receive buffer as a multiple of SamplesPerBuffer.
	RXBufferFactor int
	NumSendFrames  int
	RecvBuffSize   int

	Duration       time.Duration
	ReportInterval time.Duration
	TXTimeout      time.Duration
	RXTimeout      time.Duration

	Waveform waveform.Kind
	Seed     uint64

	// Realtime locks the TX and RX loops to OS threads and raises their
	// scheduling priority.
	Realtime bool
	// MeasureLevel measures one RX buffer per report interval.
	MeasureLevel bool
}

// DefaultOptions returns the classic 10 second, 1 MS/s at 1 GHz run.
func DefaultOptions() Options {
	return Options{
		Device: sdr.Config{
			SampleRate:  1e6,
			CenterFreq:  1e9,
			TXGain:      15,
			RXGain:      20,
			TXSubdev:    "A:A",
			RXSubdev:    "A:A",
			ClockSource: "internal",
			TimeSource:  "internal",
		},
		SamplesPerBuffer: 4096,
		NumTXBuffers:     8,
		RXBufferFactor:   4,
		NumSendFrames:    32,
		RecvBuffSize:     16777216,
		Duration:         10 * time.Second,
		ReportInterval:   time.Second,
		TXTimeout:        100 * time.Millisecond,
		RXTimeout:        100 * time.Millisecond,
		Waveform:         waveform.Random,
		Realtime:         true,
		MeasureLevel:     true,
	}
}

// Validate reports every invalid option.
func (o Options) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}
	if o.Device.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %g", o.Device.SampleRate))
	}
	positive("samples per buffer", o.SamplesPerBuffer)
	positive("tx buffer count", o.NumTXBuffers)
	positive("rx buffer factor", o.RXBufferFactor)
	positiveDur("duration", o.Duration)
	positiveDur("report interval", o.ReportInterval)
	positiveDur("tx timeout", o.TXTimeout)
	positiveDur("rx timeout", o.RXTimeout)
	if _, err := waveform.ParseKind(string(o.Waveform)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o Options) txArgs() sdr.StreamArgs {
	args := sdr.NewStreamArgs()
	args.Args["spp"] = fmt.Sprint(o.SamplesPerBuffer)
	if o.NumSendFrames > 0 {
		args.Args["num_send_frames"] = fmt.Sprint(o.NumSendFrames)
	}
	return args
}

func (o Options) rxArgs() sdr.StreamArgs {
	args := sdr.NewStreamArgs()
	args.Args["spp"] = fmt.Sprint(o.SamplesPerBuffer)
	if o.RecvBuffSize > 0 {
		args.Args["recv_buff_size"] = fmt.Sprint(o.RecvBuffSize)
	}
	return args
}
