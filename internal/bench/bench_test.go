package bench

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/sdrbench/internal/sdr"
	"github.com/rjboer/sdrbench/internal/telemetry"
)

type captureReporter struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (c *captureReporter) Report(s telemetry.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *captureReporter) all() []telemetry.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]telemetry.Sample(nil), c.samples...)
}

type captureSpectrum struct {
	mu   sync.Mutex
	bins []float64
}

func (c *captureSpectrum) UpdateSpectrumSnapshot(bins []float64, _ string) {
	c.mu.Lock()
	c.bins = append([]float64(nil), bins...)
	c.mu.Unlock()
}

// rxOnly hides the mock's transmitter.
type rxOnly struct{ *sdr.Mock }

func (rxOnly) TXStream(sdr.StreamArgs) (sdr.TXStreamer, error) { return nil, sdr.ErrTXUnsupported }

type failingConfigure struct{ *sdr.Mock }

var errNoRadio = errors.New("no radio")

func (failingConfigure) Configure(context.Context, sdr.Config) error { return errNoRadio }

type brokenRX struct{ *sdr.Mock }

func (b brokenRX) RXStream(args sdr.StreamArgs) (sdr.RXStreamer, error) {
	rx, err := b.Mock.RXStream(args)
	if err != nil {
		return nil, err
	}
	return brokenRecv{rx}, nil
}

type brokenRecv struct{ sdr.RXStreamer }

func (brokenRecv) Recv(context.Context, []complex64, *sdr.RXMetadata, time.Duration) (int, error) {
	return 0, errors.New("link down")
}

// recordingTX logs every send the runner issues.
type recordingTX struct {
	*sdr.Mock
	log *sendLog
}

type sendRecord struct {
	first *complex64
	n     int
	md    sdr.TXMetadata
}

type sendLog struct {
	mu    sync.Mutex
	sends []sendRecord
}

func (l *sendLog) all() []sendRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sendRecord(nil), l.sends...)
}

func (r recordingTX) TXStream(args sdr.StreamArgs) (sdr.TXStreamer, error) {
	tx, err := r.Mock.TXStream(args)
	if err != nil {
		return nil, err
	}
	return recordSend{tx, r.log}, nil
}

type recordSend struct {
	sdr.TXStreamer
	log *sendLog
}

func (s recordSend) Send(ctx context.Context, buf []complex64, md sdr.TXMetadata, timeout time.Duration) (int, error) {
	rec := sendRecord{n: len(buf), md: md}
	if len(buf) > 0 {
		rec.first = &buf[0]
	}
	s.log.mu.Lock()
	s.log.sends = append(s.log.sends, rec)
	s.log.mu.Unlock()
	return s.TXStreamer.Send(ctx, buf, md, timeout)
}

func testOptions(d time.Duration) Options {
	opts := DefaultOptions()
	opts.Backend = "mock"
	opts.Duration = d
	opts.ReportInterval = 100 * time.Millisecond
	opts.Realtime = false
	return opts
}

func TestMbps(t *testing.T) {
	assert.Equal(t, 64.0, Mbps(1_000_000, time.Second))
	assert.Equal(t, 32.0, Mbps(1_000_000, 2*time.Second))
	assert.Zero(t, Mbps(5, 0))
}

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.TXSamples.Add(2_000_000)
	c.RXSamples.Add(1_000_000)
	c.TXUnderflows.Add(3)
	c.RXErrors.Add(4)
	s := c.Snapshot(time.Second)
	assert.Equal(t, 128.0, s.TXMbps)
	assert.Equal(t, 64.0, s.RXMbps)
	assert.Equal(t, uint64(3), s.TXUnderflows)
	assert.Equal(t, uint64(4), s.RXErrors)
	assert.Equal(t, time.Second, s.Elapsed)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	opts := DefaultOptions()
	opts.SamplesPerBuffer = 0
	opts.Duration = 0
	opts.Device.SampleRate = -1
	opts.Waveform = "chirp"
	err := opts.Validate()
	require.Error(t, err)
	for _, want := range []string{"samples per buffer", "duration", "sample rate", "chirp"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDefaultOptionsStreamArgs(t *testing.T) {
	opts := DefaultOptions()
	tx := opts.txArgs()
	assert.Equal(t, sdr.CPUFormatFC32, tx.CPUFormat)
	assert.Equal(t, "4096", tx.Args["spp"])
	assert.Equal(t, "32", tx.Args["num_send_frames"])
	assert.Equal(t, "16777216", opts.rxArgs().Args["recv_buff_size"])
}

func TestRunnerMockThroughput(t *testing.T) {
	mock := sdr.NewMock(sdr.MockOptions{Seed: 7})
	rep := &captureReporter{}
	spec := &captureSpectrum{}
	r := NewRunner(mock, testOptions(600*time.Millisecond), rep, nil)
	r.SetSpectrumSink(spec)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, r.RunID(), sum.RunID)
	assert.Equal(t, "mock", sum.Backend)
	assert.False(t, sum.RXOnly)
	assert.False(t, sum.Interrupted)
	assert.InDelta(t, 64, sum.RXMbps, 64*0.2)
	assert.InDelta(t, 64, sum.TXMbps, 64*0.2)
	assert.Zero(t, sum.RXErrors)
	assert.Equal(t, "Test completed. Final RX samples: "+strconv.FormatUint(sum.RXSamples, 10), sum.CompletionLine())

	stats := mock.Stats()
	assert.Equal(t, uint64(1), stats.StartOfBursts, "only the first send starts the burst")
	assert.Equal(t, uint64(1), stats.EndOfBursts)
	require.Len(t, stats.StreamCmds, 2)
	assert.Equal(t, sdr.StreamCmd{Mode: sdr.StreamModeStartContinuous, StreamNow: true}, stats.StreamCmds[0])
	assert.Equal(t, sdr.StreamModeStopContinuous, stats.StreamCmds[1].Mode)

	samples := rep.all()
	require.GreaterOrEqual(t, len(samples), 3)
	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i].RXSamples, samples[i-1].RXSamples)
		assert.Equal(t, sum.RunID, samples[i].RunID)
	}

	// random ±1±1j loopback peaks at |1+1j|
	require.NotNil(t, sum.RXPeakDBFS)
	assert.InDelta(t, 20*math.Log10(math.Sqrt2), *sum.RXPeakDBFS, 0.1)
	spec.mu.Lock()
	assert.Len(t, spec.bins, 4096)
	spec.mu.Unlock()
}

func TestRunnerCountsOnlyGoodBuffers(t *testing.T) {
	mock := sdr.NewMock(sdr.MockOptions{OverflowEvery: 2})
	opts := testOptions(200 * time.Millisecond)
	opts.SamplesPerBuffer = 1000
	opts.RXBufferFactor = 1
	opts.MeasureLevel = false

	sum, err := NewRunner(mock, opts, nil, nil).Run(context.Background())
	require.NoError(t, err)

	recvs := mock.Stats().Recvs
	require.NotZero(t, recvs)
	assert.Equal(t, recvs/2, sum.RXErrors)
	assert.Equal(t, (recvs-sum.RXErrors)*1000, sum.RXSamples)
}

func TestRunnerUnderflows(t *testing.T) {
	mock := sdr.NewMock(sdr.MockOptions{UnderflowEvery: 3})
	opts := testOptions(200 * time.Millisecond)
	opts.MeasureLevel = false

	sum, err := NewRunner(mock, opts, nil, nil).Run(context.Background())
	require.NoError(t, err)

	sends := mock.Stats().Sends
	require.NotZero(t, sends)
	assert.Equal(t, sends/3, sum.TXUnderflows)
	spp := uint64(opts.SamplesPerBuffer)
	assert.Equal(t, sends*spp-sum.TXUnderflows*spp/2, sum.TXSamples)
}

func TestRunnerCyclesTXBuffersInOrder(t *testing.T) {
	log := &sendLog{}
	opts := testOptions(200 * time.Millisecond)
	opts.NumTXBuffers = 3
	opts.MeasureLevel = false

	_, err := NewRunner(recordingTX{sdr.NewMock(sdr.MockOptions{}), log}, opts, nil, nil).Run(context.Background())
	require.NoError(t, err)

	sends := log.all()
	require.Greater(t, len(sends), 4, "expected the buffer ring to wrap")
	data, last := sends[:len(sends)-1], sends[len(sends)-1]

	assert.Zero(t, last.n)
	assert.True(t, last.md.EndOfBurst)
	assert.False(t, last.md.StartOfBurst)

	require.NotNil(t, data[0].first)
	assert.NotSame(t, data[0].first, data[1].first)
	assert.NotSame(t, data[1].first, data[2].first)
	assert.NotSame(t, data[0].first, data[2].first)
	for i, s := range data {
		assert.Equal(t, opts.SamplesPerBuffer, s.n, "send %d", i)
		assert.Same(t, data[i%3].first, s.first, "send %d carried the wrong buffer", i)
		assert.Equal(t, i == 0, s.md.StartOfBurst, "send %d", i)
		assert.False(t, s.md.EndOfBurst, "send %d", i)
	}
}

func TestRunnerRunsAgain(t *testing.T) {
	mock := sdr.NewMock(sdr.MockOptions{})
	opts := testOptions(200 * time.Millisecond)
	runner := NewRunner(mock, opts, nil, nil)

	first, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.NotZero(t, first.RXSamples)

	begin := time.Now()
	second, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), opts.Duration)
	assert.False(t, second.Interrupted)
	assert.NotZero(t, second.RXSamples)
	assert.NotZero(t, second.TXSamples)
	// totals restart with each run: together they account for every send
	stats := mock.Stats()
	assert.Equal(t, stats.Sends*uint64(opts.SamplesPerBuffer), first.TXSamples+second.TXSamples)
	assert.Equal(t, uint64(2), stats.StartOfBursts)
	assert.Equal(t, uint64(2), stats.EndOfBursts)
}

func TestRunnerReceiveOnlyDevice(t *testing.T) {
	mock := sdr.NewMock(sdr.MockOptions{})
	sum, err := NewRunner(rxOnly{mock}, testOptions(200*time.Millisecond), nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.RXOnly)
	assert.Zero(t, sum.TXSamples)
	assert.NotZero(t, sum.RXSamples)
	assert.Zero(t, mock.Stats().Sends)
}

func TestRunnerConfigureError(t *testing.T) {
	_, err := NewRunner(failingConfigure{sdr.NewMock(sdr.MockOptions{})}, testOptions(time.Second), nil, nil).Run(context.Background())
	assert.ErrorIs(t, err, errNoRadio)
}

func TestRunnerInvalidOptions(t *testing.T) {
	opts := testOptions(0)
	_, err := NewRunner(sdr.NewMock(sdr.MockOptions{}), opts, nil, nil).Run(context.Background())
	assert.ErrorContains(t, err, "invalid options")
}

func TestRunnerReceiveFailure(t *testing.T) {
	mock := sdr.NewMock(sdr.MockOptions{})
	_, err := NewRunner(brokenRX{mock}, testOptions(5*time.Second), nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link down")
	assert.Equal(t, uint64(1), mock.Stats().EndOfBursts, "tx loop must still end its burst")
}

func TestRunnerInterrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	begin := time.Now()
	sum, err := NewRunner(sdr.NewMock(sdr.MockOptions{}), testOptions(10*time.Second), nil, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestSummaryFile(t *testing.T) {
	peak := -1.5
	sum := Summary{RunID: "abc", RXSamples: 42, RXMbps: 1.25, RXPeakDBFS: &peak}
	path := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, WriteSummaryFile(path, sum))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Summary
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "abc", got.RunID)
	assert.Equal(t, uint64(42), got.RXSamples)
	require.NotNil(t, got.RXPeakDBFS)
	assert.Equal(t, -1.5, *got.RXPeakDBFS)

	assert.Error(t, WriteSummaryFile(filepath.Join(t.TempDir(), "missing", "x.json"), sum))
}
