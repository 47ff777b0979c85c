package sdr

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// MockOptions tunes the synthetic device.
type MockOptions struct {
	// OverflowEvery makes every Nth Recv report an overflow.
	OverflowEvery int
	// UnderflowEvery makes every Nth Send accept only half the buffer.
	UnderflowEvery int
	// Unpaced disables real-time pacing; sends and receives return at once.
	Unpaced bool
	// NoiseStdDev is the per-component gaussian noise added on receive.
	NoiseStdDev float64
	Seed        uint64
}

// MockStats is a snapshot of what the mock has observed.
type MockStats struct {
	Sends         uint64
	Recvs         uint64
	StartOfBursts uint64
	EndOfBursts   uint64
	StreamCmds    []StreamCmd
}

// Mock is a loopback radio: received samples echo the most recent transmit
// buffer plus noise, paced at the configured sample rate.
type Mock struct {
	mu         sync.Mutex
	opts       MockOptions
	cfg        Config
	configured bool
	streaming  bool
	loopback   []complex64
	rng        *rand.Rand
	stats      MockStats
}

// NewMock builds a mock device.
func NewMock(opts MockOptions) *Mock {
	if opts.NoiseStdDev == 0 {
		opts.NoiseStdDev = 1e-4
	}
	return &Mock{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, 0x5eed)),
	}
}

func (m *Mock) Configure(_ context.Context, cfg Config) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	m.mu.Lock()
	m.cfg = cfg
	m.configured = true
	m.mu.Unlock()
	return nil
}

// Config returns the applied configuration.
func (m *Mock) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Stats returns a copy of the observed counters.
func (m *Mock) Stats() MockStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.StreamCmds = append([]StreamCmd(nil), m.stats.StreamCmds...)
	return s
}

func (m *Mock) Close() error { return nil }

func (m *Mock) TXStream(args StreamArgs) (TXStreamer, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		return nil, ErrNotConfigured
	}
	return &mockTX{m: m, pace: m.newPacer()}, nil
}

func (m *Mock) RXStream(args StreamArgs) (RXStreamer, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		return nil, ErrNotConfigured
	}
	return &mockRX{m: m, pace: m.newPacer()}, nil
}

func (m *Mock) newPacer() *pacer {
	if m.opts.Unpaced {
		return &pacer{}
	}
	return &pacer{rate: m.cfg.SampleRate}
}

type mockTX struct {
	m    *Mock
	pace *pacer
}

func (tx *mockTX) Send(ctx context.Context, buf []complex64, md TXMetadata, timeout time.Duration) (int, error) {
	m := tx.m
	m.mu.Lock()
	if md.StartOfBurst {
		m.stats.StartOfBursts++
	}
	if md.EndOfBurst {
		m.stats.EndOfBursts++
	}
	if len(buf) == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.stats.Sends++
	n := len(buf)
	if m.opts.UnderflowEvery > 0 && m.stats.Sends%uint64(m.opts.UnderflowEvery) == 0 {
		n /= 2
	}
	if cap(m.loopback) < n {
		m.loopback = make([]complex64, n)
	}
	m.loopback = m.loopback[:n]
	copy(m.loopback, buf[:n])
	m.mu.Unlock()

	return tx.pace.take(ctx, n, timeout)
}

type mockRX struct {
	m    *Mock
	pace *pacer
}

func (rx *mockRX) IssueStreamCmd(_ context.Context, cmd StreamCmd) error {
	m := rx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.StreamCmds = append(m.stats.StreamCmds, cmd)
	switch cmd.Mode {
	case StreamModeStartContinuous:
		m.streaming = true
	case StreamModeStopContinuous:
		m.streaming = false
	default:
		return fmt.Errorf("unsupported stream mode %v", cmd.Mode)
	}
	return nil
}

func (rx *mockRX) Recv(ctx context.Context, buf []complex64, md *RXMetadata, timeout time.Duration) (int, error) {
	m := rx.m
	m.mu.Lock()
	streaming := m.streaming
	if streaming {
		m.stats.Recvs++
	}
	overflow := streaming && m.opts.OverflowEvery > 0 && m.stats.Recvs%uint64(m.opts.OverflowEvery) == 0
	m.mu.Unlock()

	md.ErrorCode = RXErrorNone
	if !streaming {
		if err := sleepCtx(ctx, timeout); err != nil {
			return 0, err
		}
		md.ErrorCode = RXErrorTimeout
		return 0, nil
	}
	if overflow {
		md.ErrorCode = RXErrorOverflow
		return 0, nil
	}

	n, err := rx.pace.take(ctx, len(buf), timeout)
	if err != nil {
		return 0, err
	}
	if n < len(buf) {
		md.ErrorCode = RXErrorTimeout
	}

	m.mu.Lock()
	src := m.loopback
	sigma := m.opts.NoiseStdDev
	for i := 0; i < n; i++ {
		var v complex64
		if len(src) > 0 {
			v = src[i%len(src)]
		}
		noiseI := float32(m.rng.NormFloat64() * sigma)
		noiseQ := float32(m.rng.NormFloat64() * sigma)
		buf[i] = v + complex(noiseI, noiseQ)
	}
	m.mu.Unlock()
	return n, nil
}

// pacer releases samples no faster than rate samples per second. A zero rate
// disables pacing.
type pacer struct {
	rate float64
	next time.Time
}

func (p *pacer) take(ctx context.Context, n int, timeout time.Duration) (int, error) {
	if p.rate <= 0 || n == 0 {
		return n, ctx.Err()
	}
	now := time.Now()
	if p.next.Before(now) {
		p.next = now
	}
	dur := samplesDuration(n, p.rate)
	end := p.next.Add(dur)
	accepted := n
	if timeout > 0 && end.Sub(now) > timeout {
		end = now.Add(timeout)
		avail := end.Sub(p.next)
		if avail < 0 {
			avail = 0
		}
		accepted = int(float64(n) * float64(avail) / float64(dur))
	}
	p.next = p.next.Add(samplesDuration(accepted, p.rate))
	if err := sleepCtx(ctx, time.Until(end)); err != nil {
		return 0, err
	}
	return accepted, nil
}

func samplesDuration(n int, rate float64) time.Duration {
	return time.Duration(float64(n) / rate * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
