package sdr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configuredMock(t *testing.T, opts MockOptions) *Mock {
	t.Helper()
	m := NewMock(opts)
	require.NoError(t, m.Configure(context.Background(), Config{SampleRate: 1e6, CenterFreq: 1e9}))
	return m
}

func TestMockRequiresConfigure(t *testing.T) {
	m := NewMock(MockOptions{})
	_, err := m.TXStream(NewStreamArgs())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = m.RXStream(NewStreamArgs())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Error(t, m.Configure(context.Background(), Config{}))
}

func TestMockRejectsFormat(t *testing.T) {
	m := configuredMock(t, MockOptions{Unpaced: true})
	_, err := m.RXStream(StreamArgs{CPUFormat: "sc16"})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestMockLoopback(t *testing.T) {
	ctx := context.Background()
	m := configuredMock(t, MockOptions{Unpaced: true, Seed: 1})
	tx, err := m.TXStream(NewStreamArgs())
	require.NoError(t, err)
	rx, err := m.RXStream(NewStreamArgs())
	require.NoError(t, err)

	sent := []complex64{complex(1, 1), complex(-1, 1), complex(1, -1), complex(-1, -1)}
	n, err := tx.Send(ctx, sent, TXMetadata{StartOfBurst: true}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, len(sent), n)

	var md RXMetadata
	buf := make([]complex64, 8)
	n, err = rx.Recv(ctx, buf, &md, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, RXErrorTimeout, md.ErrorCode, "recv before start must time out")
	assert.Zero(t, n)

	require.NoError(t, rx.IssueStreamCmd(ctx, StreamCmd{Mode: StreamModeStartContinuous, StreamNow: true}))
	n, err = rx.Recv(ctx, buf, &md, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, RXErrorNone, md.ErrorCode)
	require.Equal(t, len(buf), n)
	for i, v := range buf {
		want := sent[i%len(sent)]
		assert.InDelta(t, real(want), real(v), 1e-2)
		assert.InDelta(t, imag(want), imag(v), 1e-2)
	}

	_, err = tx.Send(ctx, nil, TXMetadata{EndOfBurst: true}, 0)
	require.NoError(t, err)
	require.NoError(t, rx.IssueStreamCmd(ctx, StreamCmd{Mode: StreamModeStopContinuous}))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Sends)
	assert.Equal(t, uint64(1), stats.StartOfBursts)
	assert.Equal(t, uint64(1), stats.EndOfBursts)
	require.Len(t, stats.StreamCmds, 2)
	assert.Equal(t, StreamModeStopContinuous, stats.StreamCmds[1].Mode)
}

func TestMockFaultInjection(t *testing.T) {
	ctx := context.Background()
	m := configuredMock(t, MockOptions{Unpaced: true, OverflowEvery: 2, UnderflowEvery: 3})
	tx, err := m.TXStream(NewStreamArgs())
	require.NoError(t, err)
	rx, err := m.RXStream(NewStreamArgs())
	require.NoError(t, err)
	require.NoError(t, rx.IssueStreamCmd(ctx, StreamCmd{Mode: StreamModeStartContinuous, StreamNow: true}))

	buf := make([]complex64, 100)
	var codes []RXErrorCode
	for i := 0; i < 4; i++ {
		var md RXMetadata
		_, err := rx.Recv(ctx, buf, &md, time.Second)
		require.NoError(t, err)
		codes = append(codes, md.ErrorCode)
	}
	assert.Equal(t, []RXErrorCode{RXErrorNone, RXErrorOverflow, RXErrorNone, RXErrorOverflow}, codes)

	var sent []int
	for i := 0; i < 3; i++ {
		n, err := tx.Send(ctx, buf, TXMetadata{}, time.Second)
		require.NoError(t, err)
		sent = append(sent, n)
	}
	assert.Equal(t, []int{100, 100, 50}, sent)
}

func TestMockPacing(t *testing.T) {
	ctx := context.Background()
	m := configuredMock(t, MockOptions{})
	tx, err := m.TXStream(NewStreamArgs())
	require.NoError(t, err)

	buf := make([]complex64, 10_000)
	start := time.Now()
	n, err := tx.Send(ctx, buf, TXMetadata{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)
}

func TestMockPacingTimeoutAcceptsPartial(t *testing.T) {
	ctx := context.Background()
	m := NewMock(MockOptions{})
	require.NoError(t, m.Configure(ctx, Config{SampleRate: 1000}))
	tx, err := m.TXStream(NewStreamArgs())
	require.NoError(t, err)

	n, err := tx.Send(ctx, make([]complex64, 1000), TXMetadata{}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, n, 1000)
}

func TestMockCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMock(MockOptions{})
	require.NoError(t, m.Configure(ctx, Config{SampleRate: 10}))
	tx, err := m.TXStream(NewStreamArgs())
	require.NoError(t, err)
	cancel()
	_, err = tx.Send(ctx, make([]complex64, 100), TXMetadata{}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBackend(t *testing.T) {
	for _, name := range Backends {
		dev, err := New(name, nil)
		require.NoError(t, err, name)
		assert.NotNil(t, dev)
	}
	_, err := New("uhd", nil)
	assert.Error(t, err)
}

func TestStreamArgsInt(t *testing.T) {
	args := NewStreamArgs()
	args.Args["spp"] = "4096"
	args.Args["bad"] = "x"
	assert.Equal(t, 4096, args.Int("spp", 1))
	assert.Equal(t, 7, args.Int("bad", 7))
	assert.Equal(t, 9, args.Int("missing", 9))
}

func TestRXErrorCodeString(t *testing.T) {
	assert.Equal(t, "no error", RXErrorNone.String())
	assert.Contains(t, RXErrorOverflow.String(), "overflow")
	assert.Contains(t, RXErrorCode(42).String(), "42")
}
