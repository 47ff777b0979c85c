package sdr

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rtlCommand struct {
	Cmd   uint8
	Param uint32
}

// fakeRTLTCP accepts one client, sends the dongle header, records tuning
// commands and, after want commands, writes payload.
func fakeRTLTCP(t *testing.T, want int, payload []byte) (string, <-chan rtlCommand) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cmds := make(chan rtlCommand, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header := []byte{'R', 'T', 'L', '0', 0, 0, 0, 5, 0, 0, 0, 29}
		if _, err := conn.Write(header); err != nil {
			return
		}
		raw := make([]byte, 5)
		for i := 0; ; i++ {
			if _, err := io.ReadFull(conn, raw); err != nil {
				return
			}
			cmds <- rtlCommand{Cmd: raw[0], Param: binary.BigEndian.Uint32(raw[1:])}
			if i+1 == want {
				if _, err := conn.Write(payload); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().String(), cmds
}

func TestRTLTCPConfigureAndReceive(t *testing.T) {
	ctx := context.Background()
	payload := make([]byte, 513)
	for i := range payload {
		payload[i] = 255
	}
	addr, cmds := fakeRTLTCP(t, 4, payload)

	r := NewRTLTCP(nil)
	t.Cleanup(func() { _ = r.Close() })
	cfg := defaultBenchConfig()
	cfg.URI = addr
	require.NoError(t, r.Configure(ctx, cfg))

	expect := []rtlCommand{{2, 1000000}, {1, 1000000000}, {3, 1}, {4, 200}}
	for _, want := range expect {
		select {
		case got := <-cmds:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("missing command %+v", want)
		}
	}

	_, err := r.TXStream(NewStreamArgs())
	assert.ErrorIs(t, err, ErrTXUnsupported)

	rx, err := r.RXStream(NewStreamArgs())
	require.NoError(t, err)

	var md RXMetadata
	buf := make([]complex64, 256)
	n, err := rx.Recv(ctx, buf, &md, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, RXErrorTimeout, md.ErrorCode)

	require.NoError(t, rx.IssueStreamCmd(ctx, StreamCmd{Mode: StreamModeStartContinuous, StreamNow: true}))
	n, err = rx.Recv(ctx, buf, &md, time.Second)
	require.NoError(t, err)
	assert.Equal(t, RXErrorNone, md.ErrorCode)
	require.Equal(t, 256, n)
	assert.Equal(t, complex64(complex(1, 1)), buf[0])

	// one odd byte remains; it is carried rather than misaligning I/Q
	n, err = rx.Recv(ctx, buf, &md, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, RXErrorTimeout, md.ErrorCode)
	assert.Len(t, rx.(*rtlRX).carry, 1)
}

func TestRTLTCPAutoGain(t *testing.T) {
	addr, cmds := fakeRTLTCP(t, 0, nil)
	r := NewRTLTCP(nil)
	t.Cleanup(func() { _ = r.Close() })
	cfg := defaultBenchConfig()
	cfg.URI = "tcp:" + addr
	cfg.RXGain = 0
	require.NoError(t, r.Configure(context.Background(), cfg))

	var got []rtlCommand
	for len(got) < 3 {
		select {
		case c := <-cmds:
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 commands, got %v", got)
		}
	}
	assert.Equal(t, rtlCommand{3, 0}, got[2])
}

func TestRTLTCPConfigureErrors(t *testing.T) {
	r := NewRTLTCP(nil)
	assert.Error(t, r.Configure(context.Background(), Config{}))
	assert.Error(t, r.Configure(context.Background(), Config{SampleRate: 1e6, CenterFreq: 5e9}))
	_, err := r.RXStream(NewStreamArgs())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, r.Close())
}
