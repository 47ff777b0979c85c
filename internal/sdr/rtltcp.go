package sdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bemasher/rtltcp"

	"github.com/rjboer/sdrbench/internal/logging"
)

const rtlDefaultURI = "127.0.0.1:1234"

// RTLTCP is a receive-only backend for RTL2832U dongles served by rtl_tcp.
type RTLTCP struct {
	mu  sync.Mutex
	log logging.Logger
	sdr *rtltcp.SDR
}

// NewRTLTCP returns an unconnected rtl_tcp backend.
func NewRTLTCP(log logging.Logger) *RTLTCP {
	if log == nil {
		log = logging.Default()
	}
	return &RTLTCP{log: log.With(logging.F("backend", "rtltcp"))}
}

// Configure connects to rtl_tcp and tunes the dongle. TX settings are ignored.
func (r *RTLTCP) Configure(_ context.Context, cfg Config) error {
	if cfg.SampleRate <= 0 || cfg.SampleRate > math.MaxUint32 {
		return fmt.Errorf("sample rate %.0f out of range", cfg.SampleRate)
	}
	if cfg.CenterFreq < 0 || cfg.CenterFreq > math.MaxUint32 {
		return fmt.Errorf("center frequency %.0f out of range", cfg.CenterFreq)
	}
	uri := strings.TrimPrefix(strings.TrimSpace(cfg.URI), "tcp:")
	if uri == "" {
		uri = rtlDefaultURI
	}
	addr, err := net.ResolveTCPAddr("tcp", uri)
	if err != nil {
		return fmt.Errorf("resolve rtl_tcp address %q: %w", uri, err)
	}

	dev := &rtltcp.SDR{}
	if err := dev.Connect(addr); err != nil {
		return fmt.Errorf("connect rtl_tcp: %w", err)
	}
	r.log.Info("connected", logging.F("addr", addr.String()), logging.F("dongle", dev.Info.String()))

	if err := tuneRTL(dev, cfg); err != nil {
		_ = dev.Close()
		return err
	}

	r.mu.Lock()
	r.sdr = dev
	r.mu.Unlock()
	return nil
}

func tuneRTL(dev *rtltcp.SDR, cfg Config) error {
	if err := dev.SetSampleRate(uint32(cfg.SampleRate)); err != nil {
		return fmt.Errorf("set sample rate: %w", err)
	}
	if err := dev.SetCenterFreq(uint32(cfg.CenterFreq)); err != nil {
		return fmt.Errorf("set center frequency: %w", err)
	}
	// SetGainMode(true) hands gain to the tuner AGC.
	if cfg.RXGain <= 0 {
		return dev.SetGainMode(true)
	}
	if err := dev.SetGainMode(false); err != nil {
		return fmt.Errorf("set gain mode: %w", err)
	}
	if err := dev.SetGain(uint32(math.Round(cfg.RXGain * 10))); err != nil {
		return fmt.Errorf("set gain: %w", err)
	}
	return nil
}

func (r *RTLTCP) TXStream(StreamArgs) (TXStreamer, error) {
	return nil, ErrTXUnsupported
}

func (r *RTLTCP) RXStream(args StreamArgs) (RXStreamer, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sdr == nil {
		return nil, ErrNotConfigured
	}
	if size := args.Int("recv_buff_size", 0); size > 0 {
		if err := r.sdr.SetReadBuffer(size); err != nil {
			r.log.Warn("set receive buffer size failed", logging.F("recv_buff_size", size), logging.F("err", err))
		}
	}
	return &rtlRX{conn: r.sdr.TCPConn}, nil
}

func (r *RTLTCP) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sdr == nil {
		return nil
	}
	err := r.sdr.Close()
	r.sdr = nil
	return err
}

type rtlRX struct {
	conn      net.Conn
	streaming bool
	raw       []byte
	carry     []byte
}

// IssueStreamCmd gates delivery; rtl_tcp itself streams from connect.
func (rx *rtlRX) IssueStreamCmd(_ context.Context, cmd StreamCmd) error {
	switch cmd.Mode {
	case StreamModeStartContinuous:
		rx.streaming = true
	case StreamModeStopContinuous:
		rx.streaming = false
	default:
		return fmt.Errorf("unsupported stream mode %v", cmd.Mode)
	}
	return nil
}

func (rx *rtlRX) Recv(ctx context.Context, buf []complex64, md *RXMetadata, timeout time.Duration) (int, error) {
	md.ErrorCode = RXErrorNone
	if !rx.streaming {
		if err := sleepCtx(ctx, timeout); err != nil {
			return 0, err
		}
		md.ErrorCode = RXErrorTimeout
		return 0, nil
	}

	need := len(buf) * 2
	if cap(rx.raw) < need {
		rx.raw = make([]byte, need)
	}
	rx.raw = rx.raw[:need]
	have := copy(rx.raw, rx.carry)
	rx.carry = rx.carry[:0]

	if timeout > 0 {
		_ = rx.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = rx.conn.SetReadDeadline(time.Time{})
	}
	n, err := io.ReadFull(rx.conn, rx.raw[have:])
	have += n
	if err != nil && !isTimeout(err) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("read rtl_tcp samples: %w", err)
	}
	if have%2 == 1 {
		rx.carry = append(rx.carry, rx.raw[have-1])
		have--
	}
	if have == 0 {
		md.ErrorCode = RXErrorTimeout
		return 0, nil
	}
	return u8ToComplex(buf, rx.raw[:have]), nil
}
