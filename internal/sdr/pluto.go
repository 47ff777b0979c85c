package sdr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/sdrbench/internal/iiod"
	"github.com/rjboer/sdrbench/internal/logging"
	"github.com/rjboer/sdrbench/internal/mdns"
)

const (
	plutoDefaultURI = "192.168.2.1"
	plutoPhy        = "ad9361-phy"
	plutoRXDevice   = "cf-ad9361-lpc"
	plutoTXDevice   = "cf-ad9361-dds-core-lpc"

	plutoMaxTXAttenuation = 89.75
	plutoMaxRXGain        = 73
	plutoDefaultSPP       = 4096
	// bytes per complex sample on the wire: int16 I + int16 Q
	plutoSampleBytes = 4
	errnoETIMEDOUT   = -110
)

// Pluto drives an ADALM-Pluto (AD9361) through iiod. Configuration uses one
// control session; each stream opens its own session, as libiio's network
// backend does, so TX and RX never serialize on a socket.
type Pluto struct {
	mu       sync.Mutex
	log      logging.Logger
	addr     string
	control  *iiod.Client
	fallback AttributeWriter
	phy      iiod.Device
	rxDev    iiod.Device
	txDev    iiod.Device
	streams  []*iiod.Client

	// hooks for tests
	dial     func(ctx context.Context, addr string) (*iiod.Client, error)
	discover func(ctx context.Context) (string, error)
}

// NewPluto returns an unconfigured Pluto backend.
func NewPluto(log logging.Logger) *Pluto {
	if log == nil {
		log = logging.Default()
	}
	log = log.With(logging.F("backend", "pluto"))
	p := &Pluto{log: log}
	p.dial = func(ctx context.Context, addr string) (*iiod.Client, error) {
		return iiod.Dial(ctx, addr, log)
	}
	p.discover = func(ctx context.Context) (string, error) {
		hosts, err := mdns.DiscoverIIOD(ctx, 3*time.Second)
		if err != nil {
			return "", err
		}
		if len(hosts) == 0 {
			return "", errors.New("no iiod hosts found via mdns")
		}
		log.Info("discovered iiod host", logging.F("instance", hosts[0].Instance), logging.F("addr", hosts[0].Addr()))
		return hosts[0].Addr(), nil
	}
	return p
}

// Configure connects to iiod, locates the AD9361 devices and programs rate,
// LO frequencies and gains for RX and TX.
func (p *Pluto) Configure(ctx context.Context, cfg Config) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}

	addr, err := p.resolveURI(ctx, cfg.URI)
	if err != nil {
		return err
	}

	p.log.Info("connecting", logging.F("addr", addr))
	client, err := p.dial(ctx, addr)
	if err != nil {
		return err
	}

	devices, err := client.ListDevices()
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list devices: %w", err)
	}
	phy, okPhy := iiod.FindDevice(devices, plutoPhy)
	rx, okRX := iiod.FindDevice(devices, plutoRXDevice)
	tx, okTX := iiod.FindDevice(devices, plutoTXDevice)
	if !okPhy || !okRX || !okTX {
		_ = client.Close()
		return fmt.Errorf("unable to locate AD9361 devices (phy=%v rx=%v tx=%v)", okPhy, okRX, okTX)
	}

	var fallback AttributeWriter
	if cfg.SSHHost != "" {
		w, err := NewSSHAttributeWriter(SSHConfig{
			Host:      cfg.SSHHost,
			User:      cfg.SSHUser,
			Password:  cfg.SSHPassword,
			KeyPath:   cfg.SSHKeyPath,
			Port:      cfg.SSHPort,
			SysfsRoot: cfg.SysfsRoot,
		})
		if err != nil {
			_ = client.Close()
			return err
		}
		fallback = w
	}

	p.mu.Lock()
	p.addr = addr
	p.control = client
	p.fallback = fallback
	p.phy, p.rxDev, p.txDev = phy, rx, tx
	p.mu.Unlock()

	p.warnUnsupported(cfg)

	rate := strconv.FormatFloat(math.Round(cfg.SampleRate), 'f', 0, 64)
	lo := strconv.FormatFloat(math.Round(cfg.CenterFreq), 'f', 0, 64)
	writes := []struct {
		channel string
		output  bool
		attr    string
		value   string
	}{
		{"voltage0", false, "sampling_frequency", rate},
		{"voltage0", true, "sampling_frequency", rate},
		{"altvoltage0", true, "frequency", lo},
		{"altvoltage1", true, "frequency", lo},
		{"voltage0", false, "gain_control_mode", "manual"},
		{"voltage0", false, "hardwaregain", formatGain(clamp(cfg.RXGain, 0, plutoMaxRXGain))},
		{"voltage0", true, "hardwaregain", formatGain(txAttenuation(cfg.TXGain))},
	}
	for _, w := range writes {
		if cfg.CenterFreq <= 0 && w.attr == "frequency" {
			continue
		}
		if err := p.writeAttr(ctx, w.channel, w.output, w.attr, w.value); err != nil {
			return err
		}
	}

	p.log.Info("configured",
		logging.F("sample_rate", cfg.SampleRate),
		logging.F("center_freq", cfg.CenterFreq),
		logging.F("rx_gain", cfg.RXGain),
		logging.F("tx_gain", cfg.TXGain),
	)
	return nil
}

func (p *Pluto) resolveURI(ctx context.Context, uri string) (string, error) {
	uri = strings.TrimPrefix(strings.TrimSpace(uri), "ip:")
	switch uri {
	case "":
		return plutoDefaultURI, nil
	case "auto":
		addr, err := p.discover(ctx)
		if err != nil {
			return "", fmt.Errorf("discover iiod: %w", err)
		}
		return addr, nil
	default:
		return uri, nil
	}
}

func (p *Pluto) warnUnsupported(cfg Config) {
	for name, v := range map[string]string{"clock_source": cfg.ClockSource, "time_source": cfg.TimeSource} {
		if v != "" && v != "internal" {
			p.log.Warn("source selection not supported, using internal", logging.F(name, v))
		}
	}
	for name, v := range map[string]string{"tx_subdev": cfg.TXSubdev, "rx_subdev": cfg.RXSubdev} {
		if v != "" && v != "A:A" {
			p.log.Warn("subdevice selection not supported, using A:A", logging.F(name, v))
		}
	}
}

// writeAttr writes a phy attribute through iiod, falling back to sysfs over
// SSH when the daemon rejects it.
func (p *Pluto) writeAttr(ctx context.Context, channel string, output bool, attr, value string) error {
	p.mu.Lock()
	client, phy, fallback := p.control, p.phy, p.fallback
	p.mu.Unlock()

	err := client.WriteAttr(phy.Name, channel, output, attr, value)
	if err == nil {
		return nil
	}
	if fallback == nil {
		return fmt.Errorf("set %s %s: %w", channel, attr, err)
	}
	p.log.Warn("iiod write rejected, using sysfs fallback",
		logging.F("channel", channel), logging.F("attr", attr), logging.F("err", err))
	if ferr := fallback.WriteAttribute(ctx, phy.ID, channel, output, attr, value); ferr != nil {
		return fmt.Errorf("set %s %s: %w (fallback: %v)", channel, attr, err, ferr)
	}
	return nil
}

func (p *Pluto) openStreamClient(ctx context.Context) (*iiod.Client, error) {
	p.mu.Lock()
	addr := p.addr
	configured := p.control != nil
	p.mu.Unlock()
	if !configured {
		return nil, ErrNotConfigured
	}
	c, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.streams = append(p.streams, c)
	p.mu.Unlock()
	return c, nil
}

// reopenStream replaces a stream session that lost protocol sync. The server
// frees the buffer of a dropped connection, so the caller reopens it.
func (p *Pluto) reopenStream(ctx context.Context, old *iiod.Client) (*iiod.Client, error) {
	_ = old.Close()
	p.mu.Lock()
	for i, c := range p.streams {
		if c == old {
			p.streams = append(p.streams[:i], p.streams[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	c, err := p.openStreamClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconnect stream: %w", err)
	}
	p.log.Warn("stream session resynchronized")
	return c, nil
}

// TXStream opens the DDS buffer. "spp" sets the buffer length in samples.
func (p *Pluto) TXStream(args StreamArgs) (TXStreamer, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	c, err := p.openStreamClient(context.Background())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	dev := p.txDev
	p.mu.Unlock()

	spp := args.Int("spp", plutoDefaultSPP)
	if frames := args.Int("num_send_frames", 0); frames > 0 {
		p.log.Debug("num_send_frames has no iiod equivalent", logging.F("num_send_frames", frames))
	}
	if err := c.OpenBuffer(dev.Name, spp, dev.ScanMask(2), false); err != nil {
		return nil, fmt.Errorf("open TX buffer: %w", err)
	}
	return &plutoTX{
		plutoSession: plutoSession{client: c, reopen: p.reopenStream},
		dev:          dev.Name,
		spp:          spp,
		mask:         dev.ScanMask(2),
		open:         true,
	}, nil
}

// RXStream prepares an RX session. The buffer is opened by a start command.
// "recv_buff_size" sizes the socket receive buffer in bytes.
func (p *Pluto) RXStream(args StreamArgs) (RXStreamer, error) {
	if err := args.validate(); err != nil {
		return nil, err
	}
	c, err := p.openStreamClient(context.Background())
	if err != nil {
		return nil, err
	}
	if size := args.Int("recv_buff_size", 0); size > 0 {
		if err := c.SetReadBuffer(size); err != nil {
			p.log.Warn("set receive buffer size failed", logging.F("recv_buff_size", size), logging.F("err", err))
		}
	}
	p.mu.Lock()
	dev := p.rxDev
	p.mu.Unlock()
	return &plutoRX{
		plutoSession: plutoSession{client: c, reopen: p.reopenStream},
		dev:          dev,
		spp:          args.Int("spp", plutoDefaultSPP),
	}, nil
}

// Close releases stream sessions, the control session and the SSH fallback.
func (p *Pluto) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, c := range p.streams {
		errs = append(errs, c.Close())
	}
	p.streams = nil
	if p.control != nil {
		errs = append(errs, p.control.Close())
		p.control = nil
	}
	if p.fallback != nil {
		errs = append(errs, p.fallback.Close())
		p.fallback = nil
	}
	return errors.Join(errs...)
}

type reopenFunc func(ctx context.Context, old *iiod.Client) (*iiod.Client, error)

// plutoSession is one stream's iiod connection. Blocking buffer calls are
// bounded by the server-side TIMEOUT; a transfer cut short by the local
// deadline leaves the session broken and it is redialed before the next call.
type plutoSession struct {
	client  *iiod.Client
	timeout time.Duration
	reopen  reopenFunc
}

// ready makes the session usable with the given server timeout. reconnected
// reports that a fresh connection was dialed.
func (s *plutoSession) ready(ctx context.Context, timeout time.Duration) (reconnected bool, err error) {
	if s.client.Broken() {
		c, err := s.reopen(ctx, s.client)
		if err != nil {
			return false, err
		}
		s.client = c
		s.timeout = 0
		reconnected = true
	}
	if timeout != s.timeout || reconnected {
		if err := s.client.SetTimeout(timeout); err != nil {
			return reconnected, fmt.Errorf("set iiod timeout: %w", err)
		}
		s.timeout = timeout
	}
	return reconnected, nil
}

type plutoTX struct {
	plutoSession
	dev  string
	spp  int
	mask uint32
	open bool
	raw  []byte
}

func (tx *plutoTX) Send(ctx context.Context, buf []complex64, md TXMetadata, timeout time.Duration) (int, error) {
	if len(buf) == 0 {
		if md.EndOfBurst && tx.open {
			tx.open = false
			if tx.client.Broken() {
				// the dropped connection already released the buffer
				return 0, tx.client.Close()
			}
			return 0, tx.client.CloseBuffer(tx.dev)
		}
		return 0, nil
	}
	reconnected, err := tx.ready(ctx, timeout)
	if err != nil {
		return 0, err
	}
	if reconnected || !tx.open {
		if err := tx.client.OpenBuffer(tx.dev, tx.spp, tx.mask, false); err != nil {
			return 0, fmt.Errorf("open TX buffer: %w", err)
		}
		tx.open = true
	}

	sent := 0
	for sent < len(buf) {
		end := sent + tx.spp
		if end > len(buf) {
			end = len(buf)
		}
		tx.raw = complexToInt16LE(tx.raw, buf[sent:end])
		n, err := tx.client.WriteBuffer(tx.dev, tx.raw)
		sent += n / plutoSampleBytes
		if err != nil {
			var iioErr *iiod.Error
			if isTimeout(err) || (errors.As(err, &iioErr) && iioErr.Code == errnoETIMEDOUT) {
				return sent, nil
			}
			return sent, err
		}
		if n < len(tx.raw) {
			break
		}
	}
	return sent, nil
}

type plutoRX struct {
	plutoSession
	dev  iiod.Device
	spp  int
	open bool
	raw  []byte
}

func (rx *plutoRX) IssueStreamCmd(ctx context.Context, cmd StreamCmd) error {
	switch cmd.Mode {
	case StreamModeStartContinuous:
		if rx.open {
			return nil
		}
		if _, err := rx.ready(ctx, rx.timeout); err != nil {
			return err
		}
		if err := rx.client.OpenBuffer(rx.dev.Name, rx.spp, rx.dev.ScanMask(2), false); err != nil {
			return fmt.Errorf("open RX buffer: %w", err)
		}
		rx.open = true
	case StreamModeStopContinuous:
		if !rx.open {
			return nil
		}
		rx.open = false
		if rx.client.Broken() {
			return rx.client.Close()
		}
		if err := rx.client.CloseBuffer(rx.dev.Name); err != nil {
			return fmt.Errorf("close RX buffer: %w", err)
		}
	default:
		return fmt.Errorf("unsupported stream mode %v", cmd.Mode)
	}
	return nil
}

func (rx *plutoRX) Recv(ctx context.Context, buf []complex64, md *RXMetadata, timeout time.Duration) (int, error) {
	md.ErrorCode = RXErrorNone
	if !rx.open {
		if err := sleepCtx(ctx, timeout); err != nil {
			return 0, err
		}
		md.ErrorCode = RXErrorTimeout
		return 0, nil
	}
	reconnected, err := rx.ready(ctx, timeout)
	if err != nil {
		return 0, err
	}
	if reconnected {
		if err := rx.client.OpenBuffer(rx.dev.Name, rx.spp, rx.dev.ScanMask(2), false); err != nil {
			return 0, fmt.Errorf("reopen RX buffer: %w", err)
		}
	}
	need := len(buf) * plutoSampleBytes
	if cap(rx.raw) < need {
		rx.raw = make([]byte, need)
	}
	rx.raw = rx.raw[:need]

	n, err := rx.client.ReadBuffer(rx.dev.Name, rx.raw)
	if err != nil {
		var iioErr *iiod.Error
		switch {
		case isTimeout(err):
			// partial chunk dropped; the session is redialed on the next call
			md.ErrorCode = RXErrorTimeout
			return 0, nil
		case errors.As(err, &iioErr) && iioErr.Code == errnoETIMEDOUT:
			md.ErrorCode = RXErrorTimeout
			return 0, nil
		case errors.As(err, &iioErr):
			md.ErrorCode = RXErrorBadPacket
			return 0, nil
		default:
			return 0, err
		}
	}
	return int16LEToComplex(buf, rx.raw[:n]), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// txAttenuation maps a TX gain in dB onto the AD9361's attenuation scale,
// where 0 dB is full power and -89.75 dB the minimum.
func txAttenuation(gain float64) float64 {
	return clamp(gain-plutoMaxTXAttenuation, -plutoMaxTXAttenuation, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func formatGain(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
