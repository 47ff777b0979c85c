package sdr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rjboer/sdrbench/internal/logging"
)

// CPUFormatFC32 is interleaved complex float32, the only host sample format
// the streamers accept.
const CPUFormatFC32 = "fc32"

var (
	// ErrTXUnsupported is returned by receive-only devices.
	ErrTXUnsupported = errors.New("sdr: device cannot transmit")
	// ErrUnsupportedFormat is returned for CPU formats other than fc32.
	ErrUnsupportedFormat = errors.New("sdr: unsupported cpu format")
	// ErrNotConfigured is returned when streams are requested before Configure.
	ErrNotConfigured = errors.New("sdr: device not configured")
)

// Config carries the radio parameters applied by Configure.
type Config struct {
	SampleRate  float64
	CenterFreq  float64
	TXGain      float64
	RXGain      float64
	TXSubdev    string
	RXSubdev    string
	ClockSource string
	TimeSource  string
	URI         string

	SSHHost     string
	SSHUser     string
	SSHPassword string
	SSHKeyPath  string
	SSHPort     int
	SysfsRoot   string
}

// StreamArgs selects the host sample format and passes backend tuning keys
// such as "spp", "num_send_frames" or "recv_buff_size".
type StreamArgs struct {
	CPUFormat string
	Args      map[string]string
}

// NewStreamArgs returns fc32 stream args with an empty arg map.
func NewStreamArgs() StreamArgs {
	return StreamArgs{CPUFormat: CPUFormatFC32, Args: map[string]string{}}
}

// Int returns the integer value of key, or def when absent or malformed.
func (a StreamArgs) Int(key string, def int) int {
	v, ok := a.Args[key]
	if !ok {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func (a StreamArgs) validate() error {
	if a.CPUFormat != "" && a.CPUFormat != CPUFormatFC32 {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, a.CPUFormat)
	}
	return nil
}

// TXMetadata marks burst boundaries on a send.
type TXMetadata struct {
	StartOfBurst bool
	EndOfBurst   bool
}

// RXErrorCode classifies a receive call's outcome.
type RXErrorCode int

const (
	RXErrorNone RXErrorCode = iota
	RXErrorTimeout
	RXErrorLateCommand
	RXErrorBrokenChain
	RXErrorOverflow
	RXErrorAlignment
	RXErrorBadPacket
)

func (c RXErrorCode) String() string {
	switch c {
	case RXErrorNone:
		return "no error"
	case RXErrorTimeout:
		return "timeout: no packet received"
	case RXErrorLateCommand:
		return "late command: stream command arrived after its time"
	case RXErrorBrokenChain:
		return "broken chain: expected another stream command"
	case RXErrorOverflow:
		return "overflow: host did not keep up with the device"
	case RXErrorAlignment:
		return "alignment: multi-channel alignment failed"
	case RXErrorBadPacket:
		return "bad packet: could not parse packet"
	default:
		return fmt.Sprintf("unknown rx error %d", int(c))
	}
}

// RXMetadata reports the outcome of a receive call.
type RXMetadata struct {
	ErrorCode RXErrorCode
}

// StreamMode is the receive streaming mode requested by a stream command.
type StreamMode int

const (
	StreamModeStartContinuous StreamMode = iota
	StreamModeStopContinuous
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeStartContinuous:
		return "start_continuous"
	case StreamModeStopContinuous:
		return "stop_continuous"
	default:
		return "unknown"
	}
}

// StreamCmd starts or stops receive streaming.
type StreamCmd struct {
	Mode      StreamMode
	StreamNow bool
}

// TXStreamer sends samples to the radio.
type TXStreamer interface {
	// Send transmits buf and returns how many samples were accepted before
	// timeout. A zero-length send with EndOfBurst closes the burst.
	Send(ctx context.Context, buf []complex64, md TXMetadata, timeout time.Duration) (int, error)
}

// RXStreamer receives samples from the radio.
type RXStreamer interface {
	IssueStreamCmd(ctx context.Context, cmd StreamCmd) error
	// Recv fills buf and reports problems through md.ErrorCode. The returned
	// error is reserved for transport failures.
	Recv(ctx context.Context, buf []complex64, md *RXMetadata, timeout time.Duration) (int, error)
}

// Device is a configurable radio that hands out TX and RX streamers.
type Device interface {
	Configure(ctx context.Context, cfg Config) error
	TXStream(args StreamArgs) (TXStreamer, error)
	RXStream(args StreamArgs) (RXStreamer, error)
	Close() error
}

// Backends lists the names accepted by New.
var Backends = []string{"mock", "pluto", "rtltcp"}

// New returns the backend registered under name.
func New(name string, log logging.Logger) (Device, error) {
	if log == nil {
		log = logging.Default()
	}
	switch strings.ToLower(name) {
	case "mock":
		return NewMock(MockOptions{}), nil
	case "pluto":
		return NewPluto(log), nil
	case "rtltcp":
		return NewRTLTCP(log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %s)", name, strings.Join(Backends, ", "))
	}
}
