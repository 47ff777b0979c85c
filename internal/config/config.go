// Package config loads sdrbench settings from flags, SDRBENCH_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rjboer/sdrbench/internal/bench"
	"github.com/rjboer/sdrbench/internal/logging"
	"github.com/rjboer/sdrbench/internal/sdr"
	"github.com/rjboer/sdrbench/internal/waveform"
)

// EnvPrefix prefixes environment overrides, e.g. SDRBENCH_SAMPLE_RATE.
const EnvPrefix = "SDRBENCH"

// Config is the complete runtime configuration.
type Config struct {
	ConfigFile string

	Backend     string
	URI         string
	SampleRate  float64
	CenterFreq  float64
	TXGain      float64
	RXGain      float64
	TXSubdev    string
	RXSubdev    string
	ClockSource string
	TimeSource  string

	SamplesPerBuffer int
	NumTXBuffers     int
	RXBufferFactor   int
	NumSendFrames    int
	RecvBuffSize     int
	Duration         time.Duration
	ReportInterval   time.Duration
	TXTimeout        time.Duration
	RXTimeout        time.Duration
	Waveform         string
	Seed             uint64
	Realtime         bool
	MeasureLevel     bool

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	WebAddr      string
	HistoryLimit int
	ResultFile   string

	MockOverflowEvery  int
	MockUnderflowEvery int
	MockUnpaced        bool

	SSHHost     string
	SSHUser     string
	SSHPassword string
	SSHKeyPath  string
	SSHPort     int
	SysfsRoot   string
}

// NewFlagSet declares every setting with its default.
func NewFlagSet(name string) *pflag.FlagSet {
	d := bench.DefaultOptions()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("config", "c", "", "Optional config file (json, yaml or toml)")

	fs.StringP("backend", "b", "mock", "SDR backend ("+strings.Join(sdr.Backends, "|")+")")
	fs.String("uri", "", "Device URI (pluto: ip:host or auto, rtltcp: host:port)")
	fs.Float64("sample-rate", d.Device.SampleRate, "TX and RX sample rate in Hz")
	fs.Float64("center-freq", d.Device.CenterFreq, "TX and RX center frequency in Hz")
	fs.Float64("tx-gain", d.Device.TXGain, "TX gain in dB")
	fs.Float64("rx-gain", d.Device.RXGain, "RX gain in dB")
	fs.String("tx-subdev", d.Device.TXSubdev, "TX subdevice spec")
	fs.String("rx-subdev", d.Device.RXSubdev, "RX subdevice spec")
	fs.String("clock-source", d.Device.ClockSource, "Reference clock source")
	fs.String("time-source", d.Device.TimeSource, "Time source")

	fs.Int("spp", d.SamplesPerBuffer, "Samples per TX buffer")
	fs.Int("tx-buffers", d.NumTXBuffers, "Number of pre-generated TX buffers")
	fs.Int("rx-buffer-factor", d.RXBufferFactor, "RX buffer size as a multiple of spp")
	fs.Int("num-send-frames", d.NumSendFrames, "TX stream num_send_frames hint")
	fs.Int("recv-buff-size", d.RecvBuffSize, "RX stream receive buffer size in bytes")
	fs.DurationP("duration", "d", d.Duration, "Run time")
	fs.Duration("report-interval", d.ReportInterval, "Throughput report interval")
	fs.Duration("tx-timeout", d.TXTimeout, "Timeout per TX send")
	fs.Duration("rx-timeout", d.RXTimeout, "Timeout per RX receive")
	fs.String("waveform", string(d.Waveform), "TX test waveform (random|tone)")
	fs.Uint64("seed", d.Seed, "Seed for the random TX waveform")
	fs.Bool("realtime", d.Realtime, "Pin TX/RX loops to OS threads and raise their priority")
	fs.Bool("measure-level", d.MeasureLevel, "Measure RX level once per report interval")

	fs.String("log-level", "info", "Log level (debug|info|warn|error)")
	fs.String("log-format", "text", "Log format (text|json)")
	fs.String("log-file", "", "Also write logs to this file, rotated")
	fs.Int("log-max-size", 100, "Rotate the log file after this many megabytes")
	fs.Int("log-max-backups", 3, "Rotated log files to keep")

	fs.String("web-addr", "", "Optional web telemetry listen address (e.g. :8080)")
	fs.Int("history-limit", 600, "Samples kept for the web telemetry history")
	fs.String("result-file", "", "Write the run summary as JSON to this file")

	fs.Int("mock-overflow-every", 0, "mock: report an overflow every Nth receive")
	fs.Int("mock-underflow-every", 0, "mock: accept half of every Nth send")
	fs.Bool("mock-unpaced", false, "mock: do not pace streams at the sample rate")

	fs.String("ssh-host", "", "pluto: SSH host for the sysfs attribute fallback")
	fs.String("ssh-user", "root", "pluto: SSH user")
	fs.String("ssh-password", "", "pluto: SSH password")
	fs.String("ssh-key", "", "pluto: SSH private key path")
	fs.Int("ssh-port", 22, "pluto: SSH port")
	fs.String("sysfs-root", "/sys/bus/iio/devices", "pluto: IIO sysfs root on the device")
	return fs
}

// Parse reads settings from args, the environment and the config file named
// by --config. Help output goes to out; -h returns pflag.ErrHelp.
func Parse(name string, args []string, out io.Writer) (Config, error) {
	fs := NewFlagSet(name)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		ConfigFile: v.GetString("config"),

		Backend:     strings.ToLower(v.GetString("backend")),
		URI:         v.GetString("uri"),
		SampleRate:  v.GetFloat64("sample-rate"),
		CenterFreq:  v.GetFloat64("center-freq"),
		TXGain:      v.GetFloat64("tx-gain"),
		RXGain:      v.GetFloat64("rx-gain"),
		TXSubdev:    v.GetString("tx-subdev"),
		RXSubdev:    v.GetString("rx-subdev"),
		ClockSource: v.GetString("clock-source"),
		TimeSource:  v.GetString("time-source"),

		SamplesPerBuffer: v.GetInt("spp"),
		NumTXBuffers:     v.GetInt("tx-buffers"),
		RXBufferFactor:   v.GetInt("rx-buffer-factor"),
		NumSendFrames:    v.GetInt("num-send-frames"),
		RecvBuffSize:     v.GetInt("recv-buff-size"),
		Duration:         v.GetDuration("duration"),
		ReportInterval:   v.GetDuration("report-interval"),
		TXTimeout:        v.GetDuration("tx-timeout"),
		RXTimeout:        v.GetDuration("rx-timeout"),
		Waveform:         strings.ToLower(v.GetString("waveform")),
		Seed:             v.GetUint64("seed"),
		Realtime:         v.GetBool("realtime"),
		MeasureLevel:     v.GetBool("measure-level"),

		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
		LogFile:       v.GetString("log-file"),
		LogMaxSizeMB:  v.GetInt("log-max-size"),
		LogMaxBackups: v.GetInt("log-max-backups"),

		WebAddr:      v.GetString("web-addr"),
		HistoryLimit: v.GetInt("history-limit"),
		ResultFile:   v.GetString("result-file"),

		MockOverflowEvery:  v.GetInt("mock-overflow-every"),
		MockUnderflowEvery: v.GetInt("mock-underflow-every"),
		MockUnpaced:        v.GetBool("mock-unpaced"),

		SSHHost:     v.GetString("ssh-host"),
		SSHUser:     v.GetString("ssh-user"),
		SSHPassword: v.GetString("ssh-password"),
		SSHKeyPath:  v.GetString("ssh-key"),
		SSHPort:     v.GetInt("ssh-port"),
		SysfsRoot:   v.GetString("sysfs-root"),
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(sdr.Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q (want one of %s)", c.Backend, strings.Join(sdr.Backends, ", ")))
	}
	if err := c.BenchOptions().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RecvBuffSize < 0 {
		errs = append(errs, fmt.Errorf("recv-buff-size must not be negative, got %d", c.RecvBuffSize))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history-limit must not be negative, got %d", c.HistoryLimit))
	}
	if c.SSHPort < 0 || c.SSHPort > 65535 {
		errs = append(errs, fmt.Errorf("ssh-port %d out of range", c.SSHPort))
	}
	return errors.Join(errs...)
}

// DeviceConfig returns the radio parameters passed to Configure.
func (c Config) DeviceConfig() sdr.Config {
	return sdr.Config{
		SampleRate:  c.SampleRate,
		CenterFreq:  c.CenterFreq,
		TXGain:      c.TXGain,
		RXGain:      c.RXGain,
		TXSubdev:    c.TXSubdev,
		RXSubdev:    c.RXSubdev,
		ClockSource: c.ClockSource,
		TimeSource:  c.TimeSource,
		URI:         c.URI,
		SSHHost:     c.SSHHost,
		SSHUser:     c.SSHUser,
		SSHPassword: c.SSHPassword,
		SSHKeyPath:  c.SSHKeyPath,
		SSHPort:     c.SSHPort,
		SysfsRoot:   c.SysfsRoot,
	}
}

// BenchOptions returns the runner options.
func (c Config) BenchOptions() bench.Options {
	return bench.Options{
		Backend:          c.Backend,
		Device:           c.DeviceConfig(),
		SamplesPerBuffer: c.SamplesPerBuffer,
		NumTXBuffers:     c.NumTXBuffers,
		RXBufferFactor:   c.RXBufferFactor,
		NumSendFrames:    c.NumSendFrames,
		RecvBuffSize:     c.RecvBuffSize,
		Duration:         c.Duration,
		ReportInterval:   c.ReportInterval,
		TXTimeout:        c.TXTimeout,
		RXTimeout:        c.RXTimeout,
		Waveform:         waveform.Kind(c.Waveform),
		Seed:             c.Seed,
		Realtime:         c.Realtime,
		MeasureLevel:     c.MeasureLevel,
	}
}

// MockOptions returns the fault injection settings for the mock backend.
func (c Config) MockOptions() sdr.MockOptions {
	return sdr.MockOptions{
		OverflowEvery:  c.MockOverflowEvery,
		UnderflowEvery: c.MockUnderflowEvery,
		Unpaced:        c.MockUnpaced,
		Seed:           c.Seed,
	}
}

// Logger builds the configured logger. The returned closer flushes and
// closes the optional log file.
func (c Config) Logger(stdout io.Writer) (logging.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	if c.LogFile == "" {
		return logging.New(level, format, stdout), nopCloser{}, nil
	}
	file := logging.NewRotatingWriter(logging.FileOptions{
		Path:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	})
	return logging.New(level, format, io.MultiWriter(stdout, file)), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
