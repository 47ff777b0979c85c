package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rjboer/sdrbench/internal/bench"
	"github.com/rjboer/sdrbench/internal/config"
	"github.com/rjboer/sdrbench/internal/logging"
	"github.com/rjboer/sdrbench/internal/sdr"
	"github.com/rjboer/sdrbench/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "sdrbench: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Parse("sdrbench", args, stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := cfg.Logger(stdout)
	if err != nil {
		return err
	}
	defer logFile.Close()
	defer logging.Sync(logger)
	logging.SetDefault(logger)

	dev, err := selectBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("close device", logging.F("err", err))
		}
	}()

	reporters := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	var hub *telemetry.Hub
	if cfg.WebAddr != "" {
		hub = telemetry.NewHub(cfg.HistoryLimit, logger)
		metrics := telemetry.NewPrometheusReporter()
		reporters = append(reporters, hub, metrics)

		webCtx, cancelWeb := context.WithCancel(ctx)
		defer cancelWeb()
		web := telemetry.NewWebServer(cfg.WebAddr, hub, metrics, logger)
		go func() {
			if err := web.Start(webCtx); err != nil {
				logger.Error("web server failed", logging.F("addr", cfg.WebAddr), logging.F("err", err))
			}
		}()
		logger.Info("web interface enabled", logging.F("addr", cfg.WebAddr))
	}

	opts := cfg.BenchOptions()
	runner := bench.NewRunner(dev, opts, reporters, logger)
	if hub != nil {
		hub.SetConfig(telemetryConfig(runner.RunID(), opts, cfg.HistoryLimit))
		runner.SetSpectrumSink(hub)
	}

	// Run logs the stats lines and the completion line through logger.
	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if cfg.ResultFile != "" {
		if err := bench.WriteSummaryFile(cfg.ResultFile, summary); err != nil {
			return fmt.Errorf("write result file: %w", err)
		}
		logger.Info("result written", logging.F("path", cfg.ResultFile))
	}
	return nil
}

func selectBackend(cfg config.Config, logger logging.Logger) (sdr.Device, error) {
	if cfg.Backend == "mock" {
		return sdr.NewMock(cfg.MockOptions()), nil
	}
	return sdr.New(cfg.Backend, logger)
}

func telemetryConfig(runID string, opts bench.Options, historyLimit int) telemetry.Config {
	return telemetry.Config{
		RunID:            runID,
		Backend:          opts.Backend,
		SampleRateHz:     opts.Device.SampleRate,
		CenterFreqHz:     opts.Device.CenterFreq,
		TXGainDB:         opts.Device.TXGain,
		RXGainDB:         opts.Device.RXGain,
		SamplesPerBuffer: opts.SamplesPerBuffer,
		DurationSec:      opts.Duration.Seconds(),
		HistoryLimit:     historyLimit,
	}
}
