package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rover-control/groundlink/internal/control"
	"github.com/rover-control/groundlink/internal/drivelog"
	"github.com/rover-control/groundlink/internal/link"
	"github.com/rover-control/groundlink/internal/mav"
	"github.com/rover-control/groundlink/internal/telem"
)

const (
	storageDir = "data"

	// statusInterval is how often the running link state is logged.
	statusInterval = 5 * time.Second
)

// Run wires the vehicle link, telemetry aggregation, the rover controller
// and optional drive recording, then supervises them until ctx ends.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	dialer := &mav.NodeDialer{
		Endpoint: mav.Endpoint{
			Address: config.Link.Endpoint,
			Baud:    config.Link.Baud,
		},
		SystemID: config.Link.SystemID,
	}

	lm := link.New(dialer, linkOptions(config, logger)...)

	agg := telem.New(telemOptions(config, logger)...)
	agg.Bind(lm)

	ctrl, err := control.New(lm, control.Config{
		Roles: control.ChannelRoles{
			Throttle: config.Control.ThrottleChannel,
			Steering: config.Control.SteeringChannel,
		},
		Limits: control.Limits{
			MaxThrottle: config.Control.MaxThrottle,
			MaxSteering: config.Control.MaxSteering,
		},
		SafetyTimeout: time.Duration(config.Control.SafetyTimeout),
	}, control.WithLogger(logger), control.WithTelemetry(agg))
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	var recorder *drivelog.Recorder
	if config.Drivelog.Enabled {
		store, err := createStore(&config.Drivelog)
		if err != nil {
			return fmt.Errorf("creating drive log: %w", err)
		}
		defer store.Close()

		recorder = drivelog.NewRecorder(store, agg,
			drivelog.WithRecorderLogger(logger),
			drivelog.WithSampleInterval(time.Duration(config.Drivelog.SampleInterval)))
		if err = recorder.Start(ctx, config.Link.Endpoint); err != nil {
			return fmt.Errorf("starting drive recorder: %w", err)
		}
	}

	// A failed first attempt schedules reconnects; no reason to exit.
	if err = lm.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", slog.String("error", err.Error()))
	}

	logStatus(ctx, agg, logger)

	if err = ctrl.ClearOverride(); err != nil {
		logger.Warn("releasing overrides on shutdown", slog.String("error", err.Error()))
	}
	ctrl.Close()

	if recorder != nil {
		if err = recorder.Close(); err != nil {
			logger.Warn("flushing drive log", slog.String("error", err.Error()))
		}
	}

	lm.Disconnect()
	return nil
}

func linkOptions(config *Config, logger *slog.Logger) []func(*link.Manager) {
	options := []func(*link.Manager){link.WithLogger(logger)}

	if d := time.Duration(config.Link.ReconnectDelay); d > 0 {
		options = append(options, link.WithReconnectDelay(d))
	}
	if d := time.Duration(config.Link.HeartbeatTimeout); d > 0 {
		options = append(options, link.WithHeartbeatTimeout(d))
	}
	if config.Link.OverridePriming {
		options = append(options, link.WithOverridePriming(config.Link.OverrideTime))
	}

	return options
}

func telemOptions(config *Config, logger *slog.Logger) []func(*telem.Aggregator) {
	options := []func(*telem.Aggregator){telem.WithLogger(logger)}

	if d := time.Duration(config.Telemetry.HistoryWindow); d > 0 {
		options = append(options, telem.WithHistoryWindow(d))
	}

	return options
}

// logStatus periodically summarizes the live dashboard until ctx ends.
func logStatus(ctx context.Context, agg *telem.Aggregator, logger *slog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d := agg.Dashboard()
			if d.Offline {
				logger.Info("vehicle offline")
				continue
			}

			logger.Info("vehicle status",
				slog.String("mode", d.System.FlightMode),
				slog.Bool("armed", d.System.Armed),
				slog.Float64("speed", d.Velocity.GroundSpeed),
				slog.Float64("battery", d.Battery.Voltage),
				slog.Float64("remaining", d.Battery.RemainingPercent),
				slog.Bool("healthy", agg.Healthy()))
		}
	}
}

func createStore(config *DrivelogConfig) (*drivelog.Store, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbDir := filepath.Join(wd, storageDir)
	if config.DataDirectory != "" {
		dbDir = filepath.Join(wd, config.DataDirectory)
	}

	stat, err := os.Stat(dbDir)
	if err != nil {
		return nil, fmt.Errorf("storage directory '%s': %w", dbDir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbDir)
	}

	dbPath := filepath.Join(dbDir, fmt.Sprintf("drive_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return drivelog.NewStore(dbPath), nil
}
