package app

import (
	"context"
	"fmt"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rover-control/groundlink/internal/drivelog"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := drivelog.NewStore(config.DBPath)
	defer store.Close()

	if config.List {
		return listSessions(ctx, store, logger)
	}

	return plotSession(ctx, store, config, logger)
}

func listSessions(ctx context.Context, store *drivelog.Store, logger *slog.Logger) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("reading sessions: %w", err)
	}
	if len(sessions) == 0 {
		logger.Info("no recorded sessions")
		return nil
	}

	for _, sess := range sessions {
		logger.Info("session",
			slog.Int64("id", sess.ID),
			slog.String("started", sess.StartedAt.Local().Format(time.DateTime)),
			slog.String("age", humanize.Time(sess.StartedAt)),
			slog.String("endpoint", sess.Endpoint))
	}
	return nil
}

func plotSession(ctx context.Context, store *drivelog.Store, config *Config, logger *slog.Logger) error {
	var from, to time.Time
	if config.From != nil {
		from = *config.From
	}
	if config.To != nil {
		to = *config.To
	}

	samples, err := store.ReadSamples(ctx, config.SessionID, from, to)
	if err != nil {
		return fmt.Errorf("reading samples: %w", err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("session %d has no samples in the requested range", config.SessionID)
	}

	logger.Info("read samples",
		slog.Int64("session", config.SessionID),
		slog.String("count", humanize.Comma(int64(len(samples)))),
		slog.String("from", samples[0].Timestamp.Local().Format(time.DateTime)),
		slog.String("to", samples[len(samples)-1].Timestamp.Local().Format(time.DateTime)))

	renderer, err := NewChartRenderer()
	if err != nil {
		return fmt.Errorf("creating chart renderer: %w", err)
	}

	chart, err := buildChart(config.Series, samples)
	if err != nil {
		return err
	}

	logger.Info("rendering chart",
		slog.String("series", config.Series),
		slog.String("destination", config.OutputFile))

	img, err := renderer.Render(chart)
	if err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImagePNG:
		err = png.Encode(out, img)

	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 98,
		})
	}
	return err
}

// buildChart extracts the requested series from the samples. Samples
// missing the relevant columns are skipped.
func buildChart(series string, samples []drivelog.Sample) (*Chart, error) {
	switch series {
	case SeriesTrack:
		return buildTrack(samples)

	case SeriesAttitude:
		return buildTimeSeries("Attitude (degrees)", samples, []lineSpec{
			{"roll", color.RGBA{R: 220, A: 255}, func(s drivelog.Sample) *float64 { return s.RollDeg }},
			{"pitch", color.RGBA{G: 160, A: 255}, func(s drivelog.Sample) *float64 { return s.PitchDeg }},
			{"yaw", color.RGBA{B: 220, A: 255}, func(s drivelog.Sample) *float64 { return s.YawDeg }},
		})

	case SeriesSpeed:
		return buildTimeSeries("Ground speed (m/s)", samples, []lineSpec{
			{"speed", color.RGBA{B: 220, A: 255}, func(s drivelog.Sample) *float64 { return s.GroundSpeed }},
		})

	case SeriesBattery:
		return buildTimeSeries("Battery", samples, []lineSpec{
			{"voltage", color.RGBA{R: 220, A: 255}, func(s drivelog.Sample) *float64 { return s.Voltage }},
			{"remaining %", color.RGBA{G: 160, A: 255}, func(s drivelog.Sample) *float64 { return s.RemainingPercent }},
		})

	default:
		return nil, fmt.Errorf("unknown series: %s", series)
	}
}

type lineSpec struct {
	label string
	color color.RGBA
	pick  func(drivelog.Sample) *float64
}

func buildTimeSeries(title string, samples []drivelog.Sample, specs []lineSpec) (*Chart, error) {
	chart := Chart{
		Title: title,
		Start: samples[0].Timestamp,
		End:   samples[len(samples)-1].Timestamp,
	}

	for _, spec := range specs {
		line := Line{Label: spec.label, Color: spec.color}
		for _, sample := range samples {
			if v := spec.pick(sample); v != nil {
				line.Points = append(line.Points, ChartPoint{At: sample.Timestamp, Value: *v})
			}
		}
		if len(line.Points) > 0 {
			chart.Lines = append(chart.Lines, line)
		}
	}

	if len(chart.Lines) == 0 {
		return nil, fmt.Errorf("no %q data in the selected samples", title)
	}
	return &chart, nil
}

func buildTrack(samples []drivelog.Sample) (*Chart, error) {
	chart := Chart{
		Title: "Ground track",
		Start: samples[0].Timestamp,
		End:   samples[len(samples)-1].Timestamp,
	}

	for _, sample := range samples {
		if sample.Latitude == nil || sample.Longitude == nil {
			continue
		}
		if *sample.Latitude == 0 && *sample.Longitude == 0 {
			continue // no GPS fix yet
		}
		chart.Track = append(chart.Track, TrackPoint{
			Latitude:  *sample.Latitude,
			Longitude: *sample.Longitude,
		})
	}

	if len(chart.Track) < 2 {
		return nil, fmt.Errorf("not enough position samples for a track plot")
	}
	return &chart, nil
}
