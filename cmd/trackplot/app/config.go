package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

const (
	SeriesAttitude = "attitude"
	SeriesSpeed    = "speed"
	SeriesBattery  = "battery"
	SeriesTrack    = "track"
)

type Config struct {
	DBPath     string
	SessionID  int64
	Series     string
	OutputFile string
	Format     ImageFormat
	From       *time.Time
	To         *time.Time
	List       bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

var validSeries = map[string]struct{}{
	SeriesAttitude: {},
	SeriesSpeed:    {},
	SeriesBattery:  {},
	SeriesTrack:    {},
}

func NewConfig() *Config {
	return &Config{
		Format: ImagePNG,
		Series: SeriesTrack,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat, series, from, to string
	flag.StringVar(&c.DBPath, "db", "", "Path to the drive log database file")
	flag.Int64Var(&c.SessionID, "s", 1, "Session ID")
	flag.BoolVar(&c.List, "l", false, "List recorded sessions and exit")
	flag.StringVar(&series, "series", SeriesTrack, "What to plot. [track, attitude, speed, battery]")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.StringVar(&from, "from", "", "Plot samples from this time (RFC3339)")
	flag.StringVar(&to, "to", "", "Plot samples up to this time (RFC3339)")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)
	series = strings.ToLower(series)

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if !c.List && c.SessionID <= 0 {
		err = errors.New("session id is required")
	} else if !c.List && c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if _, ok := validSeries[series]; !ok {
		err = fmt.Errorf("invalid series: %s", series)
	}

	if err == nil && from != "" {
		var t time.Time
		if t, err = time.Parse(time.RFC3339, from); err == nil {
			c.From = &t
		}
	}
	if err == nil && to != "" {
		var t time.Time
		if t, err = time.Parse(time.RFC3339, to); err == nil {
			c.To = &t
		}
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Series = series
	c.Format = ImageFormat(imageFormat)
	if !c.List {
		c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	}
	return c, nil
}
