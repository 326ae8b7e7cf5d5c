package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi      = 96.0
	fontSize = 12.0

	plotWidth  = 900
	plotHeight = 500

	tickMarkLength = 5

	// Border sizes in pixels
	topBorder    = 40
	leftBorder   = 80
	bottomBorder = 60
	rightBorder  = 40

	timeFormat = "15:04:05"
)

// ChartPoint is one value on a time-series line.
type ChartPoint struct {
	At    time.Time
	Value float64
}

// Line is one labelled polyline of a time-series chart.
type Line struct {
	Label  string
	Color  color.RGBA
	Points []ChartPoint
}

// TrackPoint is one position of a ground-track chart.
type TrackPoint struct {
	Latitude  float64
	Longitude float64
}

// Chart is the renderer input: either Lines (time series) or Track.
type Chart struct {
	Title string
	Start time.Time
	End   time.Time

	Lines []Line
	Track []TrackPoint
}

// ChartRenderer draws time-series and ground-track charts.
type ChartRenderer struct {
	context  *freetype.Context
	fontFace font.Face
}

// NewChartRenderer creates a renderer with the bundled Go Regular font.
func NewChartRenderer() (*ChartRenderer, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(fontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &ChartRenderer{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    fontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

// Render draws the chart onto a fresh white image.
func (r *ChartRenderer) Render(chart *Chart) (*image.RGBA, error) {
	fullWidth := plotWidth + leftBorder + rightBorder
	fullHeight := plotHeight + topBorder + bottomBorder
	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))

	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	r.context.SetClip(img.Bounds())
	r.context.SetDst(img)

	area := image.Rect(leftBorder, topBorder, leftBorder+plotWidth, topBorder+plotHeight)
	drawFrame(img, area)

	if err := r.drawTitle(img, chart); err != nil {
		return nil, fmt.Errorf("drawing title: %w", err)
	}

	if len(chart.Track) > 0 {
		if err := r.renderTrack(img, area, chart); err != nil {
			return nil, fmt.Errorf("drawing track: %w", err)
		}
		return img, nil
	}

	if err := r.renderTimeSeries(img, area, chart); err != nil {
		return nil, fmt.Errorf("drawing series: %w", err)
	}
	return img, nil
}

func (r *ChartRenderer) drawTitle(img *image.RGBA, chart *Chart) error {
	label := fmt.Sprintf("%s    %s - %s",
		chart.Title,
		chart.Start.Local().Format(time.DateTime),
		chart.End.Local().Format(timeFormat))

	metrics := r.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()

	pt := freetype.Pt(leftBorder, (topBorder+fontHeight)/2)
	_, err := r.context.DrawString(label, pt)
	return err
}

func (r *ChartRenderer) renderTimeSeries(img *image.RGBA, area image.Rectangle, chart *Chart) error {
	lo, hi := valueBounds(chart.Lines)
	start, end := chart.Start, chart.End
	span := end.Sub(start)
	if span <= 0 {
		span = time.Second
	}

	if err := r.drawValueScale(img, area, lo, hi); err != nil {
		return err
	}
	if err := r.drawTimeScale(img, area, start, span); err != nil {
		return err
	}

	toX := func(at time.Time) int {
		return area.Min.X + int(float64(at.Sub(start))/float64(span)*float64(area.Dx()))
	}
	toY := func(v float64) int {
		return area.Max.Y - int((v-lo)/(hi-lo)*float64(area.Dy()))
	}

	for _, line := range chart.Lines {
		for i := 1; i < len(line.Points); i++ {
			drawLine(img,
				toX(line.Points[i-1].At), toY(line.Points[i-1].Value),
				toX(line.Points[i].At), toY(line.Points[i].Value),
				line.Color)
		}
	}

	return r.drawLegend(img, area, chart.Lines)
}

func (r *ChartRenderer) renderTrack(img *image.RGBA, area image.Rectangle, chart *Chart) error {
	minLat, maxLat := chart.Track[0].Latitude, chart.Track[0].Latitude
	minLon, maxLon := chart.Track[0].Longitude, chart.Track[0].Longitude
	for _, p := range chart.Track {
		minLat = min(minLat, p.Latitude)
		maxLat = max(maxLat, p.Latitude)
		minLon = min(minLon, p.Longitude)
		maxLon = max(maxLon, p.Longitude)
	}

	// Meters per degree of longitude shrink with latitude; scale the
	// longitude axis so the track keeps its shape on screen.
	lonScale := math.Cos((minLat + maxLat) / 2 * math.Pi / 180)
	spanLat := maxLat - minLat
	spanLon := (maxLon - minLon) * lonScale
	span := max(spanLat, spanLon)
	if span == 0 {
		span = 1e-6
	}

	// Fit the square span into the plot area with a small inset.
	inset := 20
	size := min(area.Dx(), area.Dy()) - 2*inset
	originX := area.Min.X + (area.Dx()-size)/2
	originY := area.Min.Y + (area.Dy()-size)/2

	toX := func(p TrackPoint) int {
		return originX + int((p.Longitude-minLon)*lonScale/span*float64(size))
	}
	toY := func(p TrackPoint) int {
		return originY + size - int((p.Latitude-minLat)/span*float64(size))
	}

	trackColor := color.RGBA{B: 220, A: 255}
	for i := 1; i < len(chart.Track); i++ {
		drawLine(img,
			toX(chart.Track[i-1]), toY(chart.Track[i-1]),
			toX(chart.Track[i]), toY(chart.Track[i]),
			trackColor)
	}

	startPt := chart.Track[0]
	endPt := chart.Track[len(chart.Track)-1]
	drawMarker(img, toX(startPt), toY(startPt), color.RGBA{G: 160, A: 255})
	drawMarker(img, toX(endPt), toY(endPt), color.RGBA{R: 220, A: 255})

	label := fmt.Sprintf("start %0.6f,%0.6f    end %0.6f,%0.6f",
		startPt.Latitude, startPt.Longitude, endPt.Latitude, endPt.Longitude)

	metrics := r.fontFace.Metrics()
	textY := img.Bounds().Max.Y - (bottomBorder-metrics.Ascent.Round())/2
	pt := freetype.Pt(leftBorder, textY)
	_, err := r.context.DrawString(label, pt)
	return err
}

func (r *ChartRenderer) drawValueScale(img *image.RGBA, area image.Rectangle, lo, hi float64) error {
	step := niceStep(hi-lo, area.Dy()/60)
	start := math.Ceil(lo/step) * step

	metrics := r.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()

	for v := start; v <= hi; v += step {
		y := area.Max.Y - int((v-lo)/(hi-lo)*float64(area.Dy()))

		for x := area.Min.X - tickMarkLength; x < area.Min.X; x++ {
			img.Set(x, y, color.Black)
		}

		label := fmt.Sprintf("%0.1f", v)
		width := font.MeasureString(r.fontFace, label)
		pt := freetype.Pt(area.Min.X-tickMarkLength-width.Round()-4, y+fontHeight/2-metrics.Descent.Round())
		if _, err := r.context.DrawString(label, pt); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChartRenderer) drawTimeScale(img *image.RGBA, area image.Rectangle, start time.Time, span time.Duration) error {
	count := area.Dx() / 180
	if count < 2 {
		count = 2
	}
	step := span / time.Duration(count)

	metrics := r.fontFace.Metrics()
	textY := area.Max.Y + tickMarkLength + metrics.Ascent.Round() + 4

	for i := 0; i <= count; i++ {
		at := start.Add(step * time.Duration(i))
		x := area.Min.X + i*area.Dx()/count

		for y := area.Max.Y; y < area.Max.Y+tickMarkLength; y++ {
			img.Set(x, y, color.Black)
		}

		label := at.Local().Format(timeFormat)
		width := font.MeasureString(r.fontFace, label)
		pt := freetype.Pt(x-width.Round()/2, textY)
		if _, err := r.context.DrawString(label, pt); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChartRenderer) drawLegend(img *image.RGBA, area image.Rectangle, lines []Line) error {
	metrics := r.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()

	x := area.Min.X + 10
	y := area.Min.Y + 10
	for _, line := range lines {
		for sx := 0; sx < 20; sx++ {
			img.Set(x+sx, y+fontHeight/2, line.Color)
			img.Set(x+sx, y+fontHeight/2+1, line.Color)
		}

		pt := freetype.Pt(x+26, y+fontHeight-metrics.Descent.Round())
		if _, err := r.context.DrawString(line.Label, pt); err != nil {
			return err
		}
		y += fontHeight + 6
	}
	return nil
}

func valueBounds(lines []Line) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, line := range lines {
		for _, p := range line.Points {
			lo = min(lo, p.Value)
			hi = max(hi, p.Value)
		}
	}
	if lo == hi {
		lo, hi = lo-1, hi+1
	}

	// A little headroom keeps the lines off the frame.
	pad := (hi - lo) * 0.05
	return lo - pad, hi + pad
}

// niceStep picks a 1/2/5-series step producing roughly targetTicks labels.
func niceStep(span float64, targetTicks int) float64 {
	if targetTicks < 2 {
		targetTicks = 2
	}
	raw := span / float64(targetTicks)

	magnitude := math.Pow(10, math.Floor(math.Log10(raw)))
	for _, mult := range []float64{1, 2, 5, 10} {
		if step := magnitude * mult; step >= raw {
			return step
		}
	}
	return magnitude * 10
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawMarker(img *image.RGBA, x, y int, c color.RGBA) {
	for dy := -3; dy <= 3; dy++ {
		for dx := -3; dx <= 3; dx++ {
			if dx*dx+dy*dy <= 9 {
				img.Set(x+dx, y+dy, c)
			}
		}
	}
}

func drawFrame(img *image.RGBA, area image.Rectangle) {
	for x := area.Min.X; x <= area.Max.X; x++ {
		img.Set(x, area.Min.Y, color.Black)
		img.Set(x, area.Max.Y, color.Black)
	}
	for y := area.Min.Y; y <= area.Max.Y; y++ {
		img.Set(area.Min.X, y, color.Black)
		img.Set(area.Max.X, y, color.Black)
	}
}
