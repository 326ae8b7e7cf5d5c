package drivelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rover-control/groundlink/internal/telem"
)

const (
	// DefaultSampleInterval is the recorder sampling cadence.
	DefaultSampleInterval = time.Second

	// defaultFlushBatch is how many samples accumulate before a write.
	defaultFlushBatch = 16
)

// WithRecorderLogger sets the logger for the recorder.
func WithRecorderLogger(logger *slog.Logger) func(*Recorder) {
	return func(r *Recorder) {
		r.logger = logger.With(slog.String("component", "drivelog"))
	}
}

// WithSampleInterval sets the sampling cadence.
func WithSampleInterval(d time.Duration) func(*Recorder) {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithFlushBatch sets how many samples accumulate before a write.
func WithFlushBatch(n int) func(*Recorder) {
	return func(r *Recorder) {
		if n > 0 {
			r.flushBatch = n
		}
	}
}

// Recorder samples live telemetry into the store on a fixed cadence.
// Ticks with no telemetry change since the previous one write nothing, so
// an idle or disconnected vehicle does not fill the database.
type Recorder struct {
	store  *Store
	agg    *telem.Aggregator
	logger *slog.Logger

	interval   time.Duration
	flushBatch int

	mu        sync.Mutex
	dirty     bool
	sessionID int64
	batch     []Sample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder persisting samples from agg into store.
func NewRecorder(store *Store, agg *telem.Aggregator, options ...func(*Recorder)) *Recorder {
	r := Recorder{
		store:      store,
		agg:        agg,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval:   DefaultSampleInterval,
		flushBatch: defaultFlushBatch,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Start creates a session row, hooks into the telemetry signals and
// begins sampling. Call once per Recorder.
func (r *Recorder) Start(ctx context.Context, endpoint string) error {
	sessionID, err := r.store.CreateSession(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.mu.Unlock()

	for _, signal := range []telem.Signal{
		telem.SignalAttitude,
		telem.SignalVelocity,
		telem.SignalBattery,
		telem.SignalPosition,
	} {
		r.agg.Observe(signal, r.markDirty)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(runCtx)

	r.logger.Info("recording started", slog.Int64("session", sessionID))
	return nil
}

// Close stops sampling, flushes whatever is buffered and returns the
// flush error if any. The store itself is left open.
func (r *Recorder) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	return r.flush(context.Background())
}

func (r *Recorder) markDirty(telem.Signal) {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			r.mu.Lock()
			changed := r.dirty
			r.dirty = false
			r.mu.Unlock()

			if !changed {
				continue
			}

			sample := r.takeSample()

			r.mu.Lock()
			r.batch = append(r.batch, sample)
			full := len(r.batch) >= r.flushBatch
			r.mu.Unlock()

			if full {
				if err := r.flush(ctx); err != nil {
					r.logger.Error("flushing samples", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// takeSample captures the current snapshots. Snapshot groups that never
// received a reading stay nil and store as NULL.
func (r *Recorder) takeSample() Sample {
	sample := Sample{Timestamp: time.Now()}

	if att := r.agg.Attitude(); !att.CapturedAt.IsZero() {
		sample.RollDeg = ptr(att.RollDegrees)
		sample.PitchDeg = ptr(att.PitchDegrees)
		sample.YawDeg = ptr(att.YawDegrees)
	}
	if vel := r.agg.Velocity(); !vel.CapturedAt.IsZero() {
		sample.GroundSpeed = ptr(vel.GroundSpeed)
		sample.Heading = ptr(vel.Heading)
	}
	if bat := r.agg.Battery(); !bat.CapturedAt.IsZero() {
		sample.Voltage = ptr(bat.Voltage)
		sample.Current = ptr(bat.Current)
		if bat.RemainingPercent >= 0 {
			sample.RemainingPercent = ptr(bat.RemainingPercent)
		}
	}
	if pos := r.agg.Position(); !pos.CapturedAt.IsZero() {
		sample.Latitude = ptr(pos.Latitude)
		sample.Longitude = ptr(pos.Longitude)
	}

	return sample
}

func (r *Recorder) flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.batch
	r.batch = nil
	sessionID := r.sessionID
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return r.store.StoreSamples(ctx, sessionID, batch)
}

func ptr(v float64) *float64 {
	return &v
}
