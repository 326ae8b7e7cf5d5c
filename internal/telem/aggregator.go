// Package telem converts decoded vehicle messages into typed snapshots
// and bounded chart history, and assembles the dashboard composite the
// outer layers read.
package telem

import (
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/rover-control/groundlink/internal/link"
	"github.com/rover-control/groundlink/internal/mav"
)

const (
	// DefaultHistoryWindow is the chart playback window.
	DefaultHistoryWindow = 300 * time.Second

	// MinHistoryWindow and MaxHistoryWindow bound the configurable window.
	MinHistoryWindow = 60 * time.Second
	MaxHistoryWindow = 3600 * time.Second

	// DefaultMaxPoints caps each history series.
	DefaultMaxPoints = 5000

	// DefaultStatusCapacity caps the status text FIFO.
	DefaultStatusCapacity = 100

	// dataStaleAfter is the update age past which the link no longer
	// counts as healthy even while connected.
	dataStaleAfter = 5 * time.Second
)

// Observer is invoked after each successful update of its signal class.
// Failures are isolated: a panicking observer is logged, never propagated.
type Observer func(Signal)

// WithLogger sets the logger for the aggregator.
func WithLogger(logger *slog.Logger) func(*Aggregator) {
	return func(a *Aggregator) {
		a.logger = logger.With(slog.String("component", "telem"))
	}
}

// WithHistoryWindow sets the playback window, clamped to
// [MinHistoryWindow, MaxHistoryWindow].
func WithHistoryWindow(window time.Duration) func(*Aggregator) {
	return func(a *Aggregator) {
		a.window = min(max(window, MinHistoryWindow), MaxHistoryWindow)
	}
}

// WithMaxPoints caps each history series to n points.
func WithMaxPoints(n int) func(*Aggregator) {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxPoints = n
		}
	}
}

// WithStatusCapacity caps the status text FIFO.
func WithStatusCapacity(n int) func(*Aggregator) {
	return func(a *Aggregator) {
		if n > 0 {
			a.statusCap = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) func(*Aggregator) {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator holds the current snapshot of every signal class plus the
// bounded history used for charting. Safe for concurrent use.
type Aggregator struct {
	logger *slog.Logger
	now    func() time.Time

	window    time.Duration
	maxPoints int
	statusCap int

	mu         sync.Mutex
	connected  bool
	lastUpdate time.Time

	attitude AttitudeSnapshot
	velocity VelocitySnapshot
	position PositionSnapshot
	battery  BatterySnapshot
	system   SystemStatusSnapshot
	rc       RcChannelsSnapshot
	servos   ServoOutputSnapshot
	ekf      EkfStatusSnapshot

	attitudeHist *series[AttitudeSample]
	velocityHist *series[VelocitySample]
	batteryHist  *series[BatterySample]
	statusMsgs   []StatusTextMessage

	observers map[Signal][]Observer
}

// New creates an Aggregator with neutral snapshots and a discard logger.
func New(options ...func(*Aggregator)) *Aggregator {
	a := Aggregator{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
		window:    DefaultHistoryWindow,
		maxPoints: DefaultMaxPoints,
		statusCap: DefaultStatusCapacity,
		observers: make(map[Signal][]Observer),
	}

	for _, option := range options {
		option(&a)
	}

	a.attitudeHist = newSeries[AttitudeSample](a.window, a.maxPoints)
	a.velocityHist = newSeries[VelocitySample](a.window, a.maxPoints)
	a.batteryHist = newSeries[BatterySample](a.window, a.maxPoints)

	a.battery.RemainingPercent = -1
	a.rc.Channels = neutralRCChannels()
	a.servos.Outputs = neutralServoOutputs()
	a.system.FlightMode = mav.RoverMode(0).String()

	return &a
}

// Bind subscribes the aggregator to every message type it decodes, plus
// connection-status edges.
func (a *Aggregator) Bind(lm *link.Manager) {
	for _, proto := range []message.Message{
		&ardupilotmega.MessageHeartbeat{},
		&ardupilotmega.MessageAttitude{},
		&ardupilotmega.MessageVfrHud{},
		&ardupilotmega.MessageGlobalPositionInt{},
		&ardupilotmega.MessageSysStatus{},
		&ardupilotmega.MessageBatteryStatus{},
		&ardupilotmega.MessageRcChannels{},
		&ardupilotmega.MessageServoOutputRaw{},
		&ardupilotmega.MessageGpsRawInt{},
		&ardupilotmega.MessageStatustext{},
		&ardupilotmega.MessageEkfStatusReport{},
	} {
		lm.Subscribe(proto, a.HandleMessage)
	}
	lm.SubscribeStatus(a.SetConnected)
}

// Observe registers an observer for one signal class.
func (a *Aggregator) Observe(signal Signal, fn Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers[signal] = append(a.observers[signal], fn)
}

// SetConnected records the link health used by Dashboard and Healthy.
func (a *Aggregator) SetConnected(connected bool) {
	a.mu.Lock()
	a.connected = connected
	a.mu.Unlock()

	a.notify(SignalConnection)
}

// HandleMessage decodes one message into its snapshot. Messages without a
// snapshot mapping are ignored.
func (a *Aggregator) HandleMessage(msg message.Message) {
	switch m := msg.(type) {
	case *ardupilotmega.MessageHeartbeat:
		a.handleHeartbeat(m)
	case *ardupilotmega.MessageAttitude:
		a.handleAttitude(m)
	case *ardupilotmega.MessageVfrHud:
		a.handleVfrHud(m)
	case *ardupilotmega.MessageGlobalPositionInt:
		a.handleGlobalPosition(m)
	case *ardupilotmega.MessageSysStatus:
		a.handleSysStatus(m)
	case *ardupilotmega.MessageBatteryStatus:
		a.handleBatteryStatus(m)
	case *ardupilotmega.MessageRcChannels:
		a.handleRCChannels(m)
	case *ardupilotmega.MessageServoOutputRaw:
		a.handleServoOutput(m)
	case *ardupilotmega.MessageGpsRawInt:
		a.handleGpsRaw(m)
	case *ardupilotmega.MessageStatustext:
		a.handleStatusText(m)
	case *ardupilotmega.MessageEkfStatusReport:
		a.handleEkfStatus(m)
	}
}

func (a *Aggregator) handleHeartbeat(m *ardupilotmega.MessageHeartbeat) {
	a.mu.Lock()
	now := a.now()
	a.system.Armed = m.BaseMode&ardupilotmega.MAV_MODE_FLAG_SAFETY_ARMED != 0
	a.system.FlightMode = mav.RoverMode(m.CustomMode).String()
	a.system.CapturedAt = now
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalSystem)
}

func (a *Aggregator) handleAttitude(m *ardupilotmega.MessageAttitude) {
	a.mu.Lock()
	now := a.now()
	a.attitude = AttitudeSnapshot{
		Roll:         float64(m.Roll),
		Pitch:        float64(m.Pitch),
		Yaw:          float64(m.Yaw),
		RollDegrees:  degrees(float64(m.Roll)),
		PitchDegrees: degrees(float64(m.Pitch)),
		YawDegrees:   degrees(float64(m.Yaw)),
		CapturedAt:   now,
	}
	a.attitudeHist.append(now, AttitudeSample{
		Roll:  a.attitude.RollDegrees,
		Pitch: a.attitude.PitchDegrees,
		Yaw:   a.attitude.YawDegrees,
	})
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalAttitude)
}

func (a *Aggregator) handleVfrHud(m *ardupilotmega.MessageVfrHud) {
	a.mu.Lock()
	now := a.now()
	a.velocity = VelocitySnapshot{
		GroundSpeed: float64(m.Groundspeed),
		AirSpeed:    float64(m.Airspeed),
		ClimbRate:   float64(m.Climb),
		Heading:     float64(m.Heading),
		CapturedAt:  now,
	}
	a.velocityHist.append(now, VelocitySample{
		GroundSpeed: a.velocity.GroundSpeed,
		Heading:     a.velocity.Heading,
	})
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalVelocity)
}

func (a *Aggregator) handleGlobalPosition(m *ardupilotmega.MessageGlobalPositionInt) {
	a.mu.Lock()
	now := a.now()
	a.position = PositionSnapshot{
		Latitude:         float64(m.Lat) / 1e7,
		Longitude:        float64(m.Lon) / 1e7,
		AltitudeMSL:      float64(m.Alt) / 1000,
		AltitudeRelative: float64(m.RelativeAlt) / 1000,
		CapturedAt:       now,
	}
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalPosition)
}

func (a *Aggregator) handleSysStatus(m *ardupilotmega.MessageSysStatus) {
	a.mu.Lock()
	now := a.now()
	if m.VoltageBattery != 65535 {
		a.battery.Voltage = float64(m.VoltageBattery) / 1000
	}
	if m.CurrentBattery != -1 {
		a.battery.Current = float64(m.CurrentBattery) / 100
	}
	if m.BatteryRemaining != -1 {
		a.battery.RemainingPercent = float64(m.BatteryRemaining)
	}
	a.battery.CapturedAt = now
	a.system.SystemLoadPercent = float64(m.Load) / 10
	a.system.CapturedAt = now
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalSystem)
}

// batteryReading carries decoded BATTERY_STATUS fields; nil means the
// wire carried a sentinel and there is no data.
type batteryReading struct {
	Voltage   *float64
	Current   *float64
	Remaining *float64
	Consumed  *float64
}

func decodeBattery(m *ardupilotmega.MessageBatteryStatus) batteryReading {
	var r batteryReading
	if m.Voltages[0] != 65535 {
		v := float64(m.Voltages[0]) / 1000
		r.Voltage = &v
	}
	if m.CurrentBattery != -1 {
		c := float64(m.CurrentBattery) / 100
		r.Current = &c
	}
	if m.BatteryRemaining != -1 {
		p := float64(m.BatteryRemaining)
		r.Remaining = &p
	}
	if m.CurrentConsumed != -1 {
		c := float64(m.CurrentConsumed)
		r.Consumed = &c
	}
	return r
}

func (a *Aggregator) handleBatteryStatus(m *ardupilotmega.MessageBatteryStatus) {
	r := decodeBattery(m)

	a.mu.Lock()
	now := a.now()
	if r.Voltage != nil {
		a.battery.Voltage = *r.Voltage
	}
	if r.Current != nil {
		a.battery.Current = *r.Current
	}
	if r.Remaining != nil {
		a.battery.RemainingPercent = *r.Remaining
	}
	if r.Consumed != nil {
		a.battery.ConsumedMah = *r.Consumed
	}
	a.battery.CapturedAt = now
	a.batteryHist.append(now, BatterySample{
		Voltage:          a.battery.Voltage,
		Current:          a.battery.Current,
		RemainingPercent: a.battery.RemainingPercent,
	})
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalBattery)
}

func (a *Aggregator) handleRCChannels(m *ardupilotmega.MessageRcChannels) {
	a.mu.Lock()
	now := a.now()
	a.rc = RcChannelsSnapshot{
		Channels: [18]uint16{
			m.Chan1Raw, m.Chan2Raw, m.Chan3Raw, m.Chan4Raw,
			m.Chan5Raw, m.Chan6Raw, m.Chan7Raw, m.Chan8Raw,
			m.Chan9Raw, m.Chan10Raw, m.Chan11Raw, m.Chan12Raw,
			m.Chan13Raw, m.Chan14Raw, m.Chan15Raw, m.Chan16Raw,
			m.Chan17Raw, m.Chan18Raw,
		},
		SignalStrength: int(m.Rssi),
		CapturedAt:     now,
	}
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalRCChannels)
}

func (a *Aggregator) handleServoOutput(m *ardupilotmega.MessageServoOutputRaw) {
	a.mu.Lock()
	now := a.now()
	a.servos = ServoOutputSnapshot{
		Outputs: [16]uint16{
			m.Servo1Raw, m.Servo2Raw, m.Servo3Raw, m.Servo4Raw,
			m.Servo5Raw, m.Servo6Raw, m.Servo7Raw, m.Servo8Raw,
			m.Servo9Raw, m.Servo10Raw, m.Servo11Raw, m.Servo12Raw,
			m.Servo13Raw, m.Servo14Raw, m.Servo15Raw, m.Servo16Raw,
		},
		CapturedAt: now,
	}
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalServoOutput)
}

func (a *Aggregator) handleGpsRaw(m *ardupilotmega.MessageGpsRawInt) {
	a.mu.Lock()
	now := a.now()
	a.system.GpsFixType = int(m.FixType)
	a.system.SatellitesVisible = int(m.SatellitesVisible)
	a.system.CapturedAt = now
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalGPS)
}

func (a *Aggregator) handleStatusText(m *ardupilotmega.MessageStatustext) {
	a.mu.Lock()
	now := a.now()
	a.statusMsgs = append(a.statusMsgs, StatusTextMessage{
		Severity:   int(m.Severity),
		Text:       strings.TrimRight(m.Text, "\x00 "),
		CapturedAt: now,
	})
	if over := len(a.statusMsgs) - a.statusCap; over > 0 {
		a.statusMsgs = append(a.statusMsgs[:0], a.statusMsgs[over:]...)
	}
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalStatusText)
}

func (a *Aggregator) handleEkfStatus(m *ardupilotmega.MessageEkfStatusReport) {
	a.mu.Lock()
	now := a.now()
	a.ekf = EkfStatusSnapshot{
		Flags:              uint16(m.Flags),
		VelocityVariance:   float64(m.VelocityVariance),
		PosHorizVariance:   float64(m.PosHorizVariance),
		PosVertVariance:    float64(m.PosVertVariance),
		CompassVariance:    float64(m.CompassVariance),
		TerrainAltVariance: float64(m.TerrainAltVariance),
		CapturedAt:         now,
	}
	a.lastUpdate = now
	a.mu.Unlock()

	a.notify(SignalEKF)
}

// Dashboard returns the composite of every current snapshot, or the
// offline composite while the link is down.
func (a *Aggregator) Dashboard() Dashboard {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.connected {
		return offlineDashboard(now)
	}

	return Dashboard{
		At:          now,
		Connected:   true,
		Attitude:    a.attitude,
		Velocity:    a.velocity,
		Position:    a.position,
		Battery:     a.battery,
		System:      a.system,
		RCChannels:  a.rc,
		ServoOutput: a.servos,
		EKF:         a.ekf,
	}
}

// System returns the current system status snapshot.
func (a *Aggregator) System() SystemStatusSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.system
}

// Position returns the current position snapshot.
func (a *Aggregator) Position() PositionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// Attitude returns the current attitude snapshot.
func (a *Aggregator) Attitude() AttitudeSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attitude
}

// Velocity returns the current velocity snapshot.
func (a *Aggregator) Velocity() VelocitySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.velocity
}

// Battery returns the current battery snapshot.
func (a *Aggregator) Battery() BatterySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery
}

// AttitudeHistory returns attitude points within the window, oldest
// first. A non-positive or oversized window means the full retention.
func (a *Aggregator) AttitudeHistory(window time.Duration) []Point[AttitudeSample] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attitudeHist.since(a.now(), window)
}

// VelocityHistory returns speed points within the window, oldest first.
func (a *Aggregator) VelocityHistory(window time.Duration) []Point[VelocitySample] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.velocityHist.since(a.now(), window)
}

// BatteryHistory returns battery points within the window, oldest first.
func (a *Aggregator) BatteryHistory(window time.Duration) []Point[BatterySample] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batteryHist.since(a.now(), window)
}

// StatusMessages returns up to count most recent status texts, oldest
// first. A non-positive count returns all retained messages.
func (a *Aggregator) StatusMessages(count int) []StatusTextMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	msgs := a.statusMsgs
	if count > 0 && len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return slices.Clone(msgs)
}

// Healthy reports whether the link is up and data arrived recently.
func (a *Aggregator) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.now().Sub(a.lastUpdate) < dataStaleAfter
}

// notify fires observers for one signal outside the aggregator lock so
// observers can safely read back from the aggregator.
func (a *Aggregator) notify(signal Signal) {
	a.mu.Lock()
	obs := slices.Clone(a.observers[signal])
	a.mu.Unlock()

	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("observer panicked",
						slog.String("signal", string(signal)),
						slog.Any("panic", r))
				}
			}()
			fn(signal)
		}()
	}
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
