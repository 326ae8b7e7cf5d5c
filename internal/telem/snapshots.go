package telem

import "time"

// NeutralPulseWidth is the value RC channels and servo outputs report
// until a first real reading arrives.
const NeutralPulseWidth = 1500

// Signal identifies one telemetry signal class for observers and history
// queries.
type Signal string

const (
	SignalAttitude    Signal = "attitude"
	SignalVelocity    Signal = "velocity"
	SignalPosition    Signal = "position"
	SignalBattery     Signal = "battery"
	SignalSystem      Signal = "system"
	SignalRCChannels  Signal = "rc_channels"
	SignalServoOutput Signal = "servo_output"
	SignalGPS         Signal = "gps"
	SignalEKF         Signal = "ekf"
	SignalStatusText  Signal = "status_text"
	SignalConnection  Signal = "connection"
)

// AttitudeSnapshot is the latest vehicle attitude. Degrees are derived
// from the radian values on every update.
type AttitudeSnapshot struct {
	Roll  float64 // radians
	Pitch float64
	Yaw   float64

	RollDegrees  float64
	PitchDegrees float64
	YawDegrees   float64

	CapturedAt time.Time
}

// VelocitySnapshot is the latest speed and heading reading.
type VelocitySnapshot struct {
	GroundSpeed float64 // m/s
	AirSpeed    float64 // m/s
	ClimbRate   float64 // m/s
	Heading     float64 // degrees [0,360)

	CapturedAt time.Time
}

// PositionSnapshot is the latest global position.
type PositionSnapshot struct {
	Latitude         float64 // degrees
	Longitude        float64 // degrees
	AltitudeMSL      float64 // meters
	AltitudeRelative float64 // meters

	CapturedAt time.Time
}

// BatterySnapshot is the latest battery reading. RemainingPercent is -1
// until the vehicle reports a real value; wire sentinels (65535 mV,
// -1 cA/%/mAh) never overwrite a previously known field.
type BatterySnapshot struct {
	Voltage          float64 // volts
	Current          float64 // amps
	RemainingPercent float64 // [-1,100], -1 unknown
	ConsumedMah      float64

	CapturedAt time.Time
}

// SystemStatusSnapshot is the latest arming, mode and GPS summary.
type SystemStatusSnapshot struct {
	Armed             bool
	FlightMode        string // named rover mode, UNKNOWN(code) or OFFLINE
	GpsFixType        int
	SatellitesVisible int
	SystemLoadPercent float64

	CapturedAt time.Time
}

// RcChannelsSnapshot is the latest raw receiver channel reading.
type RcChannelsSnapshot struct {
	Channels       [18]uint16 // pulse widths, NeutralPulseWidth until first reading
	SignalStrength int

	CapturedAt time.Time
}

// ServoOutputSnapshot is the latest servo output reading.
type ServoOutputSnapshot struct {
	Outputs [16]uint16 // pulse widths, NeutralPulseWidth until first reading

	CapturedAt time.Time
}

// EkfStatusSnapshot is the latest estimator health report.
type EkfStatusSnapshot struct {
	Flags              uint16
	VelocityVariance   float64
	PosHorizVariance   float64
	PosVertVariance    float64
	CompassVariance    float64
	TerrainAltVariance float64

	CapturedAt time.Time
}

// StatusTextMessage is one decoded vehicle status text.
type StatusTextMessage struct {
	Severity   int
	Text       string
	CapturedAt time.Time
}

// AttitudeSample is one attitude history point, in degrees.
type AttitudeSample struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

// VelocitySample is one speed history point.
type VelocitySample struct {
	GroundSpeed float64
	Heading     float64
}

// BatterySample is one battery history point.
type BatterySample struct {
	Voltage          float64
	Current          float64
	RemainingPercent float64
}

// Dashboard is a consistent point-in-time composite of every current
// snapshot. When the link is down, Offline is set and every field holds
// its neutral default instead of stale values.
type Dashboard struct {
	At        time.Time
	Connected bool
	Offline   bool

	Attitude    AttitudeSnapshot
	Velocity    VelocitySnapshot
	Position    PositionSnapshot
	Battery     BatterySnapshot
	System      SystemStatusSnapshot
	RCChannels  RcChannelsSnapshot
	ServoOutput ServoOutputSnapshot
	EKF         EkfStatusSnapshot
}

func neutralRCChannels() [18]uint16 {
	var channels [18]uint16
	for i := range channels {
		channels[i] = NeutralPulseWidth
	}
	return channels
}

func neutralServoOutputs() [16]uint16 {
	var outputs [16]uint16
	for i := range outputs {
		outputs[i] = NeutralPulseWidth
	}
	return outputs
}

func offlineDashboard(at time.Time) Dashboard {
	return Dashboard{
		At:      at,
		Offline: true,
		System: SystemStatusSnapshot{
			FlightMode: "OFFLINE",
		},
		RCChannels: RcChannelsSnapshot{
			Channels: neutralRCChannels(),
		},
		ServoOutput: ServoOutputSnapshot{
			Outputs: neutralServoOutputs(),
		},
	}
}
