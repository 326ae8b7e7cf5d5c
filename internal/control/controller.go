// Package control is the only write path to the vehicle: RC-channel
// override with safety clamps and watchdogs, mode switching, arm/disarm
// and the emergency-stop gate.
package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"

	"github.com/rover-control/groundlink/internal/mav"
	"github.com/rover-control/groundlink/internal/telem"
)

// Protocol pulse-width bounds for override values.
const (
	PulseMin     = 1000
	PulseMax     = 2000
	PulseNeutral = 1500
)

const (
	// DefaultSafetyTimeout clears an override not superseded by a new
	// SetOverride call in time.
	DefaultSafetyTimeout = 5 * time.Second

	// DefaultRefreshInterval re-sends the active override so the vehicle
	// side does not expire it.
	DefaultRefreshInterval = 500 * time.Millisecond

	// DefaultMaxOverride is the upper clamp for throttle and steering
	// overrides; the lower clamp mirrors it around the neutral point.
	DefaultMaxOverride = 1800
)

var (
	// ErrNotConnected is returned when a command is issued while the link
	// is down.
	ErrNotConnected = errors.New("vehicle link is not connected")

	// ErrEmergencyStop is returned from SetOverride while the
	// emergency-stop latch is engaged.
	ErrEmergencyStop = errors.New("emergency stop is active")

	// ErrNoChannels is returned from SetOverride with an empty map.
	ErrNoChannels = errors.New("no override channels given")
)

// Commander is the command-send surface the controller needs from the
// connection manager.
type Commander interface {
	Connected() bool
	SendRCOverride(values [18]uint16) error
	SendCommand(cmd ardupilotmega.MAV_CMD, params [7]float32) error
	SendMode(mode mav.RoverMode) error
}

// State is the override state machine position.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// ChannelRoles maps safety-relevant roles to RC channel numbers. The
// mapping is explicit configuration: a wrong positional assumption would
// silently clamp the wrong channel.
type ChannelRoles struct {
	Throttle int
	Steering int
}

// Limits holds the per-role override clamps. The lower bound for each
// role mirrors the upper one around neutral (3000-max).
type Limits struct {
	MaxThrottle uint16
	MaxSteering uint16
}

// Config parameterizes a Controller. Zero fields take defaults.
type Config struct {
	Roles           ChannelRoles
	Limits          Limits
	SafetyTimeout   time.Duration
	RefreshInterval time.Duration
}

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		c.logger = logger.With(slog.String("component", "control"))
	}
}

// WithTelemetry lets the controller read vehicle status (arming state)
// for diagnostics.
func WithTelemetry(agg *telem.Aggregator) func(*Controller) {
	return func(c *Controller) {
		c.telemetry = agg
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	Active              bool
	Channels            map[int]uint16
	EmergencyStopActive bool
	SafetyLimitsEnabled bool
	LastRefresh         time.Time
	SafetyDeadline      time.Time
}

// Controller drives one vehicle's actuation. Safe for concurrent use.
type Controller struct {
	cmd       Commander
	telemetry *telem.Aggregator
	logger    *slog.Logger

	roles           ChannelRoles
	limits          Limits
	safetyTimeout   time.Duration
	refreshInterval time.Duration

	mu            sync.Mutex
	state         State
	channels      map[int]uint16
	lastRefresh   time.Time
	deadline      time.Time
	estop         bool
	safetyEnabled bool
	safetyTimer   *time.Timer
	safetyGen     uint64
	refreshStop   chan struct{}

	wg sync.WaitGroup
}

// New validates the configuration and creates an idle controller.
func New(cmd Commander, cfg Config, options ...func(*Controller)) (*Controller, error) {
	if cfg.Roles.Throttle == 0 {
		cfg.Roles.Throttle = 1
	}
	if cfg.Roles.Steering == 0 {
		cfg.Roles.Steering = 2
	}
	if cfg.Roles.Throttle < 1 || cfg.Roles.Throttle > 18 {
		return nil, fmt.Errorf("throttle channel %d out of range [1,18]", cfg.Roles.Throttle)
	}
	if cfg.Roles.Steering < 1 || cfg.Roles.Steering > 18 {
		return nil, fmt.Errorf("steering channel %d out of range [1,18]", cfg.Roles.Steering)
	}
	if cfg.Roles.Throttle == cfg.Roles.Steering {
		return nil, fmt.Errorf("throttle and steering cannot share channel %d", cfg.Roles.Throttle)
	}

	if cfg.Limits.MaxThrottle == 0 {
		cfg.Limits.MaxThrottle = DefaultMaxOverride
	}
	if cfg.Limits.MaxSteering == 0 {
		cfg.Limits.MaxSteering = DefaultMaxOverride
	}
	if cfg.Limits.MaxThrottle < PulseNeutral || cfg.Limits.MaxThrottle > PulseMax {
		return nil, fmt.Errorf("throttle limit %d out of range [%d,%d]", cfg.Limits.MaxThrottle, PulseNeutral, PulseMax)
	}
	if cfg.Limits.MaxSteering < PulseNeutral || cfg.Limits.MaxSteering > PulseMax {
		return nil, fmt.Errorf("steering limit %d out of range [%d,%d]", cfg.Limits.MaxSteering, PulseNeutral, PulseMax)
	}

	if cfg.SafetyTimeout <= 0 {
		cfg.SafetyTimeout = DefaultSafetyTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	c := Controller{
		cmd:             cmd,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		roles:           cfg.Roles,
		limits:          cfg.Limits,
		safetyTimeout:   cfg.SafetyTimeout,
		refreshInterval: cfg.RefreshInterval,
		channels:        make(map[int]uint16),
		safetyEnabled:   true,
	}

	for _, option := range options {
		option(&c)
	}

	return &c, nil
}

// SetOverride clamps and merges the requested channels into the active
// map, sends one override frame and arms the refresh loop and safety
// deadline. A non-positive timeout uses the configured default.
func (c *Controller) SetOverride(channels map[int]uint16, timeout time.Duration) error {
	if len(channels) == 0 {
		return ErrNoChannels
	}
	if !c.cmd.Connected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	if c.estop {
		c.mu.Unlock()
		return ErrEmergencyStop
	}

	merged := maps.Clone(c.channels)
	for ch, value := range channels {
		if ch < 1 || ch > 18 {
			c.mu.Unlock()
			return fmt.Errorf("channel %d out of range [1,18]", ch)
		}
		merged[ch] = c.clampLocked(ch, int(value))
	}
	frame := overrideFrame(merged)
	c.mu.Unlock()

	if c.telemetry != nil && !c.telemetry.System().Armed {
		c.logger.Debug("override while disarmed")
	}

	if err := c.cmd.SendRCOverride(frame); err != nil {
		c.logger.Warn("sending override", slog.String("error", err.Error()))
		return fmt.Errorf("sending override: %w", err)
	}

	c.mu.Lock()
	if c.estop {
		// The latch engaged while the frame was in flight; do not go Active.
		c.mu.Unlock()
		return ErrEmergencyStop
	}
	c.channels = merged
	wasIdle := c.state == Idle
	c.state = Active
	c.lastRefresh = time.Now()
	if timeout <= 0 {
		timeout = c.safetyTimeout
	}
	c.resetSafetyLocked(timeout)
	if wasIdle {
		c.startRefreshLocked()
	}
	c.mu.Unlock()

	return nil
}

// ClearOverride releases the named channels, or all of them when called
// without arguments. Clearing an already-idle controller is a no-op.
func (c *Controller) ClearOverride(channels ...int) error {
	c.mu.Lock()

	if len(channels) == 0 {
		if c.state == Idle && len(c.channels) == 0 {
			c.mu.Unlock()
			return nil
		}
		c.idleLocked()
		c.mu.Unlock()
		return c.sendClear([18]uint16{})
	}

	if c.state == Idle && len(c.channels) == 0 {
		c.mu.Unlock()
		return nil
	}
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	frame := overrideFrame(c.channels) // released channels become 0
	if len(c.channels) == 0 {
		c.idleLocked()
	}
	c.mu.Unlock()

	return c.sendClear(frame)
}

func (c *Controller) sendClear(frame [18]uint16) error {
	if err := c.cmd.SendRCOverride(frame); err != nil {
		c.logger.Warn("sending override clear", slog.String("error", err.Error()))
		return fmt.Errorf("sending override clear: %w", err)
	}
	return nil
}

// EmergencyStop latches the stop gate, releases every override and
// forces the vehicle into HOLD. The latch engages even when the sends
// fail; the error reports what could not be delivered.
func (c *Controller) EmergencyStop() error {
	c.mu.Lock()
	c.estop = true
	c.idleLocked()
	c.mu.Unlock()

	c.logger.Warn("emergency stop engaged")

	var errs []error
	if err := c.cmd.SendRCOverride([18]uint16{}); err != nil {
		errs = append(errs, fmt.Errorf("clearing overrides: %w", err))
	}
	if err := c.cmd.SendMode(mav.ModeHold); err != nil {
		errs = append(errs, fmt.Errorf("forcing HOLD mode: %w", err))
	}
	return errors.Join(errs...)
}

// ReleaseEmergencyStop clears the latch. It does not resume any prior
// override.
func (c *Controller) ReleaseEmergencyStop() {
	c.mu.Lock()
	c.estop = false
	c.mu.Unlock()

	c.logger.Info("emergency stop released")
}

// SetMode requests a flight-mode change. One-shot: accept/reject is
// known at send time only.
func (c *Controller) SetMode(mode mav.RoverMode) error {
	if !c.cmd.Connected() {
		return ErrNotConnected
	}
	if err := c.cmd.SendMode(mode); err != nil {
		return fmt.Errorf("setting mode %s: %w", mode, err)
	}
	c.logger.Info("mode change requested", slog.String("mode", mode.String()))
	return nil
}

// Arm arms or disarms the vehicle.
func (c *Controller) Arm(arm bool) error {
	if !c.cmd.Connected() {
		return ErrNotConnected
	}

	var param float32
	if arm {
		param = 1
	}
	if err := c.cmd.SendCommand(ardupilotmega.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{param}); err != nil {
		return fmt.Errorf("sending arm command: %w", err)
	}
	c.logger.Info("arm command sent", slog.Bool("arm", arm))
	return nil
}

// SetThrottlePercent overrides the throttle channel with a percentage in
// [-100,100] mapped around the neutral pulse width.
func (c *Controller) SetThrottlePercent(percent float64) error {
	return c.SetOverride(map[int]uint16{c.roles.Throttle: percentToPulse(percent)}, 0)
}

// SetSteeringPercent overrides the steering channel with a percentage in
// [-100,100].
func (c *Controller) SetSteeringPercent(percent float64) error {
	return c.SetOverride(map[int]uint16{c.roles.Steering: percentToPulse(percent)}, 0)
}

// SetMovement overrides throttle and steering together.
func (c *Controller) SetMovement(throttlePercent, steeringPercent float64) error {
	return c.SetOverride(map[int]uint16{
		c.roles.Throttle: percentToPulse(throttlePercent),
		c.roles.Steering: percentToPulse(steeringPercent),
	}, 0)
}

// SetSafetyLimitsEnabled toggles the throttle/steering clamps. The
// generic [PulseMin,PulseMax] bound always applies.
func (c *Controller) SetSafetyLimitsEnabled(enabled bool) {
	c.mu.Lock()
	c.safetyEnabled = enabled
	c.mu.Unlock()

	c.logger.Info("safety limits toggled", slog.Bool("enabled", enabled))
}

// Status returns a copy of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:              c.state == Active,
		Channels:            maps.Clone(c.channels),
		EmergencyStopActive: c.estop,
		SafetyLimitsEnabled: c.safetyEnabled,
		LastRefresh:         c.lastRefresh,
		SafetyDeadline:      c.deadline,
	}
}

// Close settles the controller into Idle and joins background work. It
// does not send anything.
func (c *Controller) Close() {
	c.mu.Lock()
	c.idleLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// idleLocked moves to Idle, empties the channel map and disarms both
// timers. Idempotent; callers hold the mutex.
func (c *Controller) idleLocked() {
	c.state = Idle
	clear(c.channels)
	if c.safetyTimer != nil {
		c.safetyTimer.Stop()
		c.safetyTimer = nil
	}
	if c.refreshStop != nil {
		close(c.refreshStop)
		c.refreshStop = nil
	}
}

func (c *Controller) clampLocked(ch, value int) uint16 {
	if c.safetyEnabled {
		switch ch {
		case c.roles.Throttle:
			value = clampInt(value, 3000-int(c.limits.MaxThrottle), int(c.limits.MaxThrottle))
		case c.roles.Steering:
			value = clampInt(value, 3000-int(c.limits.MaxSteering), int(c.limits.MaxSteering))
		}
	}
	return uint16(clampInt(value, PulseMin, PulseMax))
}

func (c *Controller) resetSafetyLocked(timeout time.Duration) {
	if c.safetyTimer != nil {
		// Stop is best-effort: an already-fired callback may be waiting on
		// the mutex right now. The generation bump invalidates it.
		c.safetyTimer.Stop()
	}
	c.safetyGen++
	gen := c.safetyGen
	c.safetyTimer = time.AfterFunc(timeout, func() { c.safetyExpired(gen) })
	c.deadline = time.Now().Add(timeout)
}

// safetyExpired fires when no SetOverride call superseded the deadline:
// the caller went away, release the vehicle.
func (c *Controller) safetyExpired(gen uint64) {
	c.mu.Lock()
	if c.state != Active || gen != c.safetyGen {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("override safety deadline expired, releasing")
	c.idleLocked()
	c.mu.Unlock()

	if err := c.cmd.SendRCOverride([18]uint16{}); err != nil {
		c.logger.Warn("sending expiry clear", slog.String("error", err.Error()))
	}
}

func (c *Controller) startRefreshLocked() {
	stop := make(chan struct{})
	c.refreshStop = stop

	c.wg.Add(1)
	go c.refreshLoop(stop)
}

// refreshLoop re-sends the active map unchanged so the vehicle-side
// override does not expire. A failed resend settles the controller into
// Idle instead of retrying indefinitely.
func (c *Controller) refreshLoop(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			c.mu.Lock()
			if c.state != Active {
				c.mu.Unlock()
				return
			}
			frame := overrideFrame(c.channels)
			c.mu.Unlock()

			if err := c.cmd.SendRCOverride(frame); err != nil {
				c.logger.Warn("override refresh failed, releasing", slog.String("error", err.Error()))

				c.mu.Lock()
				c.idleLocked()
				c.mu.Unlock()
				return
			}

			c.mu.Lock()
			c.lastRefresh = time.Now()
			c.mu.Unlock()
		}
	}
}

// overrideFrame renders the channel map as a wire frame: mapped channels
// carry their pulse width, everything else 0 (released).
func overrideFrame(channels map[int]uint16) [18]uint16 {
	var frame [18]uint16
	for ch, value := range channels {
		frame[ch-1] = value
	}
	return frame
}

func percentToPulse(percent float64) uint16 {
	percent = min(max(percent, -100), 100)
	return uint16(PulseNeutral + int(percent*5))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
