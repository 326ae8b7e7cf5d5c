package control

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rover-control/groundlink/internal/mav"
)

type fakeCommander struct {
	mu        sync.Mutex
	connected bool
	sendErr   error

	frames   [][18]uint16
	modes    []mav.RoverMode
	commands []ardupilotmega.MAV_CMD
}

func (f *fakeCommander) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCommander) SendRCOverride(values [18]uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, values)
	return nil
}

func (f *fakeCommander) SendCommand(cmd ardupilotmega.MAV_CMD, params [7]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeCommander) SendMode(mode mav.RoverMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeCommander) sentFrames() [][18]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][18]uint16, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeCommander) lastFrame() [18]uint16 {
	frames := f.sentFrames()
	if len(frames) == 0 {
		return [18]uint16{}
	}
	return frames[len(frames)-1]
}

func newTestController(t *testing.T, cmd *fakeCommander, cfg Config) *Controller {
	t.Helper()
	c, err := New(cmd, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewValidation(t *testing.T) {
	cmd := &fakeCommander{connected: true}

	_, err := New(cmd, Config{Roles: ChannelRoles{Throttle: 3, Steering: 3}})
	require.Error(t, err)

	_, err = New(cmd, Config{Roles: ChannelRoles{Throttle: 19, Steering: 1}})
	require.Error(t, err)

	_, err = New(cmd, Config{Limits: Limits{MaxThrottle: 2100}})
	require.Error(t, err)

	c, err := New(cmd, Config{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, ChannelRoles{Throttle: 1, Steering: 2}, c.roles)
	assert.Equal(t, uint16(DefaultMaxOverride), c.limits.MaxThrottle)
}

func TestSetOverrideClamping(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{Roles: ChannelRoles{Throttle: 3, Steering: 1}})

	require.NoError(t, c.SetOverride(map[int]uint16{3: 2500}, 0))
	assert.Equal(t, uint16(1800), cmd.lastFrame()[2])

	require.NoError(t, c.SetOverride(map[int]uint16{3: 900}, 0))
	assert.Equal(t, uint16(1200), cmd.lastFrame()[2])

	// Non-role channels only get the generic protocol clamp.
	require.NoError(t, c.SetOverride(map[int]uint16{5: 2500}, 0))
	assert.Equal(t, uint16(2000), cmd.lastFrame()[4])

	require.NoError(t, c.SetOverride(map[int]uint16{5: 500}, 0))
	assert.Equal(t, uint16(1000), cmd.lastFrame()[4])
}

func TestSetOverrideMergesChannels(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 0))
	require.NoError(t, c.SetOverride(map[int]uint16{2: 1700}, 0))

	frame := cmd.lastFrame()
	assert.Equal(t, uint16(1600), frame[0])
	assert.Equal(t, uint16(1700), frame[1])
	assert.Equal(t, uint16(0), frame[2])

	status := c.Status()
	assert.True(t, status.Active)
	assert.Equal(t, map[int]uint16{1: 1600, 2: 1700}, status.Channels)
}

func TestSetOverrideRejections(t *testing.T) {
	cmd := &fakeCommander{}
	c := newTestController(t, cmd, Config{})

	assert.ErrorIs(t, c.SetOverride(nil, 0), ErrNoChannels)
	assert.ErrorIs(t, c.SetOverride(map[int]uint16{1: 1500}, 0), ErrNotConnected)

	cmd.mu.Lock()
	cmd.connected = true
	cmd.mu.Unlock()

	require.Error(t, c.SetOverride(map[int]uint16{19: 1500}, 0))
	assert.False(t, c.Status().Active)
}

func TestSafetyLimitsToggle(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	c.SetSafetyLimitsEnabled(false)
	require.NoError(t, c.SetOverride(map[int]uint16{1: 1950}, 0))
	assert.Equal(t, uint16(1950), cmd.lastFrame()[0])

	c.SetSafetyLimitsEnabled(true)
	require.NoError(t, c.SetOverride(map[int]uint16{1: 1950}, 0))
	assert.Equal(t, uint16(1800), cmd.lastFrame()[0])
}

func TestRefreshResendsActiveFrame(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{RefreshInterval: 20 * time.Millisecond, SafetyTimeout: time.Second})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 0))

	require.Eventually(t, func() bool {
		return len(cmd.sentFrames()) >= 3
	}, time.Second, 5*time.Millisecond)

	for _, frame := range cmd.sentFrames() {
		assert.Equal(t, uint16(1600), frame[0])
	}
	assert.True(t, c.Status().Active)
}

func TestSafetyDeadlineReleases(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{RefreshInterval: time.Hour})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 30*time.Millisecond))
	assert.True(t, c.Status().Active)

	require.Eventually(t, func() bool {
		return !c.Status().Active
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, [18]uint16{}, cmd.lastFrame())
	assert.Empty(t, c.Status().Channels)
}

func TestSafetyDeadlineResetBySupersedingCall(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{RefreshInterval: time.Hour})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 40*time.Millisecond))
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, c.SetOverride(map[int]uint16{1: 1650}, 40*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	// The second call moved the deadline; the override is still live.
	assert.True(t, c.Status().Active)
}

func TestSafetyDeadlineStaleTimerIgnored(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{RefreshInterval: time.Hour})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 20*time.Millisecond))

	// Hold the mutex across the fire instant so the expiry callback is
	// already running when the deadline is rearmed. Stop cannot cancel a
	// fired timer; the generation check must reject it instead.
	c.mu.Lock()
	time.Sleep(40 * time.Millisecond)
	c.resetSafetyLocked(time.Second)
	c.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	status := c.Status()
	assert.True(t, status.Active, "rearmed override released by a superseded timer")
	assert.Equal(t, map[int]uint16{1: 1600}, status.Channels)
}

func TestClearOverrideSelective(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600, 2: 1700}, 0))
	require.NoError(t, c.ClearOverride(2))

	frame := cmd.lastFrame()
	assert.Equal(t, uint16(1600), frame[0])
	assert.Equal(t, uint16(0), frame[1])
	assert.True(t, c.Status().Active)

	// Clearing the last channel settles to Idle.
	require.NoError(t, c.ClearOverride(1))
	assert.Equal(t, [18]uint16{}, cmd.lastFrame())
	assert.False(t, c.Status().Active)
}

func TestClearOverrideIdempotent(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 0))
	require.NoError(t, c.ClearOverride())
	assert.False(t, c.Status().Active)

	sent := len(cmd.sentFrames())
	require.NoError(t, c.ClearOverride())
	assert.Len(t, cmd.sentFrames(), sent, "idle clear should not send")
}

func TestClearOverrideSelectiveOnIdle(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	require.NoError(t, c.ClearOverride(3))
	assert.Empty(t, cmd.sentFrames(), "idle selective clear should not send")
}

func TestEmergencyStop(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 0))
	require.NoError(t, c.EmergencyStop())

	status := c.Status()
	assert.True(t, status.EmergencyStopActive)
	assert.False(t, status.Active)
	assert.Equal(t, [18]uint16{}, cmd.lastFrame())
	assert.Equal(t, []mav.RoverMode{mav.ModeHold}, cmd.modes)

	assert.ErrorIs(t, c.SetOverride(map[int]uint16{1: 1600}, 0), ErrEmergencyStop)

	c.ReleaseEmergencyStop()
	require.NoError(t, c.SetOverride(map[int]uint16{1: 1600}, 0))
	assert.True(t, c.Status().Active)
}

func TestEmergencyStopLatchesDespiteSendFailure(t *testing.T) {
	cmd := &fakeCommander{connected: true, sendErr: errors.New("radio gone")}
	c := newTestController(t, cmd, Config{})

	err := c.EmergencyStop()
	require.Error(t, err)
	assert.True(t, c.Status().EmergencyStopActive)
}

func TestArmAndSetMode(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{})

	require.NoError(t, c.Arm(true))
	require.NoError(t, c.Arm(false))
	assert.Equal(t, []ardupilotmega.MAV_CMD{
		ardupilotmega.MAV_CMD_COMPONENT_ARM_DISARM,
		ardupilotmega.MAV_CMD_COMPONENT_ARM_DISARM,
	}, cmd.commands)

	require.NoError(t, c.SetMode(mav.ModeAuto))
	assert.Equal(t, []mav.RoverMode{mav.ModeAuto}, cmd.modes)

	cmd.mu.Lock()
	cmd.connected = false
	cmd.mu.Unlock()
	assert.ErrorIs(t, c.Arm(true), ErrNotConnected)
	assert.ErrorIs(t, c.SetMode(mav.ModeHold), ErrNotConnected)
}

func TestPercentHelpers(t *testing.T) {
	cmd := &fakeCommander{connected: true}
	c := newTestController(t, cmd, Config{Roles: ChannelRoles{Throttle: 3, Steering: 1}})

	require.NoError(t, c.SetThrottlePercent(50))
	assert.Equal(t, uint16(1750), cmd.lastFrame()[2])

	// Full reverse maps to 1000 and the role clamp lifts it to 1200.
	require.NoError(t, c.SetThrottlePercent(-100))
	assert.Equal(t, uint16(1200), cmd.lastFrame()[2])

	require.NoError(t, c.SetMovement(0, 25))
	frame := cmd.lastFrame()
	assert.Equal(t, uint16(1500), frame[2])
	assert.Equal(t, uint16(1625), frame[0])
}
