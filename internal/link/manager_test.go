package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rover-control/groundlink/internal/mav"
)

const testSystemID = 7

type inboundFrame struct {
	msg    message.Message
	sender mav.Sender
}

// fakeTransport is an in-memory mav.Transport. Inbound messages are
// injected through inject(); every outbound message is recorded.
type fakeTransport struct {
	mu        sync.Mutex
	hbErr     error
	inbox     chan inboundFrame
	closed    bool
	sent      []message.Message
	overrides int
	commands  int
	streams   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan inboundFrame, 64)}
}

func (f *fakeTransport) inject(msg message.Message) {
	f.inbox <- inboundFrame{msg: msg, sender: mav.Sender{SystemID: testSystemID, ComponentID: 1}}
}

func (f *fakeTransport) WaitHeartbeat(ctx context.Context, timeout time.Duration) (*ardupilotmega.MessageHeartbeat, mav.Sender, error) {
	f.mu.Lock()
	hbErr := f.hbErr
	f.mu.Unlock()
	if hbErr != nil {
		return nil, mav.Sender{}, hbErr
	}
	return &ardupilotmega.MessageHeartbeat{Type: ardupilotmega.MAV_TYPE_GROUND_ROVER},
		mav.Sender{SystemID: testSystemID, ComponentID: 1}, nil
}

func (f *fakeTransport) Receive() (message.Message, mav.Sender, bool) {
	select {
	case frame := <-f.inbox:
		return frame.msg, frame.sender, true
	default:
		return nil, mav.Sender{}, false
	}
}

func (f *fakeTransport) SendHeartbeat() error {
	return f.record(&ardupilotmega.MessageHeartbeat{})
}

func (f *fakeTransport) SendCommand(target mav.Sender, cmd ardupilotmega.MAV_CMD, params [7]float32) error {
	f.mu.Lock()
	f.commands++
	f.mu.Unlock()
	return f.record(&ardupilotmega.MessageCommandLong{Command: common.MAV_CMD(cmd)})
}

func (f *fakeTransport) SendRCOverride(target mav.Sender, values [18]uint16) error {
	f.mu.Lock()
	f.overrides++
	f.mu.Unlock()
	return f.record(&ardupilotmega.MessageRcChannelsOverride{})
}

func (f *fakeTransport) SendMode(system byte, customMode uint32) error {
	return f.record(&ardupilotmega.MessageSetMode{CustomMode: customMode})
}

func (f *fakeTransport) SendParam(target mav.Sender, name string, value float32) error {
	return f.record(&ardupilotmega.MessageParamSet{ParamId: name})
}

func (f *fakeTransport) SendStreamRequest(target mav.Sender, stream ardupilotmega.MAV_DATA_STREAM, rateHz uint16) error {
	f.mu.Lock()
	f.streams++
	f.mu.Unlock()
	return f.record(&ardupilotmega.MessageRequestDataStream{})
}

func (f *fakeTransport) record(msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return mav.ErrClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentCounts() (overrides, commands, streams int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrides, f.commands, f.streams
}

type fakeDialer struct {
	mu    sync.Mutex
	tr    *fakeTransport
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context) (mav.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// statusRecorder collects connection edges.
type statusRecorder struct {
	mu    sync.Mutex
	edges []bool
}

func (s *statusRecorder) record(connected bool) {
	s.mu.Lock()
	s.edges = append(s.edges, connected)
	s.mu.Unlock()
}

func (s *statusRecorder) all() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.edges))
	copy(out, s.edges)
	return out
}

func fastOptions() []func(*Manager) {
	return []func(*Manager){
		WithConnectTimeout(100 * time.Millisecond),
		WithReconnectDelay(20 * time.Millisecond),
		WithHealthInterval(10 * time.Millisecond),
		WithHeartbeatTimeout(40 * time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithStreamPacing(0),
	}
}

func TestConnectConfiguresStreams(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{tr: tr}

	var status statusRecorder
	m := New(dialer, append(fastOptions(), WithReconnectDelay(time.Hour))...)
	m.SubscribeStatus(status.record)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Connected())

	state := m.State()
	assert.Equal(t, Connected, state.Phase)
	assert.Equal(t, byte(testSystemID), state.Target.SystemID)

	_, commands, streams := tr.sentCounts()
	assert.Equal(t, len(dashboardRates), commands, "one SET_MESSAGE_INTERVAL per message")
	assert.Equal(t, len(legacyStreams), streams, "legacy fallback requests")

	assert.Equal(t, []bool{true}, status.all())

	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	tr := newFakeTransport()
	tr.hbErr = mav.ErrHeartbeatTimeout
	dialer := &fakeDialer{tr: tr}

	m := New(dialer, fastOptions()...)
	defer m.Disconnect()

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, Disconnected, m.State().Phase)

	// The backoff timer keeps retrying until the handshake succeeds.
	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 3
	}, time.Second, 5*time.Millisecond)

	tr.mu.Lock()
	tr.hbErr = nil
	tr.mu.Unlock()

	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)
}

func TestHeartbeatLossAndRecovery(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{tr: tr}

	var status statusRecorder
	m := New(dialer, append(fastOptions(), WithReconnectDelay(time.Hour))...)
	m.SubscribeStatus(status.record)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))

	// No heartbeats arrive; the watchdog flags the loss.
	require.Eventually(t, func() bool {
		return m.State().Phase == HeartbeatLost
	}, time.Second, 5*time.Millisecond)
	assert.False(t, m.Connected())

	// A fresh heartbeat recovers the link without redialing.
	tr.inject(&ardupilotmega.MessageHeartbeat{Type: ardupilotmega.MAV_TYPE_GROUND_ROVER})
	require.Eventually(t, m.Connected, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(status.all()) >= 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, status.all()[:3])
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectRejectedWhileHeartbeatLost(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{tr: tr}

	m := New(dialer, append(fastOptions(), WithReconnectDelay(time.Hour))...)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return m.State().Phase == HeartbeatLost
	}, time.Second, 5*time.Millisecond)

	// The transport and its loops are still running; a second Connect
	// must not dial again on top of them.
	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)
	assert.Equal(t, 1, dialer.dialCount())

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	assert.Equal(t, Disconnected, m.State().Phase)
}

func TestSubscribeDispatch(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{tr: tr}

	m := New(dialer, append(fastOptions(), WithReconnectDelay(time.Hour))...)
	defer m.Disconnect()

	received := make(chan float32, 1)
	m.Subscribe(&ardupilotmega.MessageAttitude{}, func(msg message.Message) {
		panic("faulty subscriber")
	})
	m.Subscribe(&ardupilotmega.MessageAttitude{}, func(msg message.Message) {
		received <- msg.(*ardupilotmega.MessageAttitude).Roll
	})

	require.NoError(t, m.Connect(context.Background()))

	tr.inject(&ardupilotmega.MessageAttitude{Roll: 0.25})

	select {
	case roll := <-received:
		assert.InDelta(t, 0.25, roll, 1e-6)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not invoked")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	m := New(&fakeDialer{tr: newFakeTransport()})

	assert.ErrorIs(t, m.SendRCOverride([18]uint16{}), ErrNotConnected)
	assert.ErrorIs(t, m.SendCommand(ardupilotmega.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{}), ErrNotConnected)
	assert.ErrorIs(t, m.SendMode(mav.ModeHold), ErrNotConnected)
}

func TestDisconnectJoinsAndNotifies(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{tr: tr}

	var status statusRecorder
	m := New(dialer, append(fastOptions(), WithReconnectDelay(time.Hour))...)
	m.SubscribeStatus(status.record)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.Equal(t, Disconnected, m.State().Phase)
	assert.Equal(t, []bool{true, false}, status.all())

	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	assert.True(t, closed)

	// A second Disconnect is a no-op.
	m.Disconnect()
	assert.Equal(t, []bool{true, false}, status.all())
}
