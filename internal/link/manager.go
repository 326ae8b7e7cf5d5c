// Package link owns the lifecycle of one MAVLink connection to one
// vehicle: handshake, heartbeat emission and loss detection, reconnect
// scheduling, post-connect stream configuration and message fan-out to
// subscribers.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/rover-control/groundlink/internal/mav"
)

var (
	// ErrNotConnected is returned from command sends while the link is down.
	ErrNotConnected = errors.New("link is not connected")

	// ErrAlreadyConnected is returned from Connect while a connection is
	// established or in progress.
	ErrAlreadyConnected = errors.New("link is already connected")
)

// Phase is the connection lifecycle state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	HeartbeatLost
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case HeartbeatLost:
		return "heartbeat-lost"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a point-in-time view of the connection.
type State struct {
	Phase         Phase
	Target        mav.Sender
	LastHeartbeat time.Time
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger.With(slog.String("component", "link"))
	}
}

// WithConnectTimeout bounds the wait for the first heartbeat after dial.
func WithConnectTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.connectTimeout = d
	}
}

// WithReconnectDelay sets the fixed backoff between reconnect attempts.
func WithReconnectDelay(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.reconnectDelay = d
	}
}

// WithHeartbeatTimeout sets the heartbeat age after which the link is
// considered lost.
func WithHeartbeatTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.heartbeatLoss = d
	}
}

// WithHealthInterval sets the heartbeat-and-watchdog tick period.
func WithHealthInterval(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.tickInterval = d
	}
}

// WithPollInterval sets the receive-loop idle sleep.
func WithPollInterval(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.pollIdle = d
	}
}

// WithStreamPacing sets the delay between consecutive rate-set commands.
func WithStreamPacing(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.streamPacing = d
	}
}

// WithOverridePriming enables the post-connect RC-override parameter
// setup. A negative vehicleTimeout leaves RC_OVERRIDE_TIME untouched.
func WithOverridePriming(vehicleTimeout float32) func(*Manager) {
	return func(m *Manager) {
		m.primeOverride = true
		m.overrideTime = vehicleTimeout
	}
}

// Manager supervises one vehicle link. All exported methods are safe for
// concurrent use; one Manager instance serves exactly one vehicle.
type Manager struct {
	dialer mav.Dialer
	logger *slog.Logger

	connectTimeout time.Duration
	reconnectDelay time.Duration
	tickInterval   time.Duration
	heartbeatLoss  time.Duration
	pollIdle       time.Duration
	streamPacing   time.Duration
	primeOverride  bool
	overrideTime   float32

	mu            sync.Mutex
	phase         Phase
	tr            mav.Transport
	target        mav.Sender
	lastHeartbeat time.Time
	configured    bool
	notified      bool
	rootCtx       context.Context
	cancel        context.CancelFunc
	reconnect     *time.Timer

	subs       map[uint32][]func(message.Message)
	statusSubs []func(bool)

	wg sync.WaitGroup
}

// New creates a Manager around the given dialer with a discard logger.
func New(dialer mav.Dialer, options ...func(*Manager)) *Manager {
	m := Manager{
		dialer:         dialer,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		connectTimeout: 8 * time.Second,
		reconnectDelay: 5 * time.Second,
		tickInterval:   time.Second,
		heartbeatLoss:  5 * time.Second,
		pollIdle:       10 * time.Millisecond,
		streamPacing:   10 * time.Millisecond,
		subs:           make(map[uint32][]func(message.Message)),
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// Subscribe registers fn for every received message with the same ID as
// proto. Registration is not synchronized with an in-flight dispatch and
// should happen before Connect.
func (m *Manager) Subscribe(proto message.Message, fn func(message.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := proto.GetID()
	m.subs[id] = append(m.subs[id], fn)
}

// SubscribeStatus registers fn for connected/disconnected edges.
func (m *Manager) SubscribeStatus(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusSubs = append(m.statusSubs, fn)
}

// Connect dials the vehicle and blocks until the first heartbeat or the
// handshake window elapses. On failure a reconnect attempt is scheduled
// and the error returned. ctx governs the whole link lifetime: reconnect
// attempts stop when it is cancelled.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	// HeartbeatLost counts as connected: the transport and its loops are
	// still up, a second dial would orphan them.
	if m.phase != Disconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.stopReconnectLocked()
	m.rootCtx = ctx
	m.phase = Connecting
	m.mu.Unlock()

	m.logger.Info("connecting")

	tr, err := m.dialer.Dial(ctx)
	if err != nil {
		m.failConnect()
		return fmt.Errorf("opening transport: %w", err)
	}

	hb, sender, err := tr.WaitHeartbeat(ctx, m.connectTimeout)
	if err != nil {
		_ = tr.Close()
		m.failConnect()
		return fmt.Errorf("waiting for first heartbeat: %w", err)
	}

	if hb.Type != ardupilotmega.MAV_TYPE_GROUND_ROVER {
		m.logger.Warn("connected system is not a rover", slog.Int("type", int(hb.Type)))
	}

	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.tr = tr
	m.target = sender
	m.phase = Connected
	m.lastHeartbeat = time.Now()
	m.configured = false
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("connected",
		slog.Int("system", int(sender.SystemID)),
		slog.Int("component", int(sender.ComponentID)))

	m.notifyStatus(true)

	m.wg.Add(2)
	go m.receiveLoop(runCtx, tr)
	go m.healthLoop(runCtx, tr)

	m.configureStreams(tr, sender)
	return nil
}

// Disconnect stops the receive loop and all timers, closes the transport
// and notifies status subscribers before returning. Safe to call more
// than once.
func (m *Manager) Disconnect() {
	m.teardown(true)
	m.logger.Info("disconnected")
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Phase: m.phase, Target: m.target, LastHeartbeat: m.lastHeartbeat}
}

// Connected reports whether the link is healthy. HeartbeatLost counts as
// disconnected for all consumers.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == Connected
}

// SendRCOverride sends one override frame to the connected vehicle.
func (m *Manager) SendRCOverride(values [18]uint16) error {
	tr, target, err := m.transport()
	if err != nil {
		return err
	}
	return tr.SendRCOverride(target, values)
}

// SendCommand sends a COMMAND_LONG to the connected vehicle.
func (m *Manager) SendCommand(cmd ardupilotmega.MAV_CMD, params [7]float32) error {
	tr, target, err := m.transport()
	if err != nil {
		return err
	}
	return tr.SendCommand(target, cmd, params)
}

// SendMode requests a rover custom mode change.
func (m *Manager) SendMode(mode mav.RoverMode) error {
	tr, target, err := m.transport()
	if err != nil {
		return err
	}
	return tr.SendMode(target.SystemID, uint32(mode))
}

func (m *Manager) transport() (mav.Transport, mav.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Connected || m.tr == nil {
		return nil, mav.Sender{}, ErrNotConnected
	}
	return m.tr, m.target, nil
}

func (m *Manager) failConnect() {
	m.mu.Lock()
	m.phase = Disconnected
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer unless one is already
// pending or the link lifetime context is gone.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnect != nil {
		return
	}
	if m.rootCtx == nil || m.rootCtx.Err() != nil {
		return
	}
	m.reconnect = time.AfterFunc(m.reconnectDelay, m.reconnectAttempt)
	m.logger.Info("reconnect scheduled", slog.Duration("in", m.reconnectDelay))
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) reconnectAttempt() {
	m.mu.Lock()
	m.reconnect = nil
	if m.phase == Connected {
		m.mu.Unlock()
		return // heartbeat came back before the timer fired
	}
	ctx := m.rootCtx
	m.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	m.teardown(false)

	m.logger.Info("reconnecting")
	if err := m.Connect(ctx); err != nil {
		m.logger.Warn("reconnect attempt failed", slog.String("error", err.Error()))
	}
}

// teardown stops background work, joins it, closes the transport and
// settles the phase to Disconnected.
func (m *Manager) teardown(notify bool) {
	m.mu.Lock()
	m.stopReconnectLocked()
	cancel := m.cancel
	m.cancel = nil
	tr := m.tr
	m.tr = nil
	m.phase = Disconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	if tr != nil {
		_ = tr.Close()
	}
	if notify {
		m.notifyStatus(false)
	}
}

func (m *Manager) receiveLoop(ctx context.Context, tr mav.Transport) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, sender, ok := tr.Receive()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.pollIdle):
			}
			continue
		}

		m.handleMessage(tr, msg, sender)
	}
}

func (m *Manager) handleMessage(tr mav.Transport, msg message.Message, sender mav.Sender) {
	if _, ok := msg.(*ardupilotmega.MessageHeartbeat); ok {
		m.handleHeartbeat(tr, sender)
	}

	m.mu.Lock()
	subs := slices.Clone(m.subs[msg.GetID()])
	m.mu.Unlock()

	for _, fn := range subs {
		m.dispatch(fn, msg)
	}
}

func (m *Manager) handleHeartbeat(tr mav.Transport, sender mav.Sender) {
	m.mu.Lock()
	if sender.SystemID != m.target.SystemID {
		m.mu.Unlock()
		return
	}

	m.lastHeartbeat = time.Now()
	recovered := m.phase == HeartbeatLost
	if recovered {
		m.phase = Connected
		m.stopReconnectLocked()
	}
	needsConfig := recovered && !m.configured
	target := m.target
	m.mu.Unlock()

	if recovered {
		m.logger.Info("heartbeat recovered")
		m.notifyStatus(true)
	}
	if needsConfig {
		m.configureStreams(tr, target)
	}
}

// dispatch isolates one subscriber: a panic is contained and logged, it
// never stops the receive loop or affects other subscribers.
func (m *Manager) dispatch(fn func(message.Message), msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked",
				slog.Uint64("messageID", uint64(msg.GetID())),
				slog.Any("panic", r))
		}
	}()
	fn(msg)
}

func (m *Manager) healthLoop(ctx context.Context, tr mav.Transport) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := tr.SendHeartbeat(); err != nil {
				m.logger.Warn("sending heartbeat", slog.String("error", err.Error()))
			}

			m.mu.Lock()
			age := time.Since(m.lastHeartbeat)
			lost := m.phase == Connected && age > m.heartbeatLoss
			if lost {
				m.phase = HeartbeatLost
			}
			m.mu.Unlock()

			if lost {
				m.logger.Warn("heartbeat lost", slog.Duration("age", age))
				m.notifyStatus(false)

				m.mu.Lock()
				m.scheduleReconnectLocked()
				m.mu.Unlock()
			}
		}
	}
}

func (m *Manager) notifyStatus(connected bool) {
	m.mu.Lock()
	if m.notified == connected {
		m.mu.Unlock()
		return
	}
	m.notified = connected
	subs := slices.Clone(m.statusSubs)
	m.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("status subscriber panicked", slog.Any("panic", r))
				}
			}()
			fn(connected)
		}()
	}
}
