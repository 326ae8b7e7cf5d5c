// Package mav wraps the MAVLink codec/transport library behind the narrow
// boundary the link manager needs: open a channel to one vehicle, poll
// decoded messages, and send the handful of command frames the ground
// station uses.
package mav

import (
	"context"
	"errors"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

var (
	// ErrHeartbeatTimeout is returned when no heartbeat arrives within the
	// connect handshake window.
	ErrHeartbeatTimeout = errors.New("timed out waiting for heartbeat")

	// ErrClosed is returned from operations on a closed transport.
	ErrClosed = errors.New("transport is closed")
)

// Sender identifies the MAVLink system/component a frame originated from.
type Sender struct {
	SystemID    byte
	ComponentID byte
}

// Endpoint describes how to reach the vehicle. Address is either a serial
// device path (optionally with Baud) or a "udp://host:port" /
// "tcp://host:port" URL.
type Endpoint struct {
	Address string
	Baud    int
}

// Transport is one open channel to one vehicle, exchanging already-decoded
// dialect messages. Implementations must be safe for concurrent use.
type Transport interface {
	// WaitHeartbeat blocks until the first heartbeat arrives, the timeout
	// elapses (ErrHeartbeatTimeout) or ctx is cancelled.
	WaitHeartbeat(ctx context.Context, timeout time.Duration) (*ardupilotmega.MessageHeartbeat, Sender, error)

	// Receive polls for the next decoded message without blocking. The
	// second return is false when nothing is pending.
	Receive() (message.Message, Sender, bool)

	// SendHeartbeat emits one ground-station heartbeat.
	SendHeartbeat() error

	// SendCommand sends a COMMAND_LONG with up to seven parameters.
	SendCommand(target Sender, cmd ardupilotmega.MAV_CMD, params [7]float32) error

	// SendRCOverride sends one RC_CHANNELS_OVERRIDE frame. Values follow
	// the protocol convention: 0 releases a channel, 65535 leaves it
	// untouched, anything else is a pulse width in microseconds.
	SendRCOverride(target Sender, values [18]uint16) error

	// SendMode requests a custom flight mode change.
	SendMode(system byte, customMode uint32) error

	// SendParam sets a named float parameter on the vehicle.
	SendParam(target Sender, name string, value float32) error

	// SendStreamRequest issues a legacy REQUEST_DATA_STREAM.
	SendStreamRequest(target Sender, stream ardupilotmega.MAV_DATA_STREAM, rateHz uint16) error

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Dialer opens a Transport. The link manager re-dials through the same
// Dialer on every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
