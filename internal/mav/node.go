package mav

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

const (
	// DefaultSystemID is the conventional ground-control-station system id.
	DefaultSystemID = 255

	defaultBaud = 57600
)

// NodeDialer opens gomavlib-backed transports for a single endpoint.
type NodeDialer struct {
	Endpoint    Endpoint
	SystemID    byte
	ComponentID byte
}

// Dial opens the endpoint and returns a Transport wrapping a running
// gomavlib node. The node's own heartbeat emission is disabled; the link
// manager owns heartbeats.
func (d *NodeDialer) Dial(_ context.Context) (Transport, error) {
	endpoint, err := endpointConf(d.Endpoint)
	if err != nil {
		return nil, err
	}

	systemID := d.SystemID
	if systemID == 0 {
		systemID = DefaultSystemID
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:        []gomavlib.EndpointConf{endpoint},
		Dialect:          ardupilotmega.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      systemID,
		OutComponentID:   d.ComponentID,
		HeartbeatDisable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening endpoint %s: %w", d.Endpoint.Address, err)
	}

	return &nodeTransport{
		node:     node,
		systemID: systemID,
	}, nil
}

func endpointConf(e Endpoint) (gomavlib.EndpointConf, error) {
	switch {
	case e.Address == "":
		return nil, fmt.Errorf("endpoint address is required")

	case strings.HasPrefix(e.Address, "udp://"):
		return gomavlib.EndpointUDPClient{Address: strings.TrimPrefix(e.Address, "udp://")}, nil

	case strings.HasPrefix(e.Address, "tcp://"):
		return gomavlib.EndpointTCPClient{Address: strings.TrimPrefix(e.Address, "tcp://")}, nil

	default:
		baud := e.Baud
		if baud <= 0 {
			baud = defaultBaud
		}
		return gomavlib.EndpointSerial{Device: e.Address, Baud: baud}, nil
	}
}

type nodeTransport struct {
	node     *gomavlib.Node
	systemID byte

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (t *nodeTransport) WaitHeartbeat(ctx context.Context, timeout time.Duration) (*ardupilotmega.MessageHeartbeat, Sender, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, Sender{}, ctx.Err()

		case <-deadline.C:
			return nil, Sender{}, ErrHeartbeatTimeout

		case evt, ok := <-t.node.Events():
			if !ok {
				return nil, Sender{}, ErrClosed
			}
			frame, ok := evt.(*gomavlib.EventFrame)
			if !ok {
				continue
			}
			if hb, ok := frame.Message().(*ardupilotmega.MessageHeartbeat); ok {
				return hb, Sender{SystemID: frame.SystemID(), ComponentID: frame.ComponentID()}, nil
			}
		}
	}
}

func (t *nodeTransport) Receive() (message.Message, Sender, bool) {
	for {
		select {
		case evt, ok := <-t.node.Events():
			if !ok {
				return nil, Sender{}, false
			}
			frame, ok := evt.(*gomavlib.EventFrame)
			if !ok {
				continue // channel open/close events are not messages
			}
			return frame.Message(), Sender{SystemID: frame.SystemID(), ComponentID: frame.ComponentID()}, true

		default:
			return nil, Sender{}, false
		}
	}
}

func (t *nodeTransport) SendHeartbeat() error {
	return t.write(&ardupilotmega.MessageHeartbeat{
		Type:      ardupilotmega.MAV_TYPE_GCS,
		Autopilot: ardupilotmega.MAV_AUTOPILOT_INVALID,
	})
}

func (t *nodeTransport) SendCommand(target Sender, cmd ardupilotmega.MAV_CMD, params [7]float32) error {
	return t.write(&ardupilotmega.MessageCommandLong{
		TargetSystem:    target.SystemID,
		TargetComponent: target.ComponentID,
		// COMMAND_LONG is inherited from the common dialect, whose
		// MAV_CMD is a distinct type from the ardupilotmega one.
		Command: common.MAV_CMD(cmd),
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	})
}

func (t *nodeTransport) SendRCOverride(target Sender, values [18]uint16) error {
	return t.write(&ardupilotmega.MessageRcChannelsOverride{
		TargetSystem:    target.SystemID,
		TargetComponent: target.ComponentID,
		Chan1Raw:        values[0],
		Chan2Raw:        values[1],
		Chan3Raw:        values[2],
		Chan4Raw:        values[3],
		Chan5Raw:        values[4],
		Chan6Raw:        values[5],
		Chan7Raw:        values[6],
		Chan8Raw:        values[7],
		Chan9Raw:        values[8],
		Chan10Raw:       values[9],
		Chan11Raw:       values[10],
		Chan12Raw:       values[11],
		Chan13Raw:       values[12],
		Chan14Raw:       values[13],
		Chan15Raw:       values[14],
		Chan16Raw:       values[15],
		Chan17Raw:       values[16],
		Chan18Raw:       values[17],
	})
}

func (t *nodeTransport) SendMode(system byte, customMode uint32) error {
	return t.write(&ardupilotmega.MessageSetMode{
		TargetSystem: system,
		BaseMode:     ardupilotmega.MAV_MODE(ardupilotmega.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		CustomMode:   customMode,
	})
}

func (t *nodeTransport) SendParam(target Sender, name string, value float32) error {
	return t.write(&ardupilotmega.MessageParamSet{
		TargetSystem:    target.SystemID,
		TargetComponent: target.ComponentID,
		ParamId:         name,
		ParamValue:      value,
		ParamType:       ardupilotmega.MAV_PARAM_TYPE_REAL32,
	})
}

func (t *nodeTransport) SendStreamRequest(target Sender, stream ardupilotmega.MAV_DATA_STREAM, rateHz uint16) error {
	return t.write(&ardupilotmega.MessageRequestDataStream{
		TargetSystem:    target.SystemID,
		TargetComponent: target.ComponentID,
		ReqStreamId:     uint8(stream),
		ReqMessageRate:  rateHz,
		StartStop:       1,
	})
}

func (t *nodeTransport) write(msg message.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	return t.node.WriteMessageAll(msg)
}

func (t *nodeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		t.node.Close()
	})
	return nil
}
