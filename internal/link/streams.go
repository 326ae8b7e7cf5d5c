package link

import (
	"log/slog"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/rover-control/groundlink/internal/mav"
)

// dashboardRates lists the per-message update frequencies requested after
// connect, tuned for a rover dashboard.
var dashboardRates = []struct {
	msg message.Message
	hz  int
}{
	{&ardupilotmega.MessageAttitude{}, 20},
	{&ardupilotmega.MessageGlobalPositionInt{}, 10},
	{&ardupilotmega.MessageVfrHud{}, 10},
	{&ardupilotmega.MessageServoOutputRaw{}, 10},
	{&ardupilotmega.MessageRcChannels{}, 10},
	{&ardupilotmega.MessageSysStatus{}, 5},
	{&ardupilotmega.MessageHeartbeat{}, 1},
	{&ardupilotmega.MessageBatteryStatus{}, 2},
	{&ardupilotmega.MessageGpsRawInt{}, 5},
	{&ardupilotmega.MessageNavControllerOutput{}, 5},
	{&ardupilotmega.MessageEkfStatusReport{}, 2},
	{&ardupilotmega.MessageStatustext{}, 1},
	{&ardupilotmega.MessageMissionCurrent{}, 1},
}

// legacyStreams is the REQUEST_DATA_STREAM fallback for firmware that
// ignores MAV_CMD_SET_MESSAGE_INTERVAL.
var legacyStreams = []struct {
	id ardupilotmega.MAV_DATA_STREAM
	hz uint16
}{
	{ardupilotmega.MAV_DATA_STREAM_ALL, 1},
	{ardupilotmega.MAV_DATA_STREAM_RAW_SENSORS, 10},
	{ardupilotmega.MAV_DATA_STREAM_EXTENDED_STATUS, 5},
	{ardupilotmega.MAV_DATA_STREAM_RC_CHANNELS, 10},
	{ardupilotmega.MAV_DATA_STREAM_POSITION, 10},
	{ardupilotmega.MAV_DATA_STREAM_EXTRA1, 20},
	{ardupilotmega.MAV_DATA_STREAM_EXTRA2, 10},
	{ardupilotmega.MAV_DATA_STREAM_EXTRA3, 5},
}

// configureStreams performs the one-time post-connect setup: per-message
// rate commands, the legacy bulk fallback and optional RC-override
// priming. Individual failures are logged and do not abort the rest.
func (m *Manager) configureStreams(tr mav.Transport, target mav.Sender) {
	succeeded := 0
	for _, r := range dashboardRates {
		intervalUs := 1_000_000 / r.hz
		err := tr.SendCommand(target, ardupilotmega.MAV_CMD_SET_MESSAGE_INTERVAL, [7]float32{
			float32(r.msg.GetID()),
			float32(intervalUs),
		})
		if err != nil {
			m.logger.Warn("setting message interval",
				slog.Uint64("messageID", uint64(r.msg.GetID())),
				slog.String("error", err.Error()))
		} else {
			succeeded++
		}
		time.Sleep(m.streamPacing)
	}

	m.logger.Info("configured data streams",
		slog.Int("succeeded", succeeded),
		slog.Int("attempted", len(dashboardRates)))

	for _, s := range legacyStreams {
		if err := tr.SendStreamRequest(target, s.id, s.hz); err != nil {
			m.logger.Warn("requesting legacy data stream",
				slog.Int("stream", int(s.id)),
				slog.String("error", err.Error()))
			break // transport is struggling, the fallback is best-effort
		}
		time.Sleep(m.streamPacing)
	}

	if m.primeOverride {
		m.primeOverrideParams(tr, target)
	}

	m.mu.Lock()
	m.configured = true
	m.mu.Unlock()
}

// primeOverrideParams adjusts the vehicle-side override parameters so the
// controller's refresh cadence keeps overrides alive.
func (m *Manager) primeOverrideParams(tr mav.Transport, target mav.Sender) {
	if m.overrideTime >= 0 {
		if err := tr.SendParam(target, "RC_OVERRIDE_TIME", m.overrideTime); err != nil {
			m.logger.Warn("setting RC_OVERRIDE_TIME", slog.String("error", err.Error()))
		}
	}
	if err := tr.SendParam(target, "RC_OPTIONS", 0); err != nil {
		m.logger.Warn("setting RC_OPTIONS", slog.String("error", err.Error()))
	}
}
