package mav

import (
	"testing"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointConf(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		want     gomavlib.EndpointConf
		wantErr  bool
	}{
		{
			name:     "udp",
			endpoint: Endpoint{Address: "udp://127.0.0.1:14550"},
			want:     gomavlib.EndpointUDPClient{Address: "127.0.0.1:14550"},
		},
		{
			name:     "tcp",
			endpoint: Endpoint{Address: "tcp://10.0.0.2:5760"},
			want:     gomavlib.EndpointTCPClient{Address: "10.0.0.2:5760"},
		},
		{
			name:     "serial",
			endpoint: Endpoint{Address: "/dev/ttyUSB0", Baud: 115200},
			want:     gomavlib.EndpointSerial{Device: "/dev/ttyUSB0", Baud: 115200},
		},
		{
			name:     "serial default baud",
			endpoint: Endpoint{Address: "/dev/ttyACM0"},
			want:     gomavlib.EndpointSerial{Device: "/dev/ttyACM0", Baud: 57600},
		},
		{
			name:     "empty address",
			endpoint: Endpoint{},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := endpointConf(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoverModeString(t *testing.T) {
	assert.Equal(t, "MANUAL", ModeManual.String())
	assert.Equal(t, "HOLD", ModeHold.String())
	assert.Equal(t, "GUIDED", ModeGuided.String())
	assert.Equal(t, "INITIALISING", ModeInitialising.String())
	assert.Equal(t, "UNKNOWN(13)", RoverMode(13).String())
	assert.Equal(t, "UNKNOWN(42)", RoverMode(42).String())
}
