package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habridge/internal/haconfig"
)

func newTestSupervisor(t *testing.T, cfg haconfig.HAConfig) *Supervisor {
	t.Helper()
	handle := haconfig.NewHandle(cfg)
	s, err := New(zap.NewNop(), handle, Options{DisableMDNS: true, PlainAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	return s
}

// TestSetStandby_TogglesDeviceStateRegardlessOfDisconnectOnStandby grounds
// get_device_state always reflecting the last enter_standby/exit_standby
// event even when disconnect_on_standby is off.
func TestSetStandby_TogglesDeviceStateRegardlessOfDisconnectOnStandby(t *testing.T) {
	cfg := haconfig.Default()
	cfg.DisconnectOnStandby = false
	s := newTestSupervisor(t, cfg)

	assert.Equal(t, DeviceStateNormal, s.DeviceState())
	s.SetStandby(true)
	assert.Equal(t, DeviceStateStandby, s.DeviceState())
	s.SetStandby(false)
	assert.Equal(t, DeviceStateNormal, s.DeviceState())
}

// TestSetStandby_SuspendsAndResumesHAClientWhenConfigured grounds spec.md
// §4.6: disconnect_on_standby drives the HA Client's Suspend/Resume rather
// than a Reconfigure-forced reconnect.
func TestSetStandby_SuspendsAndResumesHAClientWhenConfigured(t *testing.T) {
	cfg := haconfig.Default()
	cfg.DisconnectOnStandby = true
	s := newTestSupervisor(t, cfg)

	s.SetStandby(true)
	assert.True(t, s.client.Suspended())

	s.SetStandby(false)
	assert.False(t, s.client.Suspended())
}
