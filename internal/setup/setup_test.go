package setup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habridge/internal/bridgeerr"
	"habridge/internal/haconfig"
)

func newMachine(t *testing.T, probe probeFunc) (*Machine, *haconfig.Handle, *haconfig.HAConfig) {
	t.Helper()
	handle := haconfig.NewHandle(haconfig.Default())
	var committed haconfig.HAConfig
	m := New(handle, func(cfg haconfig.HAConfig) { committed = cfg }, zap.NewNop())
	m.probe = probe
	return m, handle, &committed
}

func TestMachine_SuccessfulSetupCommitsAndNotifies(t *testing.T) {
	m, handle, committed := newMachine(t, func(ctx context.Context, cfg haconfig.HAConfig) error { return nil })

	res, err := m.Start(context.Background(), Request{URL: "ws://ha.local:8123/api/websocket", Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConnected, res.Outcome)
	assert.Equal(t, PhaseConnected, m.Phase())

	cfg, _ := handle.Load()
	assert.Equal(t, "ws://ha.local:8123/api/websocket", cfg.URL)
	assert.Equal(t, "ws://ha.local:8123/api/websocket", committed.URL)
}

func TestMachine_AuthFailureStaysRunning(t *testing.T) {
	m, _, _ := newMachine(t, func(ctx context.Context, cfg haconfig.HAConfig) error { return bridgeerr.ErrAuthFailed })

	res, err := m.Start(context.Background(), Request{URL: "ws://ha.local:8123/api/websocket", Token: "bad"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthError, res.Outcome)
	assert.Equal(t, PhaseRunning, m.Phase())
}

func TestMachine_ConnectionRefusedStaysRunning(t *testing.T) {
	m, _, _ := newMachine(t, func(ctx context.Context, cfg haconfig.HAConfig) error {
		return errors.New("connection refused")
	})

	res, err := m.Start(context.Background(), Request{URL: "ws://ha.local:8123/api/websocket", Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConnectionRefused, res.Outcome)
	assert.Equal(t, PhaseRunning, m.Phase())
}

func TestMachine_AdvancedRequestAsksForUserInputThenCommits(t *testing.T) {
	m, _, _ := newMachine(t, func(ctx context.Context, cfg haconfig.HAConfig) error {
		assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
		return nil
	})

	res, err := m.Start(context.Background(), Request{URL: "ws://ha.local:8123/api/websocket", Token: "tok", Advanced: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUserInputRequired, res.Outcome)
	assert.NotEmpty(t, res.AdvancedFields)
	assert.Equal(t, PhaseRunning, m.Phase())

	res, err = m.SubmitUserData(context.Background(), false, map[string]string{"heartbeat_interval": "45"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConnected, res.Outcome)
}

func TestMachine_InvalidURLRejectedBeforeProbe(t *testing.T) {
	called := false
	m, _, _ := newMachine(t, func(ctx context.Context, cfg haconfig.HAConfig) error {
		called = true
		return nil
	})

	_, err := m.Start(context.Background(), Request{URL: "not-a-url", Token: "tok"})
	assert.Error(t, err)
	assert.False(t, called, "probe must not run against an invalid url")
}

func TestMachine_SchemeOnlyReconfigureSkipsProbe(t *testing.T) {
	called := false
	m, handle, _ := newMachine(t, func(ctx context.Context, cfg haconfig.HAConfig) error {
		called = true
		return nil
	})

	initial, _ := handle.Load()
	initial.URL = "ws://ha.local:8123/api/websocket"
	initial.Token = "tok"
	handle.Commit(initial)

	res, err := m.Start(context.Background(), Request{URL: "wss://ha.local:8123/api/websocket", Token: "tok", Reconfigure: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConnected, res.Outcome)
	assert.False(t, called, "scheme-only change must skip the probe")
}
