// Package setup implements the Setup State Machine driven by Core
// driver-setup messages, spec.md §4.4: Idle -> Running -> Connected, with
// an HA probe connection gating each config commit, except a reconfigure
// that changes only the ws/wss scheme, which commits without a probe.
package setup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"habridge/internal/bridgeerr"
	"habridge/internal/haclient"
	"habridge/internal/haconfig"
)

// Phase is one of the Setup State Machine's three states.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseRunning:
		return "Running"
	case PhaseConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Outcome is the Core-facing result of a setup attempt, spec.md §4.4.
type Outcome string

const (
	OutcomeConnected         Outcome = "OK"
	OutcomeUserInputRequired Outcome = "USER_DATA_NEEDED"
	OutcomeAuthError         Outcome = "AUTHORIZATION_ERROR"
	OutcomeTimeout           Outcome = "TIMEOUT"
	OutcomeConnectionRefused Outcome = "CONNECTION_REFUSED"
)

// advancedFields are the optional fields exposed via UserConfirmationOrInput
// when the setup request asks for advanced configuration.
var advancedFields = []string{"heartbeat_interval", "disable_cert_validation", "disconnect_on_standby"}

// Request is the Core-submitted DriverSetupRequest payload.
type Request struct {
	URL         string
	Token       string
	Advanced    bool
	Reconfigure bool
}

// Result is returned to the Core Server for forwarding to the Core
// client as the appropriate driver-setup response.
type Result struct {
	Outcome        Outcome
	AdvancedFields []string
}

// probeFunc matches haclient.Probe's signature; overridable in tests.
type probeFunc func(ctx context.Context, cfg haconfig.HAConfig) error

// Machine drives the setup flow. One Machine per Supervisor; its pending
// candidate config is replaced by each new DriverSetupRequest.
type Machine struct {
	logger    *zap.Logger
	cfgHandle *haconfig.Handle
	onCommit  func(haconfig.HAConfig)
	probe     probeFunc
	probeTimeout time.Duration

	phase   Phase
	pending haconfig.HAConfig
}

// New constructs a Machine. onCommit is invoked after a successful probe
// and persisted commit, to instruct the HA Client to adopt the new
// config (the Supervisor wires this to haclient.Client.Reconfigure).
func New(cfgHandle *haconfig.Handle, onCommit func(haconfig.HAConfig), logger *zap.Logger) *Machine {
	return &Machine{
		logger:       logger.Named("setup"),
		cfgHandle:    cfgHandle,
		onCommit:     onCommit,
		probe:        haclient.Probe,
		probeTimeout: 10 * time.Second,
		phase:        PhaseIdle,
	}
}

// Phase returns the machine's current state.
func (m *Machine) Phase() Phase { return m.phase }

// Start handles a DriverSetupRequest, spec.md §4.4 "Idle -> Running".
func (m *Machine) Start(ctx context.Context, req Request) (Result, error) {
	m.phase = PhaseRunning

	candidate := haconfig.Default()
	if current, _ := m.cfgHandle.Load(); req.Reconfigure {
		candidate = current
	}
	candidate.URL = req.URL
	candidate.Token = req.Token

	if err := candidate.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", bridgeerr.ErrBadRequest, err)
	}

	m.pending = candidate

	if req.Advanced {
		m.logger.Info("setup requesting advanced configuration fields")
		return Result{Outcome: OutcomeUserInputRequired, AdvancedFields: advancedFields}, nil
	}

	return m.attemptCommit(ctx, req.Reconfigure)
}

// SubmitUserData handles a set_driver_user_data reply carrying the
// advanced field values, merges them into the pending candidate, and
// retries the commit.
func (m *Machine) SubmitUserData(ctx context.Context, reconfigure bool, data map[string]string) (Result, error) {
	if m.phase != PhaseRunning {
		return Result{}, fmt.Errorf("%w: no setup in progress", bridgeerr.ErrBadRequest)
	}

	cfg := m.pending
	if v, ok := data["heartbeat_interval"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(secs) * time.Second
		}
	}
	if v, ok := data["disable_cert_validation"]; ok {
		cfg.DisableCertValidation = v == "true" || v == "1"
	}
	if v, ok := data["disconnect_on_standby"]; ok {
		cfg.DisconnectOnStandby = v == "true" || v == "1"
	}
	m.pending = cfg

	return m.attemptCommit(ctx, reconfigure)
}

// attemptCommit applies the ws<->wss-only shortcut (spec.md §4.4 "If
// reconfiguration of an existing config and only the URL scheme changed,
// the new HAConfig is applied without process restart") or else probes
// HA before committing.
func (m *Machine) attemptCommit(ctx context.Context, reconfigure bool) (Result, error) {
	cfg := m.pending

	if reconfigure {
		current, _ := m.cfgHandle.Load()
		if current.SchemeOnlyChanged(cfg) {
			m.logger.Info("scheme-only reconfiguration, skipping probe")
			return m.commit(cfg)
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.probe(probeCtx, cfg)
	switch {
	case err == nil:
		return m.commit(cfg)
	case errors.Is(err, bridgeerr.ErrAuthFailed):
		m.logger.Warn("setup probe rejected by ha: auth failed")
		return Result{Outcome: OutcomeAuthError}, nil
	case errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		m.logger.Warn("setup probe timed out", zap.Error(err))
		return Result{Outcome: OutcomeTimeout}, nil
	default:
		m.logger.Warn("setup probe failed", zap.Error(err))
		return Result{Outcome: OutcomeConnectionRefused}, nil
	}
}

func (m *Machine) commit(cfg haconfig.HAConfig) (Result, error) {
	if err := haconfig.Save(cfg); err != nil {
		m.logger.Error("failed to persist committed ha config", zap.Error(err))
		return Result{}, fmt.Errorf("persist config: %w", err)
	}
	m.cfgHandle.Commit(cfg)
	m.phase = PhaseConnected
	if m.onCommit != nil {
		m.onCommit(cfg)
	}
	m.logger.Info("ha config committed", zap.String("url", cfg.URL))
	return Result{Outcome: OutcomeConnected}, nil
}
