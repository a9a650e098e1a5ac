// Package supervisor wires the HA Client, Entity Store, Setup State
// Machine, Core Server, and mDNS Advertiser into a single process
// lifecycle, grounded on the teacher's cmd/main.go orchestration and
// signal-handling pattern, generalized to spec.md §6's component graph.
package supervisor

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"habridge/internal/clock"
	"habridge/internal/coreserver"
	"habridge/internal/haclient"
	"habridge/internal/haconfig"
	"habridge/internal/mdns"
	"habridge/internal/setup"
	"habridge/internal/store"
)

// Device states reported via get_device_state and used to drive
// disconnect_on_standby, spec.md's SPEC_FULL supplemented feature.
const (
	DeviceStateNormal  = "NORMAL"
	DeviceStateStandby = "STANDBY"
)

// Options configures a Supervisor.
type Options struct {
	AppVersion  string
	APIVersion  string
	DriverJSON  string // path to an external driver manifest, empty uses the embedded default
	PlainAddr   string
	TLSAddr     string
	TLSConfig   *tls.Config
	DisableMDNS bool
	MDNSPort    int
}

// Supervisor owns the bridge's component graph end to end: it starts the
// HA Client and Entity Store consumer, the Core Server, and (unless
// disabled) mDNS advertisement, and tears all three down together.
type Supervisor struct {
	logger *zap.Logger

	cfgHandle *haconfig.Handle
	client    *haclient.Client
	store     *store.Store
	setupMch  *setup.Machine
	server    *coreserver.Server
	advertise *mdns.Advertiser

	deviceState atomic.Value // string
}

// New assembles the component graph but starts nothing; call Run to
// start it.
func New(logger *zap.Logger, cfgHandle *haconfig.Handle, opts Options) (*Supervisor, error) {
	s := &Supervisor{logger: logger, cfgHandle: cfgHandle}
	s.deviceState.Store(DeviceStateNormal)

	s.client = haclient.New(cfgHandle, logger, clock.NewRealClock())
	s.client.SetTracing(haconfig.HassMsgTracing())

	s.store = store.New(logger)

	s.setupMch = setup.New(cfgHandle, func(cfg haconfig.HAConfig) {
		s.client.Reconfigure(cfg)
	}, logger)

	metadata, err := coreserver.NewMetadataProvider(opts.DriverJSON)
	if err != nil {
		return nil, err
	}

	s.server = coreserver.New(s.store, s.client, s.setupMch, metadata, s.DeviceState, logger, coreserver.Options{
		PlainAddr:  opts.PlainAddr,
		TLSAddr:    opts.TLSAddr,
		TLSConfig:  opts.TLSConfig,
		AppVersion: opts.AppVersion,
		APIVersion: opts.APIVersion,
		Tracing:    haconfig.APIMsgTracing(),
		OnStandby:  s.SetStandby,
	})

	if !opts.DisableMDNS && !haconfig.DisableMDNSPublish() {
		port := opts.MDNSPort
		if port == 0 {
			port = 8000
		}
		adv, err := mdns.New(logger, "Home Assistant", port, []string{"integration=true"})
		if err != nil {
			// mDNS is a discovery convenience, not a correctness
			// requirement: spec.md §1 scopes discovery as an external
			// concern, so a failure here degrades to manual pairing
			// rather than aborting startup.
			logger.Warn("mdns advertisement disabled", zap.Error(err))
		} else {
			s.advertise = adv
		}
	}

	return s, nil
}

// DeviceState reports the Supervisor's device state, DeviceStateNormal or
// DeviceStateStandby as last set by SetStandby, consumed by coreserver's
// get_device_state handler.
func (s *Supervisor) DeviceState() string {
	return s.deviceState.Load().(string)
}

// SetStandby toggles the aggregate device state and, when
// disconnect_on_standby is set in the current HA configuration, disconnects
// or reconnects the HA Client to match. Spec.md §4.6: on a Core
// enter_standby event the supervisor disconnects the HA Client, on
// exit_standby it reconnects.
func (s *Supervisor) SetStandby(standby bool) {
	if standby {
		s.deviceState.Store(DeviceStateStandby)
	} else {
		s.deviceState.Store(DeviceStateNormal)
	}

	cfg, _ := s.cfgHandle.Load()
	if !cfg.DisconnectOnStandby {
		return
	}
	if standby {
		s.client.Suspend()
	} else {
		s.client.Resume()
	}
}

// Run starts the HA Client, the Entity Store consumer, and the Core
// Server, and blocks until ctx is cancelled or any of them exits with an
// error. On return every component has been asked to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if s.advertise != nil {
			s.advertise.Stop()
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.client.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.store.Consume(ctx, s.client)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.server.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
		cancel()
	}
	wg.Wait()
	return runErr
}
