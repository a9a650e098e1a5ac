// Package mdns publishes the bridge's Core Server as an mDNS/Zeroconf
// service, grounded on original_source/src/server/zeroconf.rs's
// publish_service/service_publisher pair but using
// github.com/grandcat/zeroconf's register-and-close lifecycle in place of
// the Rust crate's background polling event loop.
package mdns

import (
	"fmt"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceType and protocol advertised for the Core Server, matching
// spec.md §6's service discovery record.
const (
	ServiceType = "_uc-integration._tcp"
	Domain      = "local."
)

// Advertiser is the mDNS collaborator the Supervisor owns for the
// lifetime of the process; spec.md §6 scopes the discovery mechanism
// itself out as an external concern, so this is a thin wrapper.
type Advertiser struct {
	logger *zap.Logger
	server *zeroconf.Server
}

// New publishes instanceName as ServiceType on port, with txt as
// key=value TXT records (mirroring publish_service's txt parameter).
func New(logger *zap.Logger, instanceName string, port int, txt []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mdns service published", zap.String("instance", instanceName), zap.Int("port", port))
	return &Advertiser{logger: logger, server: server}, nil
}

// Stop unregisters the service, matching the Rust implementation's
// process-exit-bound cleanup but made explicit for graceful shutdown.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mdns service unpublished")
}
