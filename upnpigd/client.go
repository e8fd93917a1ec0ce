// Package upnpigd implements a UPnP Internet Gateway Device port-mapping
// client: SSDP discovery followed by SOAP actions against whichever
// WANConnection service (IGDv1 or IGDv2, IP or PPP) the gateway exposes.
package upnpigd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ozerelkerem/portmapper/lib/log"
)

var logger = log.Logger("upnpigd")

// Mapping records one port mapping this Mapper has created.
type Mapping struct {
	Protocol     string
	InternalPort int
	ExternalPort int
	Lease        uint32
	CreatedAt    time.Time
}

// Mapper is a UPnP IGD client bound to one discovered gateway device.
type Mapper struct {
	client igdClient
	cfg    Config

	mu       sync.RWMutex
	mappings map[int]*Mapping
}

// Discover probes the local network for an IGD and returns a Mapper bound
// to the first one found, trying IGDv2 before IGDv1 and WANIPConnection
// before WANPPPConnection.
func Discover(ctx context.Context, cfg Config) (*Mapper, error) {
	cfg = cfg.withDefaults()

	type result struct {
		client igdClient
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		if services, err := probeSSDP(cfg.DiscoveryTimeout); err == nil {
			logger.Debug("ssdp probe complete", "services", len(services))
		}
	}()
	go func() {
		client, err := discoverIGDClient()
		resultCh <- result{client: client, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		logger.Info("upnp igd device found")
		return &Mapper{client: res.client, cfg: cfg, mappings: make(map[int]*Mapping)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.DiscoveryTimeout):
		return nil, &DiscoveryError{Stage: "igd client discovery", Cause: fmt.Errorf("timeout after %v", cfg.DiscoveryTimeout)}
	}
}

// newWithClient builds a Mapper around an already-resolved client, for
// tests that stub out the SOAP transport.
func newWithClient(client igdClient, cfg Config) *Mapper {
	return &Mapper{client: client, cfg: cfg.withDefaults(), mappings: make(map[int]*Mapping)}
}

// AddMapping requests a port mapping from internalPort to the same
// external port, advertised from localIP.
func (m *Mapper) AddMapping(proto string, internalPort int, localIP net.IP, leaseSeconds uint32) (*Mapping, error) {
	if leaseSeconds == 0 {
		leaseSeconds = DefaultLeaseDuration
	}
	protoName := upnpProtocolName(proto)

	err := m.client.AddPortMapping(
		"",
		uint16(internalPort),
		protoName,
		uint16(internalPort),
		localIP.String(),
		true,
		m.cfg.Description,
		leaseSeconds,
	)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	mapping := &Mapping{
		Protocol:     proto,
		InternalPort: internalPort,
		ExternalPort: internalPort,
		Lease:        leaseSeconds,
		CreatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.mappings[internalPort] = mapping
	m.mu.Unlock()

	logger.Debug("mapping created", "proto", proto, "port", internalPort)
	return mapping, nil
}

// DeleteMapping removes a previously created mapping.
func (m *Mapper) DeleteMapping(proto string, externalPort int) error {
	protoName := upnpProtocolName(proto)
	if err := m.client.DeletePortMapping("", uint16(externalPort), protoName); err != nil {
		return &MappingError{Protocol: proto, Port: externalPort, Cause: err}
	}

	m.mu.Lock()
	delete(m.mappings, externalPort)
	m.mu.Unlock()
	return nil
}

// ExternalIPAddress queries the gateway's current external IP address.
func (m *Mapper) ExternalIPAddress() (net.IP, error) {
	s, err := m.client.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("upnpigd: get external address: %w", err)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("upnpigd: gateway returned invalid address %q", s)
	}
	return ip, nil
}

func upnpProtocolName(proto string) string {
	switch proto {
	case "tcp", "TCP":
		return "TCP"
	case "udp", "UDP":
		return "UDP"
	default:
		return proto
	}
}
