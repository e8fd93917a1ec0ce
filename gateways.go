package portmapper

import (
	"context"
	"fmt"
	"net"

	"github.com/ozerelkerem/portmapper/gateway/gwnet"
	"github.com/ozerelkerem/portmapper/natpmp"
	"github.com/ozerelkerem/portmapper/pcp"
	"github.com/ozerelkerem/portmapper/upnpigd"
)

// sharedNetGateway lets DiscoverAll's NAT-PMP and PCP probes share one
// Network Gateway UDP reactor rather than each starting a private one, since
// both speak to the same gateway IP on the same server port. Each probe
// still opens its own UDP socket on the shared reactor.
type sharedNetGateway struct {
	gw *gwnet.Gateway
}

func newSharedNetGateway() (*sharedNetGateway, error) {
	gw, err := gwnet.New()
	if err != nil {
		return nil, fmt.Errorf("portmapper: start network gateway: %w", err)
	}
	return &sharedNetGateway{gw: gw}, nil
}

func (s *sharedNetGateway) shutdown() {
	s.gw.Bus().Send(gwnet.KillRequest{})
	s.gw.Wait()
}

func probeNATPMP(ctx context.Context, gw *gwnet.Gateway, gatewayIP net.IP) (net.IP, error) {
	m, err := natpmp.NewWithGateway(gw, gatewayIP, natpmp.Config{Timeout: probeTimeout})
	if err != nil {
		return nil, err
	}
	return m.ExternalAddress(ctx)
}

// probePCP has no bare "server alive" opcode available (the pcp package
// implements only MAP, not ANNOUNCE), so it verifies PCP is reachable the same way the
// original library's discovery does: issue a short-lived mapping request
// and immediately delete it.
func probePCP(ctx context.Context, gw *gwnet.Gateway, gatewayIP net.IP) (net.IP, error) {
	localIP, err := localAddressTowards(gatewayIP)
	if err != nil {
		return nil, err
	}
	c, err := pcp.NewWithGateway(gw, gatewayIP, localIP, pcp.Config{Timeout: probeTimeout})
	if err != nil {
		return nil, err
	}
	const probePort = 1
	mapping, err := c.AddMapping(ctx, "udp", probePort, 60)
	if err != nil {
		return nil, err
	}
	_ = c.DeleteMapping(ctx, "udp", probePort)
	return mapping.ExternalIP, nil
}

func probeUPnP(ctx context.Context) (net.IP, error) {
	m, err := upnpigd.Discover(ctx, upnpigd.Config{DiscoveryTimeout: probeTimeout, Description: "portmapper"})
	if err != nil {
		return nil, err
	}
	return m.ExternalIPAddress()
}
