package portmapper

import (
	"context"
	"net"
	"time"

	"github.com/jackpal/gateway"

	"github.com/ozerelkerem/portmapper/gateway/gwproc"
	"github.com/ozerelkerem/portmapper/nat/routeprobe"
)

// discoverGatewayIP finds the default gateway's address, trying
// jackpal/gateway first (the fast, common-case path the teacher package
// uses) and falling back to routeprobe's shell-out if that fails.
func discoverGatewayIP(ctx context.Context, proc *gwproc.Gateway) (net.IP, error) {
	if ip, err := gateway.DiscoverGateway(); err == nil {
		return ip, nil
	}
	return routeprobe.Probe(ctx, proc, routeprobe.DefaultTimeout)
}

// DiscoveredGateway reports one gateway/protocol pair found during
// DiscoverAll.
type DiscoveredGateway struct {
	Driver     string // "natpmp", "pcp", or "upnpigd"
	ExternalIP net.IP
}

// DiscoverAll runs NAT-PMP, PCP, and UPnP IGD discovery concurrently and
// returns every gateway that answered, rather than racing for a single
// winner the way Create does.
func DiscoverAll(ctx context.Context) ([]DiscoveredGateway, error) {
	netGateway, err := newSharedNetGateway()
	if err != nil {
		return nil, err
	}
	defer netGateway.shutdown()

	proc := gwproc.New()
	defer func() {
		proc.Bus().Send(gwproc.KillRequest{})
		proc.Wait()
	}()

	gatewayIP, gwErr := discoverGatewayIP(ctx, proc)

	type probeResult struct {
		found DiscoveredGateway
		err   error
	}
	resultCh := make(chan probeResult, 3)
	pending := 0

	if gwErr == nil {
		pending++
		go func() {
			ip, err := probeNATPMP(ctx, netGateway.gw, gatewayIP)
			resultCh <- probeResult{found: DiscoveredGateway{Driver: "natpmp", ExternalIP: ip}, err: err}
		}()

		pending++
		go func() {
			ip, err := probePCP(ctx, netGateway.gw, gatewayIP)
			resultCh <- probeResult{found: DiscoveredGateway{Driver: "pcp", ExternalIP: ip}, err: err}
		}()
	}

	pending++
	go func() {
		ip, err := probeUPnP(ctx)
		resultCh <- probeResult{found: DiscoveredGateway{Driver: "upnpigd", ExternalIP: ip}, err: err}
	}()

	var found []DiscoveredGateway
	for i := 0; i < pending; i++ {
		res := <-resultCh
		if res.err == nil {
			found = append(found, res.found)
		}
	}
	return found, nil
}

const probeTimeout = 3 * time.Second
