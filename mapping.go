package portmapper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ozerelkerem/portmapper/gateway/gwnet"
	"github.com/ozerelkerem/portmapper/gateway/gwproc"
	"github.com/ozerelkerem/portmapper/lib/log"
	"github.com/ozerelkerem/portmapper/natpmp"
	"github.com/ozerelkerem/portmapper/pcp"
	"github.com/ozerelkerem/portmapper/upnpigd"
)

var logger = log.Logger("portmapper")

// ErrNoMapping is returned by Refresh and Close when the Mapping holds no
// active driver mapping: it has already been closed, or it was not built by
// a successful Create.
var ErrNoMapping = errors.New("portmapper: no active mapping")

// Mapping owns a single active inbound port mapping, however it was made.
// Create races NAT-PMP, PCP, and UPnP IGD and keeps whichever driver
// responds first; Refresh re-issues the mapping before its lease expires;
// Close tears it down and releases the gateways it owns.
type Mapping struct {
	mu sync.Mutex

	driver       string
	protocol     string
	internalPort int
	externalPort int
	externalIP   net.IP
	lifetime     time.Duration
	createdAt    time.Time

	netGateway  *gwnet.Gateway
	procGateway *gwproc.Gateway

	natpmp *natpmp.Mapper
	pcp    *pcp.Client
	upnp   *upnpigd.Mapper
}

type raceResult struct {
	driver string
	err    error

	natpmp *natpmp.Mapper
	pcp    *pcp.Client
	upnp   *upnpigd.Mapper

	externalPort int
	externalIP   net.IP
	lifetime     time.Duration
}

// Create discovers a gateway and races NAT-PMP, PCP, and UPnP IGD mapping
// attempts for internalPort/protocol concurrently, keeping whichever
// driver responds first. Drivers that succeed after the race is already
// decided have their redundant mapping deleted immediately, so the
// gateway is never left with an untracked stray forward.
func Create(ctx context.Context, protocol string, internalPort int) (*Mapping, error) {
	netGateway, err := gwnet.New()
	if err != nil {
		return nil, fmt.Errorf("portmapper: start network gateway: %w", err)
	}
	procGateway := gwproc.New()

	gatewayIP, gwErr := discoverGatewayIP(ctx, procGateway)

	resultCh := make(chan raceResult, 3)
	pending := 0

	if gwErr == nil {
		pending++
		go func() {
			resultCh <- raceNATPMP(ctx, netGateway, gatewayIP, protocol, internalPort)
		}()

		pending++
		go func() {
			resultCh <- racePCP(ctx, netGateway, gatewayIP, protocol, internalPort)
		}()
	} else {
		logger.Info("gateway IP discovery failed, skipping NAT-PMP/PCP", "error", gwErr)
	}

	pending++
	go func() {
		resultCh <- raceUPnP(ctx, protocol, internalPort)
	}()

	var winner *raceResult
	for i := 0; i < pending; i++ {
		res := <-resultCh
		if res.err != nil {
			continue
		}
		if winner == nil {
			winner = &res
			continue
		}
		// A later responder also succeeded after the winner was chosen; tear
		// its mapping down rather than leaving a second, untracked forward on
		// the gateway.
		cleanupRedundant(ctx, res, protocol, internalPort)
	}

	if winner == nil {
		netGateway.Bus().Send(gwnet.KillRequest{})
		netGateway.Wait()
		procGateway.Bus().Send(gwproc.KillRequest{})
		procGateway.Wait()
		return nil, fmt.Errorf("portmapper: no driver mapped port %d/%s", internalPort, protocol)
	}

	m := &Mapping{
		driver:       winner.driver,
		protocol:     protocol,
		internalPort: internalPort,
		externalPort: winner.externalPort,
		externalIP:   winner.externalIP,
		lifetime:     winner.lifetime,
		createdAt:    time.Now(),
		netGateway:   netGateway,
		procGateway:  procGateway,
		natpmp:       winner.natpmp,
		pcp:          winner.pcp,
		upnp:         winner.upnp,
	}
	return m, nil
}

func raceNATPMP(ctx context.Context, netGateway *gwnet.Gateway, gatewayIP net.IP, protocol string, internalPort int) raceResult {
	m, err := natpmp.NewWithGateway(netGateway, gatewayIP, natpmp.DefaultConfig())
	if err != nil {
		return raceResult{driver: "natpmp", err: err}
	}
	mapping, err := m.AddMapping(ctx, protocol, internalPort, natpmp.DefaultLifetime)
	if err != nil {
		return raceResult{driver: "natpmp", err: err}
	}
	externalIP, err := m.ExternalAddress(ctx)
	if err != nil {
		externalIP = nil
	}
	return raceResult{
		driver:       "natpmp",
		natpmp:       m,
		externalPort: mapping.ExternalPort,
		externalIP:   externalIP,
		lifetime:     time.Duration(mapping.Lifetime) * time.Second,
	}
}

func racePCP(ctx context.Context, netGateway *gwnet.Gateway, gatewayIP net.IP, protocol string, internalPort int) raceResult {
	localIP, err := localAddressTowards(gatewayIP)
	if err != nil {
		return raceResult{driver: "pcp", err: err}
	}
	c, err := pcp.NewWithGateway(netGateway, gatewayIP, localIP, pcp.DefaultConfig())
	if err != nil {
		return raceResult{driver: "pcp", err: err}
	}
	mapping, err := c.AddMapping(ctx, protocol, internalPort, pcp.DefaultLifetime)
	if err != nil {
		return raceResult{driver: "pcp", err: err}
	}
	return raceResult{
		driver:       "pcp",
		pcp:          c,
		externalPort: mapping.ExternalPort,
		externalIP:   mapping.ExternalIP,
		lifetime:     time.Duration(mapping.Lifetime) * time.Second,
	}
}

func raceUPnP(ctx context.Context, protocol string, internalPort int) raceResult {
	m, err := upnpigd.Discover(ctx, upnpigd.DefaultConfig())
	if err != nil {
		return raceResult{driver: "upnpigd", err: err}
	}
	localIP, err := localAddressTowards(net.IPv4(8, 8, 8, 8))
	if err != nil {
		return raceResult{driver: "upnpigd", err: err}
	}
	mapping, err := m.AddMapping(protocol, internalPort, localIP, upnpigd.DefaultLeaseDuration)
	if err != nil {
		return raceResult{driver: "upnpigd", err: err}
	}
	externalIP, err := m.ExternalIPAddress()
	if err != nil {
		externalIP = nil
	}
	return raceResult{
		driver:       "upnpigd",
		upnp:         m,
		externalPort: mapping.ExternalPort,
		externalIP:   externalIP,
		lifetime:     time.Duration(mapping.Lease) * time.Second,
	}
}

func cleanupRedundant(ctx context.Context, res raceResult, protocol string, internalPort int) {
	switch {
	case res.natpmp != nil:
		_ = res.natpmp.DeleteMapping(ctx, protocol, internalPort)
		res.natpmp.Close()
	case res.pcp != nil:
		_ = res.pcp.DeleteMapping(ctx, protocol, internalPort)
		res.pcp.Close()
	case res.upnp != nil:
		_ = res.upnp.DeleteMapping(protocol, res.externalPort)
	}
}

// Refresh re-issues the mapping through its winning driver, extending the
// lease before it expires. Callers are expected to call this periodically,
// well before CreatedAt+Lifetime elapses.
func (m *Mapping) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.natpmp != nil:
		mapping, err := m.natpmp.AddMapping(ctx, m.protocol, m.internalPort, natpmp.DefaultLifetime)
		if err != nil {
			return fmt.Errorf("portmapper: refresh via natpmp: %w", err)
		}
		m.externalPort = mapping.ExternalPort
		m.lifetime = time.Duration(mapping.Lifetime) * time.Second
	case m.pcp != nil:
		mapping, err := m.pcp.AddMapping(ctx, m.protocol, m.internalPort, pcp.DefaultLifetime)
		if err != nil {
			return fmt.Errorf("portmapper: refresh via pcp: %w", err)
		}
		m.externalPort = mapping.ExternalPort
		m.externalIP = mapping.ExternalIP
		m.lifetime = time.Duration(mapping.Lifetime) * time.Second
	case m.upnp != nil:
		localIP, err := localAddressTowards(net.IPv4(8, 8, 8, 8))
		if err != nil {
			return fmt.Errorf("portmapper: refresh via upnpigd: %w", err)
		}
		mapping, err := m.upnp.AddMapping(m.protocol, m.internalPort, localIP, upnpigd.DefaultLeaseDuration)
		if err != nil {
			return fmt.Errorf("portmapper: refresh via upnpigd: %w", err)
		}
		m.externalPort = mapping.ExternalPort
		m.lifetime = time.Duration(mapping.Lease) * time.Second
	default:
		return ErrNoMapping
	}
	m.createdAt = time.Now()
	return nil
}

// Driver reports which protocol won the race that created this mapping.
func (m *Mapping) Driver() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver
}

// External reports the external IP and port the mapping was assigned.
func (m *Mapping) External() (net.IP, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.externalIP, m.externalPort
}

// ExpiresAt reports when the current lease is due to expire.
func (m *Mapping) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdAt.Add(m.lifetime)
}

// Close deletes the mapping through its driver and releases the gateways
// this Mapping owns. Safe to call once; a second call returns ErrNoMapping.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var err error
	switch {
	case m.natpmp != nil:
		err = m.natpmp.DeleteMapping(ctx, m.protocol, m.internalPort)
		m.natpmp.Close()
		m.natpmp = nil
	case m.pcp != nil:
		err = m.pcp.DeleteMapping(ctx, m.protocol, m.internalPort)
		m.pcp.Close()
		m.pcp = nil
	case m.upnp != nil:
		err = m.upnp.DeleteMapping(m.protocol, m.externalPort)
		m.upnp = nil
	default:
		err = ErrNoMapping
	}

	if m.netGateway != nil {
		m.netGateway.Bus().Send(gwnet.KillRequest{})
		m.netGateway.Wait()
		m.netGateway = nil
	}
	if m.procGateway != nil {
		m.procGateway.Bus().Send(gwproc.KillRequest{})
		m.procGateway.Wait()
		m.procGateway = nil
	}
	return err
}
