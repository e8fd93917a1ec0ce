// Package natpmp implements the NAT-PMP client half of RFC 6886, driven
// entirely over the Network Gateway's UDP requests rather than opening a
// private socket of its own.
package natpmp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jackpal/gateway"

	"github.com/ozerelkerem/portmapper/bus"
	"github.com/ozerelkerem/portmapper/gateway/gwnet"
	"github.com/ozerelkerem/portmapper/lib/log"
)

var logger = log.Logger("natpmp")

// Mapping records one port mapping this Mapper has created.
type Mapping struct {
	Protocol     string
	InternalPort int
	ExternalPort int
	Lifetime     uint32
	CreatedAt    time.Time
}

// Mapper is a NAT-PMP client bound to one gateway IP and one Network
// Gateway UDP socket.
type Mapper struct {
	net       *gwnet.Gateway
	ownedNet  bool
	gatewayIP net.IP
	cfg       Config

	mu       sync.Mutex
	udpID    int
	respBus  bus.Queue
	mappings map[int]*Mapping
}

// New discovers the default gateway, opens a private Network Gateway, and
// probes it for a NAT-PMP responder. The returned Mapper owns its Network
// Gateway and tears it down on Close.
func New(ctx context.Context, cfg Config) (*Mapper, error) {
	gatewayIP, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, &Error{Message: "discover gateway", Cause: err}
	}

	netGateway, err := gwnet.New()
	if err != nil {
		return nil, &Error{Message: "start network gateway", Cause: err}
	}

	m, err := NewWithGateway(netGateway, gatewayIP, cfg)
	if err != nil {
		netGateway.Bus().Send(gwnet.KillRequest{})
		netGateway.Wait()
		return nil, err
	}
	m.ownedNet = true

	if _, err := m.ExternalAddress(ctx); err != nil {
		m.Close()
		return nil, &Error{Message: "probe gateway", Cause: err}
	}
	return m, nil
}

// NewWithGateway builds a Mapper atop an already-running Network Gateway,
// letting NAT-PMP and PCP drivers share one UDP reactor instead of each
// starting a private Network Gateway. The Mapper still opens its own UDP
// socket on that reactor. The caller retains ownership of netGateway.
func NewWithGateway(netGateway *gwnet.Gateway, gatewayIP net.IP, cfg Config) (*Mapper, error) {
	cfg = cfg.withDefaults()

	respBus := bus.New()
	netGateway.Bus().Send(gwnet.CreateUDPRequest{SourceAddress: net.IPv4zero, ResponseBus: respBus})
	id, err := awaitUDPCreate(respBus, cfg.Timeout)
	if err != nil {
		return nil, &Error{Message: "create udp socket", Cause: err}
	}

	logger.Info("natpmp mapper ready", "gateway", gatewayIP.String())
	return &Mapper{
		net:       netGateway,
		gatewayIP: gatewayIP,
		cfg:       cfg,
		udpID:     id,
		respBus:   respBus,
		mappings:  make(map[int]*Mapping),
	}, nil
}

// awaitUDPCreate polls respBus for the socket creation's outcome. A plain
// poll loop matches the rest of this module's Bus usage: Bus intentionally
// exposes no blocking "wait for a specific message" primitive.
func awaitUDPCreate(respBus bus.Queue, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, msg := range respBus.DrainTo() {
			switch m := msg.(type) {
			case gwnet.CreateUDPResponse:
				return m.ID, nil
			case gwnet.ErrorResponse:
				return 0, m.Cause
			}
		}
		time.Sleep(time.Millisecond)
	}
	return 0, ErrTimeout
}

// Close tears down the Mapper's private Network Gateway, if it owns one.
// It is a no-op when the Mapper was built with NewWithGateway.
func (m *Mapper) Close() {
	if !m.ownedNet {
		return
	}
	m.net.Bus().Send(gwnet.KillRequest{})
	m.net.Wait()
}

// ExternalAddress queries the gateway's current external IPv4 address.
func (m *Mapper) ExternalAddress(ctx context.Context) (net.IP, error) {
	respData, err := m.roundTrip(ctx, encodeExternalAddressRequest())
	if err != nil {
		return nil, &Error{Message: "get external address", Cause: err}
	}
	ip, err := decodeExternalAddressResponse(respData)
	if err != nil {
		return nil, &Error{Message: "get external address", Cause: err}
	}
	return ip, nil
}

// AddMapping requests a port mapping. The lifetime the gateway grants is
// recorded as is, even when it is shorter than lifetimeSeconds; no second
// request is made. proto is "tcp" or "udp".
func (m *Mapper) AddMapping(ctx context.Context, proto string, internalPort int, lifetimeSeconds uint32) (*Mapping, error) {
	opcode, err := opcodeFor(proto)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}
	if lifetimeSeconds == 0 {
		lifetimeSeconds = DefaultLifetime
	}

	req := encodeMapRequest(opcode, internalPort, internalPort, lifetimeSeconds)
	respData, err := m.roundTrip(ctx, req)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}
	parsed, err := decodeMapResponse(respData, opcode)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	mapping := &Mapping{
		Protocol:     proto,
		InternalPort: parsed.internalPort,
		ExternalPort: parsed.externalPort,
		Lifetime:     parsed.lifetime,
		CreatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.mappings[internalPort] = mapping
	m.mu.Unlock()

	logger.Debug("mapping created", "proto", proto, "internal", internalPort, "external", parsed.externalPort)
	return mapping, nil
}

// DeleteMapping requests removal of a previously created mapping by
// sending a mapping request with a zero lifetime, per RFC 6886 §3.3.1.
func (m *Mapper) DeleteMapping(ctx context.Context, proto string, internalPort int) error {
	opcode, err := opcodeFor(proto)
	if err != nil {
		return &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	req := encodeMapRequest(opcode, internalPort, 0, 0)
	if _, err := m.roundTrip(ctx, req); err != nil {
		return &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	m.mu.Lock()
	delete(m.mappings, internalPort)
	m.mu.Unlock()
	return nil
}

// roundTrip sends payload to the gateway and waits for a reply, retrying
// with exponential backoff per RFC 6886 §3.1's retransmission schedule
// until cfg.Timeout elapses.
func (m *Mapper) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	dest := &net.UDPAddr{IP: m.gatewayIP, Port: serverPort}
	deadline := time.Now().Add(m.cfg.Timeout)
	delay := initialRetryDelay

	for {
		m.net.Bus().Send(gwnet.WriteUDPRequest{ID: m.udpID, RemoteAddress: dest, Data: payload})

		attemptDeadline := time.Now().Add(delay)
		if attemptDeadline.After(deadline) {
			attemptDeadline = deadline
		}
		for time.Now().Before(attemptDeadline) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			for _, msg := range m.respBus.DrainTo() {
				n, ok := msg.(gwnet.ReadUDPNotification)
				if !ok || n.ID != m.udpID {
					continue
				}
				if n.RemoteAddress == nil || !n.RemoteAddress.IP.Equal(m.gatewayIP) {
					continue
				}
				return n.Data, nil
			}
			time.Sleep(time.Millisecond)
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		delay *= 2
	}
}
