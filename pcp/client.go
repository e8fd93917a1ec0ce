// Package pcp implements the PCP client half of RFC 6887's MAP opcode,
// driven over the Network Gateway's UDP requests the same way the natpmp
// package drives NAT-PMP.
package pcp

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

var logger = log.Logger("pcp")

// Mapping records one port mapping this Client has created.
type Mapping struct {
	Protocol     string
	InternalPort int
	ExternalPort int
	ExternalIP   net.IP
	Lifetime     uint32
	CreatedAt    time.Time
}

// Client is a PCP client bound to one server IP and one Network Gateway UDP
// socket.
type Client struct {
	net      *gwnet.Gateway
	ownedNet bool
	serverIP net.IP
	clientIP net.IP
	cfg      Config

	mu       sync.Mutex
	udpID    int
	respBus  bus.Queue
	mappings map[int]*Mapping
}

// New discovers the default gateway and opens a private Network Gateway to
// speak PCP to it. The returned Client owns its Network Gateway and tears
// it down on Close.
func New(ctx context.Context, clientIP net.IP, cfg Config) (*Client, error) {
	serverIP, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, &Error{Message: "discover gateway", Cause: err}
	}

	netGateway, err := gwnet.New()
	if err != nil {
		return nil, &Error{Message: "start network gateway", Cause: err}
	}

	c, err := NewWithGateway(netGateway, serverIP, clientIP, cfg)
	if err != nil {
		netGateway.Bus().Send(gwnet.KillRequest{})
		netGateway.Wait()
		return nil, err
	}
	c.ownedNet = true
	return c, nil
}

// NewWithGateway builds a Client atop an already-running Network Gateway,
// letting the pcp and natpmp drivers share one UDP reactor since both speak
// to the same server port. The caller retains ownership of netGateway.
func NewWithGateway(netGateway *gwnet.Gateway, serverIP, clientIP net.IP, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	respBus := bus.New()
	netGateway.Bus().Send(gwnet.CreateUDPRequest{SourceAddress: net.IPv4zero, ResponseBus: respBus})
	id, err := awaitUDPCreate(respBus, cfg.Timeout)
	if err != nil {
		return nil, &Error{Message: "create udp socket", Cause: err}
	}

	logger.Info("pcp client ready", "server", serverIP.String())
	return &Client{
		net:      netGateway,
		serverIP: serverIP,
		clientIP: clientIP,
		cfg:      cfg,
		udpID:    id,
		respBus:  respBus,
		mappings: make(map[int]*Mapping),
	}, nil
}

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

// Close tears down the Client's private Network Gateway, if it owns one.
func (c *Client) Close() {
	if !c.ownedNet {
		return
	}
	c.net.Bus().Send(gwnet.KillRequest{})
	c.net.Wait()
}

// AddMapping requests a port mapping via RFC 6887's MAP opcode, with no
// suggested external address or port (letting the server choose).
func (c *Client) AddMapping(ctx context.Context, proto string, internalPort int, lifetimeSeconds uint32) (*Mapping, error) {
	protoNum, err := protocolNumberFor(proto)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}
	if lifetimeSeconds == 0 {
		lifetimeSeconds = DefaultLifetime
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	req := encodeMapRequest(c.clientIP, nonce, protoNum, internalPort, 0, lifetimeSeconds, net.IPv4zero)
	respData, err := c.roundTrip(ctx, req, nonce)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}
	parsed, err := decodeMapResponse(respData)
	if err != nil {
		return nil, &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	mapping := &Mapping{
		Protocol:     proto,
		InternalPort: parsed.internalPort,
		ExternalPort: parsed.externalPort,
		ExternalIP:   parsed.externalIP,
		Lifetime:     parsed.lifetime,
		CreatedAt:    time.Now(),
	}
	c.mu.Lock()
	c.mappings[internalPort] = mapping
	c.mu.Unlock()

	logger.Debug("mapping created", "proto", proto, "internal", internalPort, "external", parsed.externalPort)
	return mapping, nil
}

// DeleteMapping removes a previously created mapping by resending the same
// MAP request with a zero lifetime, per RFC 6887 §15.
func (c *Client) DeleteMapping(ctx context.Context, proto string, internalPort int) error {
	protoNum, err := protocolNumberFor(proto)
	if err != nil {
		return &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	nonce, err := newNonce()
	if err != nil {
		return &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	req := encodeMapRequest(c.clientIP, nonce, protoNum, internalPort, 0, 0, net.IPv4zero)
	if _, err := c.roundTrip(ctx, req, nonce); err != nil {
		return &MappingError{Protocol: proto, Port: internalPort, Cause: err}
	}

	c.mu.Lock()
	delete(c.mappings, internalPort)
	c.mu.Unlock()
	return nil
}

// roundTrip sends payload to the server and waits for a reply whose nonce
// matches, retrying with exponential backoff until cfg.Timeout elapses.
func (c *Client) roundTrip(ctx context.Context, payload []byte, nonce [nonceLen]byte) ([]byte, error) {
	dest := &net.UDPAddr{IP: c.serverIP, Port: serverPort}
	deadline := time.Now().Add(c.cfg.Timeout)
	delay := initialRetryDelay

	for {
		c.net.Bus().Send(gwnet.WriteUDPRequest{ID: c.udpID, RemoteAddress: dest, Data: payload})

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
			for _, msg := range c.respBus.DrainTo() {
				n, ok := msg.(gwnet.ReadUDPNotification)
				if !ok || n.ID != c.udpID {
					continue
				}
				if n.RemoteAddress == nil || !n.RemoteAddress.IP.Equal(c.serverIP) {
					continue
				}
				if len(n.Data) < mapMessageLen {
					continue
				}
				body := n.Data[commonHeaderLen:]
				if string(body[0:12]) != string(nonce[:]) {
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
