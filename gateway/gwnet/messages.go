package gwnet

import (
	"net"

	"github.com/ozerelkerem/portmapper/bus"
)

// Requests accepted on a Gateway's request bus. Every request carries the
// response bus that replies and notifications for the resource it creates
// are posted to.

// CreateUDPRequest opens a non-blocking UDP socket bound to SourceAddress on
// an OS-chosen port.
type CreateUDPRequest struct {
	SourceAddress net.IP
	ResponseBus   bus.Bus
}

// CreateTCPRequest opens a non-blocking TCP socket bound to SourceAddress and
// begins connecting to DestinationAddress:DestinationPort.
type CreateTCPRequest struct {
	SourceAddress      net.IP
	DestinationAddress net.IP
	DestinationPort    int
	ResponseBus        bus.Bus
}

// WriteTCPRequest enqueues bytes to be written to the stream. Empty Data is
// dropped silently (TCP has no message framing).
type WriteTCPRequest struct {
	ID   int
	Data []byte
}

// WriteUDPRequest enqueues a single datagram.
type WriteUDPRequest struct {
	ID           int
	RemoteAddress *net.UDPAddr
	Data         []byte
}

// CloseRequest closes and un-indexes id, TCP or UDP.
type CloseRequest struct {
	ID          int
	ResponseBus bus.Bus
}

// GetLocalIPAddressesRequest asks for every non-loopback address bound to
// any local interface.
type GetLocalIPAddressesRequest struct {
	ResponseBus bus.Bus
}

// KillRequest terminates the gateway loop. Every remaining socket is closed
// and an IdentifiableErrorResponse is posted for each.
type KillRequest struct{}

// Responses and notifications. Responses answer a specific request;
// notifications are unsolicited and posted to an entry's response bus.

// CreateUDPResponse carries the id of a newly created UDP socket.
type CreateUDPResponse struct{ ID int }

// CreateTCPResponse carries the id of a newly created (still-connecting)
// TCP socket.
type CreateTCPResponse struct{ ID int }

// CloseResponse confirms a socket was closed and un-indexed.
type CloseResponse struct{ ID int }

// GetLocalIPAddressesResponse carries every discovered non-loopback address.
type GetLocalIPAddressesResponse struct{ Addresses []net.IP }

// ErrorResponse indicates a request could not even start (bind/connect
// setup failed). It carries no id because none was ever allocated.
type ErrorResponse struct{ Cause error }

// IdentifiableErrorResponse indicates a previously created resource has
// failed or been invalidated; id is no longer valid after this.
type IdentifiableErrorResponse struct{ ID int }

// ConnectedTCPNotification fires exactly once per successful TCP connect.
type ConnectedTCPNotification struct{ ID int }

// ReadTCPNotification carries one or more bytes read from the stream.
type ReadTCPNotification struct {
	ID   int
	Data []byte
}

// ReadUDPNotification carries exactly one received datagram.
type ReadUDPNotification struct {
	ID            int
	LocalAddress  *net.UDPAddr
	RemoteAddress *net.UDPAddr
	Data          []byte
}

// WriteTCPResponse reports a prefix of the outgoing stream actually written.
type WriteTCPResponse struct {
	ID int
	N  int
}

// WriteUDPResponse reports one datagram sent.
type WriteUDPResponse struct {
	ID int
	N  int
}

// WriteEmptyTCPNotification fires once exactly when the outgoing TCP queue
// drains, and not again until new writes are enqueued and drained again.
type WriteEmptyTCPNotification struct{ ID int }

// WriteEmptyUDPNotification is the UDP analogue of WriteEmptyTCPNotification.
type WriteEmptyUDPNotification struct{ ID int }
