package gwnet

import (
	"net"

	"github.com/ozerelkerem/portmapper/bus"
)

// interest mirrors the OS-level readiness flags a socket can be registered
// for. readable is always set; the other two are computed per spec.md
// §4.2's "Interest-flag policy".
type interest uint8

const (
	interestReadable interest = 1 << iota
	interestWritable
	interestConnectable
)

// udpOutgoing is one queued (datagram, destination) pair, spec.md §3's
// "(buffer, destination address) pairs".
type udpOutgoing struct {
	data []byte
	dest *net.UDPAddr
}

// entry is the per-socket record a Gateway owns, spec.md §3's "Network
// Entry". tcpEntry and udpEntry are the two concrete shapes; both satisfy
// this interface so the reactor loop can treat them uniformly where the
// kind doesn't matter (index bookkeeping, interest-flag recompute).
type entry interface {
	id() int
	fd() int
	responseBus() bus.Bus
	outgoingEmpty() bool
	notifiedOfWritable() bool
	setNotifiedOfWritable(bool)
	currentInterest() interest
	setCurrentInterest(interest)
}

type udpEntry struct {
	entryID    int
	socketFD   int
	respBus    bus.Bus
	outgoing   []udpOutgoing
	notified   bool
	registered interest
}

func (e *udpEntry) id() int               { return e.entryID }
func (e *udpEntry) fd() int                { return e.socketFD }
func (e *udpEntry) responseBus() bus.Bus   { return e.respBus }
func (e *udpEntry) outgoingEmpty() bool    { return len(e.outgoing) == 0 }
func (e *udpEntry) notifiedOfWritable() bool { return e.notified }
func (e *udpEntry) setNotifiedOfWritable(v bool) { e.notified = v }
func (e *udpEntry) currentInterest() interest { return e.registered }
func (e *udpEntry) setCurrentInterest(i interest) { e.registered = i }

type tcpEntry struct {
	entryID    int
	socketFD   int
	respBus    bus.Bus
	connecting bool
	outgoing   [][]byte
	// offset is how much of outgoing[0] has already been written, since a
	// syscall write can drain only part of a buffer.
	offset     int
	notified   bool
	registered interest
}

func (e *tcpEntry) id() int                { return e.entryID }
func (e *tcpEntry) fd() int                 { return e.socketFD }
func (e *tcpEntry) responseBus() bus.Bus    { return e.respBus }
func (e *tcpEntry) outgoingEmpty() bool     { return len(e.outgoing) == 0 }
func (e *tcpEntry) notifiedOfWritable() bool { return e.notified }
func (e *tcpEntry) setNotifiedOfWritable(v bool) { e.notified = v }
func (e *tcpEntry) currentInterest() interest { return e.registered }
func (e *tcpEntry) setCurrentInterest(i interest) { e.registered = i }

// refreshInterest implements spec.md §4.2's interest-flag policy: readable
// always set; connectable iff TCP and still connecting; writable iff
// outgoing non-empty OR not yet notified of the drain. Mirroring the
// original substrate's updateSelectionKey, a non-empty outgoing queue also
// clears notifiedOfWritable here — this is the one place spec.md's
// "outgoing empty→non-empty clears notified_of_writable" invariant is
// enforced, rather than at every enqueue call site.
func refreshInterest(e entry) interest {
	i := interestReadable
	if t, ok := e.(*tcpEntry); ok && t.connecting {
		i |= interestConnectable
	}
	if !e.outgoingEmpty() {
		e.setNotifiedOfWritable(false)
		i |= interestWritable
	} else if !e.notifiedOfWritable() {
		i |= interestWritable
	}
	return i
}
