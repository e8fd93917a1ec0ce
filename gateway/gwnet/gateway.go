//go:build linux

// Package gwnet is the Network Gateway: a single-threaded, non-blocking
// reactor multiplexing UDP and TCP sockets behind one OS selector, reachable
// only through asynchronous message passing on a bus. See spec.md §4.2.
package gwnet

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/ozerelkerem/portmapper/bus"
	"github.com/ozerelkerem/portmapper/lib/log"
)

var logger = log.Logger("gateway/network")

// wakingBus wraps the gateway's own request queue so that every Send also
// wakes the selector — see reactor_linux.go's selector.wake doc comment.
type wakingBus struct {
	bus.Queue
	sel *selector
}

func (w *wakingBus) Send(msg any) {
	w.Queue.Send(msg)
	w.sel.wake()
}

// Gateway is the Network Gateway actor. Construct with New; obtain its
// request bus with Bus.
type Gateway struct {
	reqBus *wakingBus
	sel    *selector

	// Everything below is touched only by the run goroutine.
	idMap  map[int]entry
	fdMap  map[int]entry
	nextID int
	buf    [65535]byte
	done   chan struct{}
}

// New starts a Network Gateway and its reactor goroutine.
func New() (*Gateway, error) {
	sel, err := newSelector()
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		reqBus: &wakingBus{Queue: bus.New(), sel: sel},
		sel:    sel,
		idMap:  make(map[int]entry),
		fdMap:  make(map[int]entry),
		done:   make(chan struct{}),
	}
	go g.run()
	return g, nil
}

// Bus returns the gateway's request bus. Every request carries its own
// response bus (see messages.go); the gateway never calls a caller back
// synchronously.
func (g *Gateway) Bus() bus.Bus { return g.reqBus }

// Wait blocks until the gateway has fully shut down (its run goroutine has
// returned after processing a KillRequest). It is not part of spec.md's
// contract but is convenient for tests and orderly process exit.
func (g *Gateway) Wait() { <-g.done }

func (g *Gateway) run() {
	logger.Debug("starting gateway")
	defer func() {
		g.shutdownAll()
		g.sel.close()
		logger.Debug("gateway stopped")
		close(g.done)
	}()

	for {
		events, err := g.sel.wait()
		if err != nil {
			logger.Error("selector wait failed", "err", err)
			return
		}
		killed := false
		for _, ev := range events {
			if ev.fd == g.sel.wakeFD {
				g.sel.drainWake()
				continue
			}
			e, ok := g.fdMap[ev.fd]
			if !ok {
				closeSocket(ev.fd)
				continue
			}
			if err := g.handleEvent(e, ev); err != nil {
				logger.Error("socket error, shutting down resource", "id", e.id(), "err", err)
				g.shutdownResource(e.id())
				continue
			}
			g.refresh(e)
		}

		for _, msg := range g.reqBus.DrainTo() {
			if g.processMessage(msg) {
				killed = true
			}
		}
		if killed {
			return
		}
	}
}

func (g *Gateway) handleEvent(e entry, ev readyEvent) error {
	switch v := e.(type) {
	case *tcpEntry:
		return g.handleTCPEvent(v, ev)
	case *udpEntry:
		return g.handleUDPEvent(v, ev)
	default:
		return nil
	}
}

func (g *Gateway) handleTCPEvent(e *tcpEntry, ev readyEvent) error {
	if e.connecting && ev.writable {
		connected, err := finishConnect(e.fd())
		if err != nil {
			return err
		}
		if connected {
			e.connecting = false
			e.responseBus().Send(ConnectedTCPNotification{ID: e.id()})
		}
	}
	if ev.readable {
		n, err := readSocket(e.fd(), g.buf[:])
		if err != nil {
			return err
		}
		if n == -1 {
			return errOrderlyShutdown
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, g.buf[:n])
			e.responseBus().Send(ReadTCPNotification{ID: e.id(), Data: data})
		}
	}
	if ev.writable && !e.connecting {
		g.drainTCPWrites(e)
	}
	return nil
}

// drainTCPWrites implements spec.md §4.2's TCP-writable dispatch: drain
// queued buffers in order until one partially writes, or announce the
// drain exactly once if the queue was already empty.
func (g *Gateway) drainTCPWrites(e *tcpEntry) {
	if len(e.outgoing) == 0 {
		if !e.notifiedOfWritable() {
			e.setNotifiedOfWritable(true)
			e.responseBus().Send(WriteEmptyTCPNotification{ID: e.id()})
		}
		return
	}
	for len(e.outgoing) > 0 {
		head := e.outgoing[0]
		n, err := writeSocket(e.fd(), head[e.offset:])
		if err != nil {
			g.shutdownResource(e.id())
			return
		}
		e.offset += n
		if e.offset < len(head) {
			// partial write, wait for the next writable event
			return
		}
		e.outgoing = e.outgoing[1:]
		e.offset = 0
		e.responseBus().Send(WriteTCPResponse{ID: e.id(), N: len(head)})
	}
}

func (g *Gateway) handleUDPEvent(e *udpEntry, ev readyEvent) error {
	if ev.readable {
		n, from, err := recvFromSocket(e.fd(), g.buf[:])
		if err != nil {
			return err
		}
		if from != nil {
			data := make([]byte, n)
			copy(data, g.buf[:n])
			e.responseBus().Send(ReadUDPNotification{
				ID:            e.id(),
				LocalAddress:  localAddr(e.fd()),
				RemoteAddress: from,
				Data:          data,
			})
		}
	}
	if ev.writable {
		if len(e.outgoing) > 0 {
			head := e.outgoing[0]
			e.outgoing = e.outgoing[1:]
			n, err := sendToSocket(e.fd(), head.data, head.dest)
			if err != nil {
				return err
			}
			e.responseBus().Send(WriteUDPResponse{ID: e.id(), N: n})
		} else if !e.notifiedOfWritable() {
			e.setNotifiedOfWritable(true)
			e.responseBus().Send(WriteEmptyUDPNotification{ID: e.id()})
		}
	}
	return nil
}

// refresh recomputes an entry's interest flags and re-registers with the
// selector only if the mask actually changed, spec.md §4.2 step 4.
func (g *Gateway) refresh(e entry) {
	newInterest := refreshInterest(e)
	if newInterest == e.currentInterest() {
		return
	}
	e.setCurrentInterest(newInterest)
	if err := g.sel.modify(e.fd(), newInterest); err != nil {
		logger.Error("failed to update selector interest", "id", e.id(), "err", err)
	}
}

// processMessage dispatches one request. It returns true iff the request
// was a KillRequest and the run loop should stop.
func (g *Gateway) processMessage(msg any) bool {
	switch req := msg.(type) {
	case CreateUDPRequest:
		g.handleCreateUDP(req)
	case CreateTCPRequest:
		g.handleCreateTCP(req)
	case CloseRequest:
		g.handleClose(req)
	case WriteTCPRequest:
		g.handleWriteTCP(req)
	case WriteUDPRequest:
		g.handleWriteUDP(req)
	case GetLocalIPAddressesRequest:
		g.handleGetLocalIPAddresses(req)
	case KillRequest:
		return true
	}
	return false
}

func (g *Gateway) handleCreateUDP(req CreateUDPRequest) {
	fd, _, err := newNonblockingSocket(req.SourceAddress, unix.SOCK_DGRAM)
	if err != nil {
		logger.Error("create UDP failed", "err", err)
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	id := g.nextID
	g.nextID++
	e := &udpEntry{entryID: id, socketFD: fd, respBus: req.ResponseBus}
	g.idMap[id] = e
	g.fdMap[fd] = e
	interestMask := refreshInterest(e)
	if err := g.sel.register(fd, interestMask); err != nil {
		delete(g.idMap, id)
		delete(g.fdMap, fd)
		closeSocket(fd)
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	e.registered = interestMask
	req.ResponseBus.Send(CreateUDPResponse{ID: id})
}

func (g *Gateway) handleCreateTCP(req CreateTCPRequest) {
	fd, _, err := newNonblockingSocket(req.SourceAddress, unix.SOCK_STREAM)
	if err != nil {
		logger.Error("create TCP failed", "err", err)
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	connected, err := connectNonblocking(fd, req.DestinationAddress, req.DestinationPort)
	if err != nil {
		closeSocket(fd)
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	id := g.nextID
	g.nextID++
	e := &tcpEntry{entryID: id, socketFD: fd, respBus: req.ResponseBus, connecting: !connected}
	g.idMap[id] = e
	g.fdMap[fd] = e
	interestMask := refreshInterest(e)
	if err := g.sel.register(fd, interestMask); err != nil {
		delete(g.idMap, id)
		delete(g.fdMap, fd)
		closeSocket(fd)
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	e.registered = interestMask
	req.ResponseBus.Send(CreateTCPResponse{ID: id})
	if connected {
		e.responseBus().Send(ConnectedTCPNotification{ID: id})
	}
}

func (g *Gateway) handleClose(req CloseRequest) {
	e, ok := g.idMap[req.ID]
	if !ok {
		if req.ResponseBus != nil {
			req.ResponseBus.Send(IdentifiableErrorResponse{ID: req.ID})
		}
		return
	}
	delete(g.idMap, req.ID)
	delete(g.fdMap, e.fd())
	g.sel.unregister(e.fd())
	closeSocket(e.fd())
	responseBus := req.ResponseBus
	if responseBus == nil {
		responseBus = e.responseBus()
	}
	responseBus.Send(CloseResponse{ID: req.ID})
}

func (g *Gateway) handleWriteTCP(req WriteTCPRequest) {
	e, ok := g.idMap[req.ID].(*tcpEntry)
	if !ok {
		return
	}
	if len(req.Data) == 0 {
		// Empty writes are dropped silently, TCP has no message framing.
		return
	}
	e.outgoing = append(e.outgoing, req.Data)
	g.refresh(e)
}

func (g *Gateway) handleWriteUDP(req WriteUDPRequest) {
	e, ok := g.idMap[req.ID].(*udpEntry)
	if !ok {
		return
	}
	e.outgoing = append(e.outgoing, udpOutgoing{data: req.Data, dest: req.RemoteAddress})
	g.refresh(e)
}

func (g *Gateway) handleGetLocalIPAddresses(req GetLocalIPAddressesRequest) {
	var addrs []net.IP
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	for _, a := range ifaces {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && !ip.IsLoopback() {
			addrs = append(addrs, ip)
		}
	}
	req.ResponseBus.Send(GetLocalIPAddressesResponse{Addresses: addrs})
}

// shutdownResource tears down a single entry on an unexpected failure,
// spec.md §4.2's failure policy: un-index, notify, close, quietly.
func (g *Gateway) shutdownResource(id int) {
	e, ok := g.idMap[id]
	if !ok {
		return
	}
	delete(g.idMap, id)
	delete(g.fdMap, e.fd())
	g.sel.unregister(e.fd())
	closeSocket(e.fd())
	e.responseBus().Send(IdentifiableErrorResponse{ID: id})
}

// shutdownAll runs on every exit path from run(), spec.md §4.2's "Kill
// request" and "selector failure" failure policy: every remaining socket is
// closed and every live id is notified.
func (g *Gateway) shutdownAll() {
	ids := make([]int, 0, len(g.idMap))
	for id := range g.idMap {
		ids = append(ids, id)
	}
	for _, id := range ids {
		g.shutdownResource(id)
	}
	g.idMap = make(map[int]entry)
	g.fdMap = make(map[int]entry)
}

var errOrderlyShutdown = &shutdownError{}

type shutdownError struct{}

func (*shutdownError) Error() string { return "gwnet: peer closed connection" }
