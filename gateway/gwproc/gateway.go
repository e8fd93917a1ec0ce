package gwproc

import (
	"os/exec"

	"github.com/ozerelkerem/portmapper/bus"
	"github.com/ozerelkerem/portmapper/lib/log"
)

var logger = log.Logger("gateway/process")

// Gateway is the Process Gateway: a single goroutine that owns every
// supervised child process, driven entirely by messages arriving on its
// request bus. It is the gwproc counterpart to gwnet.Gateway.
type Gateway struct {
	reqBus bus.Queue
	idMap  map[int]*entry
	nextID int
	done   chan struct{}
}

// New starts a Process Gateway and its run loop goroutine.
func New() *Gateway {
	g := &Gateway{
		reqBus: bus.New(),
		idMap:  make(map[int]*entry),
		done:   make(chan struct{}),
	}
	go g.run()
	return g
}

// Bus returns the request bus callers send messages to.
func (g *Gateway) Bus() bus.Bus {
	return g.reqBus
}

// Wait blocks until the gateway's run loop has exited, following a
// KillRequest.
func (g *Gateway) Wait() {
	<-g.done
}

func (g *Gateway) run() {
	defer func() {
		g.shutdownAll()
		close(g.done)
	}()

	for {
		msg := g.reqBus.Take()
		if g.processMessage(msg) {
			return
		}
	}
}

// processMessage handles one request or internal worker message. It returns
// true when the gateway should shut down.
func (g *Gateway) processMessage(msg any) bool {
	switch m := msg.(type) {
	case CreateProcessRequest:
		g.handleCreate(m)
	case WriteProcessRequest:
		g.handleWrite(m)
	case CloseProcessRequest:
		g.handleClose(m)
	case KillRequest:
		return true

	case terminatedMessage:
		g.handleTerminated(m)
	case writeEmptyMessage:
		g.handleWriteEmpty(m)
	case readMessage:
		g.handleRead(m)
	}
	return false
}

func (g *Gateway) handleCreate(req CreateProcessRequest) {
	cmd := exec.Command(req.Executable, req.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}

	if err := cmd.Start(); err != nil {
		req.ResponseBus.Send(ErrorResponse{Cause: err})
		return
	}

	id := g.nextID
	g.nextID++
	e := newEntry(id, req.ResponseBus, cmd, stdin, stdout, stderr)
	g.idMap[id] = e

	go runStdinWriter(g.reqBus, id, e.stdinBus, e.stdin)
	go runReader(g.reqBus, id, Stdout, e.stdout)
	go runReader(g.reqBus, id, Stderr, e.stderr)
	go runExitWaiter(g.reqBus, id, cmd)

	logger.Debug("process created", "id", id, "executable", req.Executable)
	req.ResponseBus.Send(CreateProcessResponse{ID: id})
}

func (g *Gateway) handleWrite(req WriteProcessRequest) {
	e, ok := g.idMap[req.ID]
	if !ok {
		return
	}
	e.stdinBus.Send(req.Data)
}

// handleClose asks the OS to kill the process. It does not itself respond
// to the caller or remove the entry: the exit waiter observing the process
// die drives that. This differs from gwnet, which answers a CloseRequest
// at once with a CloseResponse.
func (g *Gateway) handleClose(req CloseProcessRequest) {
	e, ok := g.idMap[req.ID]
	if !ok {
		return
	}
	_ = e.cmd.Process.Kill()
}

// handleWriteEmpty forwards one WriteEmptyProcessNotification. The entry
// stays in the id index: this message carries no information about process
// liveness, only about the stdin queue having drained, so removing the
// entry here would sever the id from every later notification concerning a
// still-running process.
func (g *Gateway) handleWriteEmpty(m writeEmptyMessage) {
	e, ok := g.idMap[m.id]
	if !ok {
		return
	}
	e.responseBus.Send(WriteEmptyProcessNotification{ID: m.id})
}

// handleRead forwards one ReadProcessNotification. As with handleWriteEmpty,
// the entry is never removed here: a read says nothing about whether the
// process has exited.
func (g *Gateway) handleRead(m readMessage) {
	e, ok := g.idMap[m.id]
	if !ok {
		return
	}
	e.responseBus.Send(ReadProcessNotification{ID: m.id, Stream: m.stream, Data: m.data})
}

// handleTerminated is the only place an entry is removed from the id index
// while the gateway runs: it runs once the exit waiter confirms the process
// has actually died, whether after a CloseProcessRequest or on its own.
// The shutdown sweep (shutdownAll) drops every remaining entry itself.
func (g *Gateway) handleTerminated(m terminatedMessage) {
	e, ok := g.idMap[m.id]
	if !ok {
		return
	}
	delete(g.idMap, m.id)
	g.stopEntry(e)

	if m.waitErr != nil {
		logger.Debug("process terminated with error", "id", m.id, "err", m.waitErr)
	}
	e.responseBus.Send(ExitProcessNotification{ID: m.id, Code: m.code})
}

// stopEntry releases everything the entry's worker goroutines were blocked
// on. Closing the stdio pipes is this package's equivalent of interrupting
// the reader threads; posting stdinStop is the equivalent for the writer,
// which blocks on its own private bus rather than on I/O.
func (g *Gateway) stopEntry(e *entry) {
	_ = e.stdout.Close()
	_ = e.stderr.Close()
	e.stdinBus.Send(stdinStop{})
}

// shutdownAll runs once, as the run loop exits following a KillRequest. It
// kills every still-supervised process and reports its disappearance to the
// caller as an error rather than waiting for each one's own exit waiter,
// since the run loop that would process those terminatedMessages is itself
// going away.
func (g *Gateway) shutdownAll() {
	for id, e := range g.idMap {
		_ = e.cmd.Process.Kill()
		g.stopEntry(e)
		e.responseBus.Send(IdentifiableErrorResponse{ID: id, Cause: errGatewayClosed})
	}
	g.idMap = nil
}
