package gwproc

import (
	"io"
	"os/exec"

	"github.com/ozerelkerem/portmapper/bus"
)

// stdinStop is posted onto a process's private stdin bus to unblock its
// writer goroutine during shutdown; there is otherwise no way to interrupt
// a goroutine blocked in Queue.TakeAll.
type stdinStop struct{}

// entry tracks everything the gateway needs to know about one supervised
// process. It is owned exclusively by the gateway's run loop; the worker
// goroutines reach it only indirectly, through messages.
type entry struct {
	id          int
	responseBus bus.Bus

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinBus bus.Queue

	exited bool
}

func newEntry(id int, responseBus bus.Bus, cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser) *entry {
	return &entry{
		id:          id,
		responseBus: responseBus,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		stdinBus:    bus.New(),
	}
}
