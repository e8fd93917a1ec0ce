package gwproc

import (
	"errors"
	"io"
	"os/exec"

	"github.com/ozerelkerem/portmapper/bus"
)

const readChunkSize = 4096

// runStdinWriter drains e's private stdin bus and writes each batch to the
// process's stdin, the Go analogue of the original substrate's stdin writer
// thread. It stops when it sees a stdinStop message, posted by the gateway
// once the entry is torn down.
func runStdinWriter(gatewayBus bus.Bus, id int, stdinBus bus.Queue, stdin io.WriteCloser) {
	for {
		batch := stdinBus.TakeAll()
		stopped := false
		for _, msg := range batch {
			if _, ok := msg.(stdinStop); ok {
				stopped = true
				continue
			}
			data := msg.([]byte)
			if _, err := stdin.Write(data); err != nil {
				stopped = true
			}
		}
		if stopped {
			return
		}
		gatewayBus.Send(writeEmptyMessage{id: id})
	}
}

// runReader copies one stdout or stderr stream into readMessage notifications
// posted onto the gateway's own bus, where the single run loop turns them
// into caller-facing ReadProcessNotifications. It returns once the pipe is
// closed, either because the process exited or because the gateway closed
// it during shutdown.
func runReader(gatewayBus bus.Bus, id int, stream Stream, r io.ReadCloser) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			gatewayBus.Send(readMessage{id: id, stream: stream, data: data})
		}
		if err != nil {
			return
		}
	}
}

// runExitWaiter blocks until the process dies, then reports its outcome onto
// the gateway's own bus so cleanup always happens on the run loop goroutine.
func runExitWaiter(gatewayBus bus.Bus, id int, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		code = -1
	}
	gatewayBus.Send(terminatedMessage{id: id, code: code, waitErr: err})
}
