// Package gwproc is the Process Gateway: a single-threaded actor that
// supervises child processes, mirroring gwnet's role for sockets. Callers
// never touch an *os.Process directly; they exchange immutable messages with
// the gateway's request bus, and the gateway's own goroutine is the only one
// that ever mutates gateway state.
package gwproc

import "github.com/ozerelkerem/portmapper/bus"

// Stream identifies which of a child process's standard streams a
// notification concerns.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// CreateProcessRequest asks the gateway to spawn a child process. ID and
// error responses are sent to ResponseBus.
type CreateProcessRequest struct {
	Executable  string
	Args        []string
	ResponseBus bus.Bus
}

// CreateProcessResponse reports the identifier assigned to a newly spawned
// process, routed to every future notification concerning it.
type CreateProcessResponse struct {
	ID int
}

// WriteProcessRequest queues Data for delivery to the process's stdin.
type WriteProcessRequest struct {
	ID   int
	Data []byte
}

// CloseProcessRequest asks the gateway to terminate a process. Termination
// is asynchronous: the caller learns the outcome from a later
// ExitProcessNotification or IdentifiableErrorResponse, once the exit waiter
// observes the process has actually died.
type CloseProcessRequest struct {
	ID int
}

// KillRequest asks the gateway to terminate every process it supervises and
// shut its run loop down. It carries no response bus; completion is
// observed via Gateway.Wait.
type KillRequest struct{}

// ReadProcessNotification reports bytes read from a process's stdout or
// stderr.
type ReadProcessNotification struct {
	ID     int
	Stream Stream
	Data   []byte
}

// WriteEmptyProcessNotification fires once every time the process's stdin
// write queue transitions from non-empty to empty, mirroring gwnet's
// WriteEmptyTCPNotification/WriteEmptyUDPNotification.
type WriteEmptyProcessNotification struct {
	ID int
}

// ExitProcessNotification reports that a process exited, on its own or
// after a CloseProcessRequest, with the operating system's reported exit
// code. Code is -1 when no conventional exit code is available (for
// example, the process was killed by a signal).
type ExitProcessNotification struct {
	ID   int
	Code int
}

// ErrorResponse reports a failure with no process identifier yet assigned
// (e.g. the executable could not be started).
type ErrorResponse struct {
	Cause error
}

// IdentifiableErrorResponse reports a failure tied to a specific, already
// assigned process id -- the Process Gateway analogue of gwnet's identically
// named type. It is also how anyone with a still-open entry at kill time
// learns a process is gone, in place of a terminal
// ExitProcessNotification.
type IdentifiableErrorResponse struct {
	ID    int
	Cause error
}

// terminatedMessage is posted onto the gateway's own request bus by a
// process's exit waiter goroutine once os/exec reports it has died. It is
// never sent by callers.
type terminatedMessage struct {
	id      int
	code    int
	waitErr error
}

// writeEmptyMessage is posted onto the gateway's own request bus by a
// process's stdin writer goroutine after it drains one batch of queued
// writes to empty.
type writeEmptyMessage struct {
	id int
}

// readMessage is posted onto the gateway's own request bus by a process's
// stdout/stderr reader goroutine whenever a read returns data.
type readMessage struct {
	id     int
	stream Stream
	data   []byte
}
