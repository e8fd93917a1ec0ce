//go:build linux

// Package gwnet's reactor is an epoll(7) selector, grounded on the same
// approach as momentics-hioload-ws's reactor/epoll_reactor.go and
// reactor/reactor_linux.go: Go's net package exposes no selector over
// arbitrary non-blocking file descriptors, so the Network Gateway talks to
// the kernel directly through golang.org/x/sys/unix.
package gwnet

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// selector owns the epoll instance plus the eventfd used to wake a blocked
// epoll_wait when a message is posted to the gateway's request bus —
// the Go equivalent of the original substrate's NetworkBus calling
// Selector.wakeup() on every send.
type selector struct {
	epfd   int
	wakeFD int
}

func newSelector() (*selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	s := &selector{epfd: epfd, wakeFD: wakeFD}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}
	return s, nil
}

// interestToEpoll converts our interest bitmask to epoll event flags.
func interestToEpoll(i interest) uint32 {
	var e uint32 = unix.EPOLLIN // readable always registered
	if i&interestWritable != 0 {
		e |= unix.EPOLLOUT
	}
	if i&interestConnectable != 0 {
		// Linux reports a completed (or failed) connect as EPOLLOUT, same
		// bit as writable-ready; there is no distinct "connectable" flag.
		e |= unix.EPOLLOUT
	}
	return e
}

// register adds fd to the epoll set with the given interest.
func (s *selector) register(fd int, i interest) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: interestToEpoll(i),
		Fd:     int32(fd),
	})
}

// modify updates fd's registered interest.
func (s *selector) modify(fd int, i interest) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: interestToEpoll(i),
		Fd:     int32(fd),
	})
}

// unregister removes fd from the epoll set. Errors are ignored by callers:
// a fd already closed is implicitly dropped by the kernel.
func (s *selector) unregister(fd int) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// readyEvent is one epoll-reported readiness for a single fd.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

// wait blocks until at least one fd is ready (or the wake fd fires) and
// returns the batch of ready events. It never returns io timeout errors —
// EINTR is retried transparently, matching the original substrate's
// indefinitely-blocking selector.select().
func (s *selector) wait() ([]readyEvent, error) {
	var raw [128]unix.EpollEvent
	for {
		n, err := unix.EpollWait(s.epfd, raw[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		events := make([]readyEvent, 0, n)
		for i := 0; i < n; i++ {
			ev := raw[i]
			events = append(events, readyEvent{
				fd:       int(ev.Fd),
				readable: ev.Events&unix.EPOLLIN != 0,
				writable: ev.Events&unix.EPOLLOUT != 0,
				errored:  ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
			})
		}
		return events, nil
	}
}

// drainWake consumes the eventfd counter so its readability edge resets;
// level-triggered epoll would otherwise keep reporting it ready forever.
func (s *selector) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(s.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// wake writes to the eventfd, unblocking a concurrent epoll_wait.
func (s *selector) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(s.wakeFD, buf[:])
}

func (s *selector) close() {
	unix.Close(s.wakeFD)
	unix.Close(s.epfd)
}
