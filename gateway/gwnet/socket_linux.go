//go:build linux

package gwnet

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedPlatform is returned by New on platforms without a
// reactor_*.go implementation. On Linux this is never returned.
var ErrUnsupportedPlatform = errors.New("gwnet: unsupported platform")

// toSockaddr converts an IP/port pair to the unix.Sockaddr the raw syscalls
// need, picking IPv4 or IPv6 the way net.IP's 4-in-6 representation
// dictates.
func toSockaddr(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if ip == nil {
		ip = net.IPv4zero
	}
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: b}, unix.AF_INET, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, 0, errors.New("gwnet: invalid IP address")
	}
	var b [16]byte
	copy(b[:], v6)
	return &unix.SockaddrInet6{Port: port, Addr: b}, unix.AF_INET6, nil
}

func fromSockaddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

// newNonblockingSocket opens a non-blocking socket of the given type
// (unix.SOCK_DGRAM or unix.SOCK_STREAM) bound to source:0 (OS-chosen port).
func newNonblockingSocket(source net.IP, sockType int) (fd int, family int, err error) {
	sa, family, err := toSockaddr(source, 0)
	if err != nil {
		return -1, 0, err
	}
	fd, err = unix.Socket(family, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	return fd, family, nil
}

// connectNonblocking issues a non-blocking connect. connected is true only
// in the rare case the connect finishes synchronously (e.g. loopback);
// otherwise the caller must wait for an EPOLLOUT wakeup and call
// finishConnect.
func connectNonblocking(fd int, dest net.IP, port int) (connected bool, err error) {
	sa, _, err := toSockaddr(dest, port)
	if err != nil {
		return false, err
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		return true, nil
	}
	if err == unix.EINPROGRESS {
		return false, nil
	}
	return false, err
}

// finishConnect checks whether a pending non-blocking connect has completed,
// the Go analogue of SocketChannel.finishConnect(). It is safe to call more
// than once; once connected it keeps reporting true.
func finishConnect(fd int) (connected bool, err error) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, err
	}
	if errno != 0 {
		return false, unix.Errno(errno)
	}
	return true, nil
}

func closeSocket(fd int) {
	unix.Close(fd)
}

// readSocket performs one non-blocking read. n == 0 with err == nil
// and no data means "try again later" (EAGAIN was absorbed); n == -1
// signals orderly peer shutdown, mirroring the Java substrate's convention.
func readSocket(fd int, buf []byte) (n int, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return -1, nil
	}
	return n, nil
}

func writeSocket(fd int, buf []byte) (n int, err error) {
	n, err = unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func sendToSocket(fd int, buf []byte, dest *net.UDPAddr) (n int, err error) {
	sa, _, err := toSockaddr(dest.IP, dest.Port)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(fd, buf, 0, sa); err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	return len(buf), nil
}

func recvFromSocket(fd int, buf []byte) (n int, from *net.UDPAddr, err error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	if sa == nil {
		return n, nil, nil
	}
	return n, fromSockaddr(sa), nil
}

func localAddr(fd int) *net.UDPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}
