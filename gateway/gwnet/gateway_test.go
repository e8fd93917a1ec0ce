//go:build linux

package gwnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozerelkerem/portmapper/bus"
)

// drain polls q with DrainTo (spec.md §6's "ready-polling receive") until at
// least one message satisfying want arrives, or the deadline passes. Every
// other message drained meanwhile is put back on q for later drains.
func drain(t *testing.T, q bus.Queue, want func(any) bool, timeout time.Duration) any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var pending []any
	for time.Now().Before(deadline) {
		pending = append(pending, q.DrainTo()...)
		for i, m := range pending {
			if want(m) {
				for j, other := range pending {
					if j != i {
						q.Send(other)
					}
				}
				return m
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for message; saw %#v", pending)
	return nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		g.Bus().Send(KillRequest{})
		g.Wait()
	})
	return g
}

// TestUDPEchoSimple exercises spec.md §8's UDP echo scenario directly
// against a plain net.ListenUDP peer.
func TestUDPEchoSimple(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	go func() {
		buf := make([]byte, 1024)
		n, addr, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) == "ping" {
			_, _ = peer.WriteToUDP([]byte("pong"), addr)
		}
	}()

	g := newTestGateway(t)
	resp := bus.New()
	g.Bus().Send(CreateUDPRequest{SourceAddress: net.IPv4(127, 0, 0, 1), ResponseBus: resp})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateUDPResponse); return ok }, time.Second).(CreateUDPResponse)

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	g.Bus().Send(WriteUDPRequest{ID: created.ID, RemoteAddress: peerAddr, Data: []byte("ping")})
	writeResp := drain(t, resp, func(m any) bool { _, ok := m.(WriteUDPResponse); return ok }, time.Second).(WriteUDPResponse)
	assert.Equal(t, 4, writeResp.N)

	read := drain(t, resp, func(m any) bool { _, ok := m.(ReadUDPNotification); return ok }, time.Second).(ReadUDPNotification)
	assert.Equal(t, "pong", string(read.Data))
	assert.Equal(t, created.ID, read.ID)

	g.Bus().Send(CloseRequest{ID: created.ID, ResponseBus: resp})
	drain(t, resp, func(m any) bool { r, ok := m.(CloseResponse); return ok && r.ID == created.ID }, time.Second)
}

func TestTCPConnectWriteRead(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	g := newTestGateway(t)
	resp := bus.New()
	addr := ln.Addr().(*net.TCPAddr)
	g.Bus().Send(CreateTCPRequest{
		SourceAddress:      net.IPv4(0, 0, 0, 0),
		DestinationAddress: addr.IP,
		DestinationPort:    addr.Port,
		ResponseBus:        resp,
	})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateTCPResponse); return ok }, time.Second).(CreateTCPResponse)
	drain(t, resp, func(m any) bool { n, ok := m.(ConnectedTCPNotification); return ok && n.ID == created.ID }, time.Second)

	conn := <-accepted
	defer conn.Close()

	g.Bus().Send(WriteTCPRequest{ID: created.ID, Data: []byte("hello")})
	writeResp := drain(t, resp, func(m any) bool { _, ok := m.(WriteTCPResponse); return ok }, time.Second).(WriteTCPResponse)
	assert.Equal(t, 5, writeResp.N)
	drain(t, resp, func(m any) bool { n, ok := m.(WriteEmptyTCPNotification); return ok && n.ID == created.ID }, time.Second)

	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)
	read := drain(t, resp, func(m any) bool { _, ok := m.(ReadTCPNotification); return ok }, time.Second).(ReadTCPNotification)
	assert.Equal(t, "world", string(read.Data))

	g.Bus().Send(CloseRequest{ID: created.ID, ResponseBus: resp})
	drain(t, resp, func(m any) bool { r, ok := m.(CloseResponse); return ok && r.ID == created.ID }, time.Second)
}

func TestTCPConnectFailure(t *testing.T) {
	// Bind a socket to reserve a port, close it immediately so nothing is
	// listening there -- loopback connections to a closed port are refused
	// promptly rather than timing out, keeping the test fast.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	g := newTestGateway(t)
	resp := bus.New()
	g.Bus().Send(CreateTCPRequest{
		SourceAddress:      net.IPv4(0, 0, 0, 0),
		DestinationAddress: addr.IP,
		DestinationPort:    addr.Port,
		ResponseBus:        resp,
	})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateTCPResponse); return ok }, time.Second).(CreateTCPResponse)

	msg := drain(t, resp, func(m any) bool {
		switch v := m.(type) {
		case IdentifiableErrorResponse:
			return v.ID == created.ID
		case ConnectedTCPNotification:
			t.Fatalf("unexpected successful connect to closed port")
		}
		return false
	}, 2*time.Second)
	_, ok := msg.(IdentifiableErrorResponse)
	assert.True(t, ok)
}

func TestKillSweep(t *testing.T) {
	g, err := New()
	require.NoError(t, err)

	resp := bus.New()
	var ids []int
	for i := 0; i < 3; i++ {
		g.Bus().Send(CreateUDPRequest{SourceAddress: net.IPv4(127, 0, 0, 1), ResponseBus: resp})
		created := drain(t, resp, func(m any) bool { _, ok := m.(CreateUDPResponse); return ok }, time.Second).(CreateUDPResponse)
		ids = append(ids, created.ID)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)
	g.Bus().Send(CreateTCPRequest{SourceAddress: net.IPv4(0, 0, 0, 0), DestinationAddress: addr.IP, DestinationPort: addr.Port, ResponseBus: resp})
	createdTCP := drain(t, resp, func(m any) bool { _, ok := m.(CreateTCPResponse); return ok }, time.Second).(CreateTCPResponse)
	ids = append(ids, createdTCP.ID)

	g.Bus().Send(KillRequest{})
	g.Wait()

	seen := map[int]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < len(ids) && time.Now().Before(deadline) {
		for _, m := range resp.DrainTo() {
			if e, ok := m.(IdentifiableErrorResponse); ok {
				seen[e.ID] = true
			}
		}
	}
	for _, id := range ids {
		assert.True(t, seen[id], "expected IdentifiableErrorResponse for id %d", id)
	}
}

func TestGetLocalIPAddresses(t *testing.T) {
	g := newTestGateway(t)
	resp := bus.New()
	g.Bus().Send(GetLocalIPAddressesRequest{ResponseBus: resp})
	r := drain(t, resp, func(m any) bool { _, ok := m.(GetLocalIPAddressesResponse); return ok }, time.Second).(GetLocalIPAddressesResponse)
	for _, ip := range r.Addresses {
		assert.False(t, ip.IsLoopback())
	}
}

func TestWriteEmptyFiresOnce(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, _, err := peer.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	g := newTestGateway(t)
	resp := bus.New()
	g.Bus().Send(CreateUDPRequest{SourceAddress: net.IPv4(127, 0, 0, 1), ResponseBus: resp})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateUDPResponse); return ok }, time.Second).(CreateUDPResponse)
	// A fresh socket starts with notifiedOfWritable unset, so it announces its
	// empty queue once before any write is enqueued.
	drain(t, resp, func(m any) bool { e, ok := m.(WriteEmptyUDPNotification); return ok && e.ID == created.ID }, time.Second)

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	const n = 5
	for i := 0; i < n; i++ {
		g.Bus().Send(WriteUDPRequest{ID: created.ID, RemoteAddress: peerAddr, Data: []byte("x")})
	}

	writeResponses := 0
	deadline := time.Now().Add(2 * time.Second)
	sawEmpty := false
	for time.Now().Before(deadline) {
		for _, m := range resp.DrainTo() {
			switch m.(type) {
			case WriteUDPResponse:
				require.False(t, sawEmpty, "write response arrived after write-empty notification")
				writeResponses++
			case WriteEmptyUDPNotification:
				require.False(t, sawEmpty, "write-empty notification fired twice")
				sawEmpty = true
			}
		}
		if sawEmpty {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, n, writeResponses)
	assert.True(t, sawEmpty)

	// No further write-empty notification should show up without new writes.
	time.Sleep(20 * time.Millisecond)
	for _, m := range resp.DrainTo() {
		_, ok := m.(WriteEmptyUDPNotification)
		assert.False(t, ok, "spurious second write-empty notification")
	}
}
