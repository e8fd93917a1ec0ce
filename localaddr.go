package portmapper

import (
	"fmt"
	"net"
)

// localAddressTowards returns the local address the OS would route traffic
// to dest through, without sending anything: connecting a UDP socket only
// consults the routing table. Grounded on the same trick
// dep2p/go-dep2p/internal/core/nat/upnp.go's getLocalIP uses (there always
// against 8.8.8.8:80); generalized here to the actual destination a driver
// needs a local address for, since NAT-PMP/PCP/UPnP peers are not always
// reachable the way a public DNS resolver is.
func localAddressTowards(dest net.IP) (net.IP, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(dest.String(), "9"))
	if err != nil {
		return nil, fmt.Errorf("portmapper: determine local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
