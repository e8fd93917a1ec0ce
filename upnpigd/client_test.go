package upnpigd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient is a fake igdClient recording calls, standing in for a real
// WANIPConnection1/WANPPPConnection1 SOAP client.
type stubClient struct {
	externalIP string

	addCalls []struct {
		remoteHost, protocol, internalClient, description string
		externalPort, internalPort                         uint16
		enabled                                            bool
		lease                                               uint32
	}
	deleteCalls []struct {
		remoteHost, protocol string
		externalPort         uint16
	}

	addErr    error
	deleteErr error
	ipErr     error
}

func (s *stubClient) AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, lease uint32) error {
	s.addCalls = append(s.addCalls, struct {
		remoteHost, protocol, internalClient, description string
		externalPort, internalPort                         uint16
		enabled                                            bool
		lease                                               uint32
	}{remoteHost, protocol, internalClient, description, externalPort, internalPort, enabled, lease})
	return s.addErr
}

func (s *stubClient) DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error {
	s.deleteCalls = append(s.deleteCalls, struct {
		remoteHost, protocol string
		externalPort         uint16
	}{remoteHost, protocol, externalPort})
	return s.deleteErr
}

func (s *stubClient) GetExternalIPAddress() (string, error) {
	return s.externalIP, s.ipErr
}

func TestAddMappingCallsClientWithExpectedArguments(t *testing.T) {
	stub := &stubClient{}
	m := newWithClient(stub, DefaultConfig())

	mapping, err := m.AddMapping("tcp", 8080, net.IPv4(192, 168, 1, 20), 1800)
	require.NoError(t, err)
	assert.Equal(t, 8080, mapping.ExternalPort)
	assert.Equal(t, uint32(1800), mapping.Lease)

	require.Len(t, stub.addCalls, 1)
	call := stub.addCalls[0]
	assert.Equal(t, "TCP", call.protocol)
	assert.Equal(t, uint16(8080), call.externalPort)
	assert.Equal(t, uint16(8080), call.internalPort)
	assert.Equal(t, "192.168.1.20", call.internalClient)
	assert.True(t, call.enabled)
	assert.Equal(t, uint32(1800), call.lease)
}

func TestAddMappingDefaultsLeaseWhenZero(t *testing.T) {
	stub := &stubClient{}
	m := newWithClient(stub, DefaultConfig())

	_, err := m.AddMapping("udp", 53, net.IPv4(10, 0, 0, 5), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultLeaseDuration), stub.addCalls[0].lease)
}

func TestAddMappingWrapsClientError(t *testing.T) {
	stub := &stubClient{addErr: assert.AnError}
	m := newWithClient(stub, DefaultConfig())

	_, err := m.AddMapping("tcp", 8080, net.IPv4(192, 168, 1, 20), 3600)
	require.Error(t, err)
	var mapErr *MappingError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, 8080, mapErr.Port)
}

func TestDeleteMappingRemovesFromIndex(t *testing.T) {
	stub := &stubClient{}
	m := newWithClient(stub, DefaultConfig())
	_, err := m.AddMapping("tcp", 8080, net.IPv4(192, 168, 1, 20), 3600)
	require.NoError(t, err)

	require.NoError(t, m.DeleteMapping("tcp", 8080))
	require.Len(t, stub.deleteCalls, 1)
	assert.Equal(t, uint16(8080), stub.deleteCalls[0].externalPort)

	m.mu.RLock()
	_, tracked := m.mappings[8080]
	m.mu.RUnlock()
	assert.False(t, tracked)
}

func TestExternalIPAddressParsesResult(t *testing.T) {
	stub := &stubClient{externalIP: "203.0.113.9"}
	m := newWithClient(stub, DefaultConfig())

	ip, err := m.ExternalIPAddress()
	require.NoError(t, err)
	assert.True(t, net.IPv4(203, 0, 113, 9).Equal(ip))
}

func TestExternalIPAddressRejectsGarbage(t *testing.T) {
	stub := &stubClient{externalIP: "not-an-ip"}
	m := newWithClient(stub, DefaultConfig())

	_, err := m.ExternalIPAddress()
	assert.Error(t, err)
}
