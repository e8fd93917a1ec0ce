package natpmp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeExternalAddressRoundTrip(t *testing.T) {
	req := encodeExternalAddressRequest()
	assert.Equal(t, []byte{protocolVersion, opExternalAddress}, req)

	resp := make([]byte, 12)
	resp[1] = opExternalAddress | responseBit
	copy(resp[8:12], net.IPv4(203, 0, 113, 7).To4())

	ip, err := decodeExternalAddressResponse(resp)
	require.NoError(t, err)
	assert.True(t, net.IPv4(203, 0, 113, 7).Equal(ip))
}

func TestDecodeExternalAddressResponseRejectsErrorResult(t *testing.T) {
	resp := make([]byte, 12)
	resp[1] = opExternalAddress | responseBit
	binary.BigEndian.PutUint16(resp[2:4], uint16(resultNotAuthorized))

	_, err := decodeExternalAddressResponse(resp)
	require.Error(t, err)
	assert.Equal(t, resultNotAuthorized, err)
}

func TestEncodeDecodeMapRequestRoundTrip(t *testing.T) {
	req := encodeMapRequest(opMapUDP, 1234, 1234, 3600)
	require.Len(t, req, 12)
	assert.Equal(t, uint16(1234), binary.BigEndian.Uint16(req[4:6]))
	assert.Equal(t, uint16(1234), binary.BigEndian.Uint16(req[6:8]))
	assert.Equal(t, uint32(3600), binary.BigEndian.Uint32(req[8:12]))

	resp := make([]byte, 16)
	resp[1] = opMapUDP | responseBit
	binary.BigEndian.PutUint16(resp[8:10], 1234)
	binary.BigEndian.PutUint16(resp[10:12], 5678)
	binary.BigEndian.PutUint32(resp[12:16], 3600)

	parsed, err := decodeMapResponse(resp, opMapUDP)
	require.NoError(t, err)
	assert.Equal(t, 1234, parsed.internalPort)
	assert.Equal(t, 5678, parsed.externalPort)
	assert.Equal(t, uint32(3600), parsed.lifetime)
}

func TestDecodeMapResponseRejectsWrongOpcode(t *testing.T) {
	resp := make([]byte, 16)
	resp[1] = opMapTCP | responseBit
	_, err := decodeMapResponse(resp, opMapUDP)
	require.Error(t, err)
}

func TestOpcodeForAcceptsBothCases(t *testing.T) {
	op, err := opcodeFor("udp")
	require.NoError(t, err)
	assert.Equal(t, byte(opMapUDP), op)

	op, err = opcodeFor("TCP")
	require.NoError(t, err)
	assert.Equal(t, byte(opMapTCP), op)

	_, err = opcodeFor("sctp")
	assert.Error(t, err)
}
