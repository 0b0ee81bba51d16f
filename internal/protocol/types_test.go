package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataPlanePacketsAreNeitherSignedNorEncryptedByDefault(t *testing.T) {
	for _, pt := range []PacketType{PacketDirect, PacketClientToServer, PacketServerToClient, PacketPassthrough} {
		require.False(t, pt.Signed(), pt)
		require.False(t, pt.Encrypted(), pt)
	}
}

func TestBackendPlanePacketsAreAlwaysSigned(t *testing.T) {
	for _, pt := range []PacketType{
		PacketBackendServerInitRequest, PacketBackendServerInitResponse,
		PacketBackendSessionUpdateRequest, PacketBackendSessionUpdateResponse,
	} {
		require.True(t, pt.Signed(), pt)
	}
}

func TestControlPlaneEncryptedSet(t *testing.T) {
	require.True(t, PacketDirectPing.Encrypted())
	require.True(t, PacketRouteUpdate.Encrypted())
	require.False(t, PacketRouteRequest.Encrypted())
	require.False(t, PacketContinueRequest.Encrypted())
}

func TestResponseTypeValues(t *testing.T) {
	require.Equal(t, ResponseType(0), ResponseDirect)
	require.Equal(t, ResponseType(1), ResponseRoute)
	require.Equal(t, ResponseType(2), ResponseContinue)
}
