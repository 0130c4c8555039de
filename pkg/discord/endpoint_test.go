package discord

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEndpointCoordinator(t *testing.T) *EndpointCoordinator {
	t.Helper()
	notify := NewNotifier()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dave := NewDAVECoordinator(notify, make(chan egressFrame, 4), NewNoopDaveSession, logger)
	return NewEndpointCoordinator(notify, dave, EndpointIdentity{Endpoint: "region.discord.media:443"}, make(chan egressFrame, 4), logger)
}

func TestGenerateRandomStringLengthAndAlphabet(t *testing.T) {
	s := generateRandomString(16)
	require.Len(t, s, 16)
	for _, r := range s {
		require.Contains(t, randomStringRunes, string(r))
	}
}

func TestGenerateRandomStringVariesAcrossCalls(t *testing.T) {
	a := generateRandomString(24)
	b := generateRandomString(24)
	require.NotEqual(t, a, b)
}

func TestNewEndpointCoordinatorBuildsURIFromIdentity(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	require.Equal(t, "wss://region.discord.media:443/?v=9", e.uri)
}

func TestHandleTextOpCode4SetsPendingSession(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	e.handleText([]byte(`{"op":4,"d":{"sdp":"v=0\r\n","dave_protocol_version":1}}`))

	require.NotNil(t, e.pendingSession)
	require.Equal(t, "v=0\r\n", e.pendingSession.sdp)
	require.EqualValues(t, 1, e.pendingSession.daveProtocolVersion)
}

func TestHandleTextOpCode6DeliversNonce(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	e.handleText([]byte(`{"op":6,"d":{"t":777}}`))

	select {
	case n := <-e.Nonce():
		require.EqualValues(t, 777, n)
	default:
		t.Fatal("nonce was not delivered")
	}
}

func TestHandleTextOpCode8DeliversHeartbeatInterval(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	e.handleText([]byte(`{"op":8,"d":{"heartbeat_interval":5000}}`))

	select {
	case interval := <-e.HeartbeatInterval():
		require.EqualValues(t, 5000, interval)
	default:
		t.Fatal("heartbeat interval was not delivered")
	}
}

func TestHandleTextUnknownOpIsIgnored(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	require.NotPanics(t, func() {
		e.handleText([]byte(`{"op":9999,"d":{}}`))
	})
}

func TestHandleTextMalformedJSONIsIgnored(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	require.NotPanics(t, func() {
		e.handleText([]byte(`not json`))
	})
}

func TestHandleBinaryConsumesPendingSessionOnce(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	e.pendingSession = &remoteSDP{sdp: "v=0\r\n", daveProtocolVersion: 2}

	e.handleBinary([]byte{0x01, 0x02})

	require.Nil(t, e.pendingSession)
	select {
	case session := <-e.RemoteSDP():
		require.Equal(t, "v=0\r\n", session.sdp)
		require.EqualValues(t, 2, session.daveProtocolVersion)
		require.Equal(t, []byte{0x01, 0x02}, session.payload)
	default:
		t.Fatal("remote SDP was not delivered")
	}
}

func TestHandleBinaryWithoutPendingSessionDispatchesToDave(t *testing.T) {
	e := newTestEndpointCoordinator(t)
	require.NotPanics(t, func() {
		e.handleBinary([]byte{0xAA})
	})
}
