package discord

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newGatewayTestServer upgrades every incoming request and hands the
// connection to script, which plays the server side of the handshake.
func newGatewayTestServer(t *testing.T, script func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		script(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGatewayHandshakeYieldsSessionAndStreamServer(t *testing.T) {
	g := &GatewayCoordinator{
		token:     "tok",
		guildID:   1,
		channelID: 2,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	g.conn = newGatewayTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": 10,
			"d":  map[string]any{"heartbeat_interval": 41250},
		}))

		var identify gatewayPayload
		require.NoError(t, conn.ReadJSON(&identify))
		require.Equal(t, 2, identify.Op)

		require.NoError(t, conn.WriteJSON(map[string]any{"op": 0, "t": "READY", "d": map[string]any{}}))

		var voiceUpdate gatewayPayload
		require.NoError(t, conn.ReadJSON(&voiceUpdate))
		require.Equal(t, 4, voiceUpdate.Op)

		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": 0, "t": "VOICE_STATE_UPDATE",
			"d": map[string]any{"user_id": "42", "session_id": "sesh"},
		}))

		var create gatewayPayload
		require.NoError(t, conn.ReadJSON(&create))
		require.Equal(t, 18, create.Op)
		var setPaused gatewayPayload
		require.NoError(t, conn.ReadJSON(&setPaused))
		require.Equal(t, 22, setPaused.Op)

		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": 0, "t": "STREAM_CREATE",
			"d": map[string]any{"rtc_server_id": "srv1", "rtc_channel_id": "chan1"},
		}))
		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": 0, "t": "STREAM_SERVER_UPDATE",
			"d": map[string]any{"token": "vtok", "endpoint": "region.discord.media:443"},
		}))
	})

	hello, err := g.readHello()
	require.NoError(t, err)
	require.Equal(t, 41250, hello.HeartbeatInterval)

	require.NoError(t, g.identify())
	require.NoError(t, g.awaitReady())
	require.NoError(t, g.sendVoiceStateUpdate(g.channelID))

	session, err := g.awaitVoiceStateUpdate()
	require.NoError(t, err)
	require.Equal(t, GatewaySession{UserID: "42", SessionID: "sesh"}, session)

	require.NoError(t, g.sendStreamCreateIntent(session.UserID))

	server, err := g.awaitStreamHandshake()
	require.NoError(t, err)
	require.Equal(t, StreamServer{
		RTCServerID:  "srv1",
		RTCChannelID: "chan1",
		Token:        "vtok",
		Endpoint:     "region.discord.media:443",
	}, server)
}

func TestGatewayAwaitVoiceStateUpdateSkipsOtherDispatches(t *testing.T) {
	g := &GatewayCoordinator{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	g.conn = newGatewayTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		require.NoError(t, conn.WriteJSON(map[string]any{"op": 0, "t": "GUILD_CREATE", "d": map[string]any{}}))
		require.NoError(t, conn.WriteJSON(map[string]any{
			"op": 0, "t": "VOICE_STATE_UPDATE",
			"d": map[string]any{"user_id": "7", "session_id": "s7"},
		}))
	})

	session, err := g.awaitVoiceStateUpdate()
	require.NoError(t, err)
	require.Equal(t, GatewaySession{UserID: "7", SessionID: "s7"}, session)
}

func TestGatewayIdentifyPayloadShape(t *testing.T) {
	g := &GatewayCoordinator{token: "secret-token", logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	done := make(chan struct{})
	var received map[string]any
	g.conn = newGatewayTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		defer close(done)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &received))
	})

	require.NoError(t, g.identify())
	<-done

	require.EqualValues(t, 2, received["op"])
	d := received["d"].(map[string]any)
	require.Equal(t, "secret-token", d["token"])
}
