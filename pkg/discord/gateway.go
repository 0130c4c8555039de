package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VincentVerdynanta/utsuru/pkg/utsuruerr"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// gatewayPayload is the generic envelope every gateway frame arrives in.
// op is read first so the right concrete struct can be decoded from d.
type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	T  string          `json:"t,omitempty"`
	S  int             `json:"s,omitempty"`
}

type gatewayHello struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type gatewayVoiceStateUpdate struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type gatewayStreamCreate struct {
	RTCServerID  string `json:"rtc_server_id"`
	RTCChannelID string `json:"rtc_channel_id"`
}

type gatewayStreamServerUpdate struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// GatewaySession is the two identifiers that unlock a mirror's voice
// connection, yielded once the shard observes its own VOICE_STATE_UPDATE.
type GatewaySession struct {
	UserID    string
	SessionID string
}

// StreamServer is yielded from STREAM_CREATE / STREAM_SERVER_UPDATE: the
// RTC server + channel identifying this Go-Live session, and the voice
// token + endpoint host used to dial the voice-endpoint socket.
type StreamServer struct {
	RTCServerID  string
	RTCChannelID string
	Token        string
	Endpoint     string
}

// GatewayCoordinator owns one Discord gateway shard connection scoped to
// a single mirror: it authenticates, waits for READY, joins the target
// voice channel, and relays the raw stream-create handshake.
type GatewayCoordinator struct {
	notify    *Notifier
	token     string
	guildID   uint64
	channelID uint64
	logger    *slog.Logger

	conn *websocket.Conn
}

func NewGatewayCoordinator(notify *Notifier, token string, guildID, channelID uint64, logger *slog.Logger) *GatewayCoordinator {
	return &GatewayCoordinator{notify: notify, token: token, guildID: guildID, channelID: channelID, logger: logger}
}

// Connect dials the gateway, identifies, waits for READY, then sends the
// voice-state update and blocks until Discord echoes it back along with
// the stream-create handshake. The returned run function drives the
// shard's remaining lifetime (periodic heartbeats, with incoming frames
// read and discarded, and graceful teardown on notifier close; heartbeat
// acks are not checked) and should be spawned in its own
// goroutine; it is separate from Connect so builder errors before the
// handshake completes can be surfaced synchronously.
func (g *GatewayCoordinator) Connect(ctx context.Context) (GatewaySession, StreamServer, func(), error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return GatewaySession{}, StreamServer{}, nil, utsuruerr.New(utsuruerr.DiscordAuth, err)
	}
	g.conn = conn

	hello, err := g.readHello()
	if err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	if err := g.identify(); err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	if err := g.awaitReady(); err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	if err := g.sendVoiceStateUpdate(g.channelID); err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	session, err := g.awaitVoiceStateUpdate()
	if err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	if err := g.sendStreamCreateIntent(session.UserID); err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	server, err := g.awaitStreamHandshake()
	if err != nil {
		conn.Close()
		return GatewaySession{}, StreamServer{}, nil, err
	}

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	run := func() { g.run(heartbeatInterval) }
	return session, server, run, nil
}

func (g *GatewayCoordinator) readHello() (gatewayHello, error) {
	var payload gatewayPayload
	if err := g.conn.ReadJSON(&payload); err != nil {
		return gatewayHello{}, utsuruerr.New(utsuruerr.DiscordGateway, err)
	}
	var hello gatewayHello
	if err := json.Unmarshal(payload.D, &hello); err != nil {
		return gatewayHello{}, utsuruerr.New(utsuruerr.DiscordGateway, err)
	}
	return hello, nil
}

func (g *GatewayCoordinator) identify() error {
	payload := map[string]any{
		"op": 2,
		"d": map[string]any{
			"token":   g.token,
			"intents": 1<<9 | 1<<7 | 1<<15, // GUILD_MESSAGES | GUILD_VOICE_STATES | MESSAGE_CONTENT
			"properties": map[string]any{
				"os":      "linux",
				"browser": "utsuru",
				"device":  "utsuru",
			},
		},
	}
	if err := g.conn.WriteJSON(payload); err != nil {
		return utsuruerr.New(utsuruerr.DiscordGateway, err)
	}
	return nil
}

func (g *GatewayCoordinator) awaitReady() error {
	for {
		var payload gatewayPayload
		if err := g.conn.ReadJSON(&payload); err != nil {
			return utsuruerr.New(utsuruerr.DiscordGateway, err)
		}
		if payload.Op == 0 && payload.T == "READY" {
			return nil
		}
	}
}

func (g *GatewayCoordinator) sendVoiceStateUpdate(channelID uint64) error {
	var channel any
	if channelID != 0 {
		channel = fmt.Sprintf("%d", channelID)
	}
	payload := map[string]any{
		"op": 4,
		"d": map[string]any{
			"guild_id":   fmt.Sprintf("%d", g.guildID),
			"channel_id": channel,
			"self_mute":  false,
			"self_deaf":  false,
		},
	}
	if err := g.conn.WriteJSON(payload); err != nil {
		return utsuruerr.New(utsuruerr.DiscordGateway, err)
	}
	return nil
}

func (g *GatewayCoordinator) awaitVoiceStateUpdate() (GatewaySession, error) {
	for {
		var payload gatewayPayload
		if err := g.conn.ReadJSON(&payload); err != nil {
			return GatewaySession{}, utsuruerr.New(utsuruerr.DiscordGateway, err)
		}
		if payload.Op != 0 || payload.T != "VOICE_STATE_UPDATE" {
			continue
		}
		var data gatewayVoiceStateUpdate
		if err := json.Unmarshal(payload.D, &data); err != nil {
			continue
		}
		return GatewaySession{UserID: data.UserID, SessionID: data.SessionID}, nil
	}
}

// sendStreamCreateIntent sends op-18 stream-create followed by op-22
// set-paused=false, the two raw messages that turn a joined voice call
// into a Go-Live screen-share session.
func (g *GatewayCoordinator) sendStreamCreateIntent(userID string) error {
	create := map[string]any{
		"op": 18,
		"d": map[string]any{
			"type":             "guild",
			"guild_id":         fmt.Sprintf("%d", g.guildID),
			"channel_id":       fmt.Sprintf("%d", g.channelID),
			"preferred_region": nil,
		},
	}
	if err := g.conn.WriteJSON(create); err != nil {
		return utsuruerr.New(utsuruerr.DiscordGateway, err)
	}

	setPaused := map[string]any{
		"op": 22,
		"d": map[string]any{
			"stream_key": fmt.Sprintf("guild:%d:%d:%s", g.guildID, g.channelID, userID),
			"paused":     false,
		},
	}
	if err := g.conn.WriteJSON(setPaused); err != nil {
		return utsuruerr.New(utsuruerr.DiscordGateway, err)
	}
	return nil
}

func (g *GatewayCoordinator) awaitStreamHandshake() (StreamServer, error) {
	var server StreamServer
	haveCreate, haveServerUpdate := false, false
	for !haveCreate || !haveServerUpdate {
		var payload gatewayPayload
		if err := g.conn.ReadJSON(&payload); err != nil {
			return StreamServer{}, utsuruerr.New(utsuruerr.DiscordGateway, err)
		}
		if payload.Op != 0 {
			continue
		}
		switch payload.T {
		case "STREAM_CREATE":
			var data gatewayStreamCreate
			if err := json.Unmarshal(payload.D, &data); err != nil {
				continue
			}
			server.RTCServerID = data.RTCServerID
			server.RTCChannelID = data.RTCChannelID
			haveCreate = true
		case "STREAM_SERVER_UPDATE":
			var data gatewayStreamServerUpdate
			if err := json.Unmarshal(payload.D, &data); err != nil {
				continue
			}
			server.Token = data.Token
			server.Endpoint = data.Endpoint
			haveServerUpdate = true
		}
	}
	return server, nil
}

// run keeps the shard alive with heartbeats until the notifier wakes,
// then leaves the voice channel and closes the socket, matching
// gateway.rs's teardown (voice-state update with a nil channel, then a
// normal close).
func (g *GatewayCoordinator) run(heartbeatInterval time.Duration) {
	defer g.notify.Close()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var payload gatewayPayload
			if err := g.conn.ReadJSON(&payload); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-g.notify.Gateway():
			_ = g.sendVoiceStateUpdate(0)
			_ = g.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			g.conn.Close()
			g.logger.Warn("gateway closed")
			return
		case <-ticker.C:
			if err := g.conn.WriteJSON(map[string]any{"op": 1, "d": nil}); err != nil {
				g.logger.Warn("gateway heartbeat failed", "error", err)
				return
			}
		case <-done:
			g.logger.Warn("gateway connection closed by remote")
			return
		}
	}
}
