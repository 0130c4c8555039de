package discord

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/VincentVerdynanta/utsuru/pkg/utsuruerr"
)

const (
	endpointAudioPayloadType    = 111
	endpointVideoPayloadType    = 102
	endpointVideoRTXPayloadType = 103
)

// GatewayStream describes one simulcast layer Discord offers for this
// Go-Live session, carried on EndpointEvent opcode 2.
type GatewayStream struct {
	Type          string
	SSRC          uint32
	RTXSSRC       uint32
	RID           string
	Quality       uint8
	Active        bool
	MaxBitrate    *uint32
	MaxFramerate  *uint8
	MaxResolution *GatewayResolution
}

type GatewayResolution struct {
	Type   string
	Width  uint16
	Height uint16
}

// Feed is handed back once the voice-endpoint socket reports the
// session's SSRCs (opcode 2): the peer connection and its two RTP
// senders, ready for the mirror to negotiate against.
type Feed struct {
	PeerConnection *webrtc.PeerConnection
	AudioSender    *webrtc.RTPSender
	VideoSender    *webrtc.RTPSender
	Streams        []GatewayStream
}

// remoteSDP is what opcode 4 and the first binary frame after it yield:
// Discord's SDP answer and the negotiated DAVE protocol version (from
// opcode 4), and the raw bytes of that binary frame, the initial MLS
// external-sender message.
type remoteSDP struct {
	sdp                 string
	daveProtocolVersion uint16
	payload             []byte
}

type endpointPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type endpointOpCode2 struct {
	Streams []struct {
		Type         string  `json:"type"`
		SSRC         uint32  `json:"ssrc"`
		RTXSSRC      uint32  `json:"rtx_ssrc"`
		RID          string  `json:"rid"`
		Quality      uint8   `json:"quality"`
		Active       bool    `json:"active"`
		MaxBitrate   *uint32 `json:"max_bitrate"`
		MaxFramerate *uint8  `json:"max_framerate"`
	} `json:"streams"`
}

type endpointOpCode4 struct {
	SDP                 string `json:"sdp"`
	DaveProtocolVersion uint16 `json:"dave_protocol_version"`
}

type endpointOpCode6 struct {
	T uint64 `json:"t"`
}

type endpointOpCode8 struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

type endpointOpCode11 struct {
	UserIDs []string `json:"user_ids"`
}

type endpointOpCode13 struct {
	UserID string `json:"user_id"`
}

type endpointOpCode21 struct {
	TransitionID    uint16 `json:"transition_id"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

type endpointOpCode22 struct {
	TransitionID uint16 `json:"transition_id"`
}

type endpointOpCode24 struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	Epoch           uint8  `json:"epoch"`
}

// EndpointIdentity is everything the voice-endpoint identify payload
// (opcode 0) needs, harvested from the gateway handshake.
type EndpointIdentity struct {
	ServerID  string
	ChannelID string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// EndpointCoordinator owns the voice-endpoint websocket: identify, the
// pion/webrtc "screen share" peer, and the event router that fans
// opcodes out to the DAVE coordinator, the heartbeat loop, and the
// one-shot SDP/nonce channels the mirror builder waits on.
type EndpointCoordinator struct {
	notify *Notifier
	dave   *DAVECoordinator
	logger *slog.Logger

	identity EndpointIdentity
	uri      string
	conn     *websocket.Conn

	egress chan egressFrame

	feedOnce    sync.Once
	feed        chan Feed
	nego        chan struct{}
	connected   chan struct{}
	nonce       chan uint64
	heartbeatCh chan uint64
	remoteOnce  sync.Once
	remoteCh    chan remoteSDP

	pendingSession *remoteSDP
}

func NewEndpointCoordinator(notify *Notifier, dave *DAVECoordinator, identity EndpointIdentity, egress chan egressFrame, logger *slog.Logger) *EndpointCoordinator {
	return &EndpointCoordinator{
		notify:      notify,
		dave:        dave,
		logger:      logger,
		identity:    identity,
		uri:         fmt.Sprintf("wss://%s/?v=9", identity.Endpoint),
		egress:      egress,
		feed:        make(chan Feed, 1),
		nego:        make(chan struct{}, 1),
		connected:   make(chan struct{}, 1),
		nonce:       make(chan uint64, 4),
		heartbeatCh: make(chan uint64, 1),
		remoteCh:    make(chan remoteSDP, 1),
	}
}

// Connect dials the voice-endpoint socket and sends the opcode-0 identify
// payload. The local screen-share peer connection is built later, by
// InitFeed, when opcode 2 arrives. The returned run function drives the
// socket's remaining lifetime and should be spawned in its own goroutine.
func (e *EndpointCoordinator) Connect() (func(), error) {
	conn, _, err := websocket.DefaultDialer.Dial(e.uri, nil)
	if err != nil {
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	e.conn = conn

	identify := map[string]any{
		"op": 0,
		"d": map[string]any{
			"server_id":                 e.identity.ServerID,
			"channel_id":                e.identity.ChannelID,
			"user_id":                   e.identity.UserID,
			"session_id":                e.identity.SessionID,
			"token":                     e.identity.Token,
			"max_dave_protocol_version": 1,
			"video":                     true,
			"streams": []map[string]any{{
				"type":    "screen",
				"rid":     "100",
				"quality": 100,
			}},
		},
	}
	if err := conn.WriteJSON(identify); err != nil {
		conn.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	return e.run, nil
}

// InitFeed builds the local screen-share peer connection: video
// H264/102 plus RTX/103, audio Opus/111, randomly-generated short-form
// ICE credentials, and one background RTCP-drain goroutine per sender.
// Negotiation() and Connected() fire once on negotiation-needed and on
// the ICE connection reaching Connected; the same handler closes the
// peer on ICEConnectionStateFailed, so callers must not re-register
// OnICEConnectionStateChange on the returned peer connection.
func (e *EndpointCoordinator) InitFeed() (*webrtc.PeerConnection, *webrtc.RTPSender, *webrtc.RTPSender, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		PayloadType:        endpointVideoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "video/rtx",
			ClockRate:   90000,
			SDPFmtpLine: fmt.Sprintf("apt=%d", endpointVideoPayloadType),
		},
		PayloadType: endpointVideoRTXPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        endpointAudioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	s := webrtc.SettingEngine{}
	s.SetICECredentials(generateRandomString(4), generateRandomString(24))

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s))

	config := webrtc.Configuration{
		ICEServers:         nil,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	var closeOnce sync.Once
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.Info("endpoint: ICE connection state changed", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected:
			select {
			case e.connected <- struct{}{}:
			default:
			}
		case webrtc.ICEConnectionStateFailed:
			closeOnce.Do(func() {
				_ = pc.Close()
				e.logger.Warn("endpoint: closing screen-share peer after ICE failure")
			})
		}
	})

	var negoOnce sync.Once
	pc.OnNegotiationNeeded(func() {
		negoOnce.Do(func() {
			select {
			case e.nego <- struct{}{}:
			default:
			}
		})
	})

	audioTransceiver, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{})
	if err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	audioSender := audioTransceiver.Sender()
	go drainRTCP(audioSender, e.logger, "audio")

	videoTransceiver, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{})
	if err != nil {
		return nil, nil, nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	videoSender := videoTransceiver.Sender()
	go drainRTCP(videoSender, e.logger, "video")

	return pc, audioSender, videoSender, nil
}

func drainRTCP(sender *webrtc.RTPSender, logger *slog.Logger, kind string) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			logger.Debug("endpoint: rtp_sender read loop exit", "kind", kind)
			return
		}
	}
}

const randomStringRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateRandomString(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = randomStringRunes[rand.IntN(len(randomStringRunes))]
	}
	return string(out)
}

// Egress queues a text or binary frame for the voice-endpoint socket;
// used by the heartbeat and DAVE coordinators.
func (e *EndpointCoordinator) Egress() chan<- egressFrame { return e.egress }

// Feed yields exactly once, after opcode 2 reports this session's
// SSRCs.
func (e *EndpointCoordinator) Feed() <-chan Feed { return e.feed }

// Negotiation yields once, when the screen-share peer built by InitFeed
// fires OnNegotiationNeeded.
func (e *EndpointCoordinator) Negotiation() <-chan struct{} { return e.nego }

// Connected yields once, when the screen-share peer's ICE connection
// state reaches Connected.
func (e *EndpointCoordinator) Connected() <-chan struct{} { return e.connected }

// Nonce yields every opcode-6 heartbeat ack.
func (e *EndpointCoordinator) Nonce() <-chan uint64 { return e.nonce }

// HeartbeatInterval yields once, from opcode 8.
func (e *EndpointCoordinator) HeartbeatInterval() <-chan uint64 { return e.heartbeatCh }

// RemoteSDP yields once: the first binary frame received after opcode 4
// sets the pending SDP session.
func (e *EndpointCoordinator) RemoteSDP() <-chan remoteSDP { return e.remoteCh }

type endpointRead struct {
	msgType int
	data    []byte
	err     error
}

func (e *EndpointCoordinator) readPump(conn *websocket.Conn, reads chan<- endpointRead) {
	for {
		msgType, data, err := conn.ReadMessage()
		reads <- endpointRead{msgType: msgType, data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (e *EndpointCoordinator) run() {
	defer func() {
		e.conn.Close()
		e.logger.Warn("endpoint closed")
		e.notify.Close()
	}()

	reads := make(chan endpointRead)
	go e.readPump(e.conn, reads)

	for {
		select {
		case <-e.notify.Endpoint():
			return
		case frame := <-e.egress:
			var err error
			if frame.binary {
				err = e.conn.WriteMessage(websocket.BinaryMessage, frame.data)
			} else {
				err = e.conn.WriteMessage(websocket.TextMessage, frame.data)
			}
			if err != nil {
				return
			}
		case read := <-reads:
			if read.err != nil {
				if closeErr, ok := read.err.(*websocket.CloseError); ok {
					switch closeErr.Code {
					case 4004, 4006, 4007, 4008, 4009, 4010, 4011, 4012, 4013, 4014,
						4016, 4017, 4018, 4019, 4020:
						return
					}
				}
				conn, ok := e.resume()
				if !ok {
					return
				}
				reads = make(chan endpointRead)
				go e.readPump(conn, reads)
				continue
			}

			if read.msgType == websocket.BinaryMessage {
				e.handleBinary(read.data)
				continue
			}
			e.handleText(read.data)
		}
	}
}

// resume reconnects and sends opcode 7, mirroring endpoint.rs's
// transparent resume-on-disconnect behavior.
func (e *EndpointCoordinator) resume() (*websocket.Conn, bool) {
	conn, _, err := websocket.DefaultDialer.Dial(e.uri, nil)
	if err != nil {
		return nil, false
	}
	resume := map[string]any{
		"op": 7,
		"d": map[string]any{
			"token":      e.identity.Token,
			"session_id": e.identity.SessionID,
			"server_id":  e.identity.ServerID,
			"seq_ack":    1,
		},
	}
	if err := conn.WriteJSON(resume); err != nil {
		conn.Close()
		return nil, false
	}
	e.conn.Close()
	e.conn = conn
	return conn, true
}

func (e *EndpointCoordinator) handleBinary(data []byte) {
	if e.pendingSession != nil {
		session := *e.pendingSession
		e.pendingSession = nil
		session.payload = data
		e.remoteOnce.Do(func() { e.remoteCh <- session })
		return
	}
	e.dave.DispatchBinary(data)
}

func (e *EndpointCoordinator) handleText(data []byte) {
	var payload endpointPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	switch payload.Op {
	case 2:
		var op endpointOpCode2
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		streams := make([]GatewayStream, 0, len(op.Streams))
		for _, s := range op.Streams {
			streams = append(streams, GatewayStream{
				Type: s.Type, SSRC: s.SSRC, RTXSSRC: s.RTXSSRC, RID: s.RID,
				Quality: s.Quality, Active: s.Active,
				MaxBitrate: s.MaxBitrate, MaxFramerate: s.MaxFramerate,
			})
		}
		e.feedOnce.Do(func() {
			pc, audioSender, videoSender, err := e.InitFeed()
			if err != nil {
				e.logger.Error("endpoint: init feed failed", "error", err)
				return
			}
			select {
			case e.feed <- Feed{PeerConnection: pc, AudioSender: audioSender, VideoSender: videoSender, Streams: streams}:
			default:
			}
		})
	case 4:
		var op endpointOpCode4
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		e.pendingSession = &remoteSDP{sdp: op.SDP, daveProtocolVersion: op.DaveProtocolVersion}
	case 6:
		var op endpointOpCode6
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		select {
		case e.nonce <- op.T:
		default:
		}
	case 8:
		var op endpointOpCode8
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		select {
		case e.heartbeatCh <- op.HeartbeatInterval:
		default:
		}
	case 9:
	case 11:
		var op endpointOpCode11
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		e.dave.DispatchOpCode11(op.UserIDs)
	case 13:
		var op endpointOpCode13
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		e.dave.DispatchOpCode13(op.UserID)
	case 21:
		var op endpointOpCode21
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		e.dave.DispatchOpCode21(op.TransitionID, op.ProtocolVersion)
	case 22:
		var op endpointOpCode22
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		e.dave.DispatchOpCode22(op.TransitionID)
	case 24:
		var op endpointOpCode24
		if err := json.Unmarshal(payload.D, &op); err != nil {
			return
		}
		e.dave.DispatchOpCode24(op.ProtocolVersion, op.Epoch)
	}
}
