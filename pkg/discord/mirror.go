package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/VincentVerdynanta/utsuru/pkg/samplebuilder"
	"github.com/VincentVerdynanta/utsuru/pkg/utsuruerr"
)

// BuilderState names one of the eight progress stages a mirror build
// passes through, in order, reported to a caller-supplied trace channel.
type BuilderState int

const (
	VoiceConnecting BuilderState = iota
	StreamCreating
	EndpointWSConnecting
	EndpointWSSDP
	EndpointRTCCreating
	EndpointRTCNegotiation
	EndpointRTCConnecting
	DaveSessionCreating
)

func (s BuilderState) String() string {
	switch s {
	case VoiceConnecting:
		return "connecting to voice channel"
	case StreamCreating:
		return "creating new live stream session"
	case EndpointWSConnecting:
		return "connecting to live stream endpoint"
	case EndpointWSSDP:
		return "waiting remote sdp from live stream endpoint"
	case EndpointRTCCreating:
		return "creating new rtc client"
	case EndpointRTCNegotiation:
		return "rtc client currently applying all changes still pending"
	case EndpointRTCConnecting:
		return "rtc client currently connecting to live stream endpoint"
	case DaveSessionCreating:
		return "creating new dave session"
	default:
		return "unknown"
	}
}

// DiscordLiveBuilder assembles one screen-share ("Go Live") mirror: a
// gateway shard join, a voice-endpoint RTC session, and a DAVE
// coordinator, wired together into a Mirror the WHIP coordinator can
// fan samples out to.
type DiscordLiveBuilder struct {
	token     string
	guildID   uint64
	channelID uint64
	newSesh   NewDaveSessionFunc
	logger    *slog.Logger
}

func NewDiscordLiveBuilder(token string, guildID, channelID uint64, newSesh NewDaveSessionFunc, logger *slog.Logger) *DiscordLiveBuilder {
	if newSesh == nil {
		newSesh = NewNoopDaveSession
	}
	return &DiscordLiveBuilder{token: token, guildID: guildID, channelID: channelID, newSesh: newSesh, logger: logger}
}

func trace(ch chan<- BuilderState, state BuilderState) {
	if ch == nil {
		return
	}
	select {
	case ch <- state:
	default:
	}
}

// Connect runs the full handshake: gateway join, voice-endpoint
// identify, screen-share peer negotiation, and DAVE session creation.
// It blocks until the mirror is ready to accept samples or a step
// fails, in which case every spawned goroutine is unwound via notify.
func (b *DiscordLiveBuilder) Connect(ctx context.Context, traceCh chan<- BuilderState) (*DiscordLive, error) {
	notify := NewNotifier()

	trace(traceCh, VoiceConnecting)
	gatewayCoord := NewGatewayCoordinator(notify, b.token, b.guildID, b.channelID, b.logger)
	session, streamServer, runGateway, err := gatewayCoord.Connect(ctx)
	if err != nil {
		notify.Close()
		return nil, err
	}
	go runGateway()

	trace(traceCh, StreamCreating)
	trace(traceCh, EndpointWSConnecting)

	identity := EndpointIdentity{
		ServerID:  streamServer.RTCServerID,
		ChannelID: streamServer.RTCChannelID,
		UserID:    session.UserID,
		SessionID: session.SessionID,
		Token:     streamServer.Token,
		Endpoint:  streamServer.Endpoint,
	}
	egress := make(chan egressFrame, 32)
	daveCoord := NewDAVECoordinator(notify, egress, b.newSesh, b.logger)
	endpointCoord := NewEndpointCoordinator(notify, daveCoord, identity, egress, b.logger)

	runEndpoint, err := endpointCoord.Connect()
	if err != nil {
		notify.Close()
		return nil, err
	}
	go runEndpoint()
	go daveCoord.Run()

	trace(traceCh, EndpointRTCCreating)
	feed := <-endpointCoord.Feed()

	heartbeatInterval := <-endpointCoord.HeartbeatInterval()
	heartbeatCoord := NewHeartbeatCoordinator(notify, time.Duration(heartbeatInterval)*time.Millisecond, endpointCoord.Egress(), endpointCoord.Nonce(), b.logger)
	go heartbeatCoord.Run()

	trace(traceCh, EndpointRTCNegotiation)
	pc := feed.PeerConnection

	select {
	case <-endpointCoord.Negotiation():
	case <-notify.Endpoint():
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, fmt.Errorf("endpoint closed before negotiation needed"))
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	<-gatherComplete

	localDesc := pc.LocalDescription()
	if localDesc == nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, fmt.Errorf("no local description after gathering"))
	}

	localAttrs, audioSSRC, videoSSRC, audioMid, videoMid, err := collectLocalAttributes(localDesc.SDP)
	if err != nil {
		notify.Close()
		return nil, err
	}

	offerSDP := "a=extmap-allow-mixed\n" + strings.Join(localAttrs, "\n")
	offerPayload := map[string]any{
		"op": 1,
		"d": map[string]any{
			"protocol": "webrtc",
			"data":     offerSDP,
			"sdp":      offerSDP,
			"codecs": []map[string]any{
				{"name": "opus", "type": "audio", "priority": 1000, "payload_type": endpointAudioPayloadType, "rtx_payload_type": nil},
				{"name": "H264", "type": "video", "priority": 1000, "payload_type": endpointVideoPayloadType, "rtx_payload_type": endpointVideoRTXPayloadType},
			},
			"rtc_connection_id": uuid.NewString(),
		},
	}
	sendEgressText(endpointCoord.Egress(), offerPayload)

	sendEgressText(endpointCoord.Egress(), map[string]any{
		"op": 5,
		"d":  map[string]any{"speaking": 1, "delay": 5, "ssrc": 0},
	})

	active := map[string]any{
		"op": 12,
		"d": map[string]any{
			"audio_ssrc": audioSSRC,
			"video_ssrc": videoSSRC,
			"rtx_ssrc":   0,
			"streams":    []map[string]any{videoStreamPayload(videoSSRC, 0, true)},
		},
	}

	var feedSSRC, feedRTXSSRC uint32
	if len(feed.Streams) > 0 {
		feedSSRC, feedRTXSSRC = feed.Streams[0].SSRC, feed.Streams[0].RTXSSRC
	}
	inactive := map[string]any{
		"op": 12,
		"d": map[string]any{
			"audio_ssrc": 0,
			"video_ssrc": feedSSRC,
			"rtx_ssrc":   feedRTXSSRC,
			"streams":    []map[string]any{videoStreamPayload(feedSSRC, feedRTXSSRC, false)},
		},
	}
	sendEgressText(endpointCoord.Egress(), inactive)

	trace(traceCh, EndpointWSSDP)
	remote := <-endpointCoord.RemoteSDP()

	remoteSDPText := strings.ReplaceAll(remote.sdp, "ICE/SDP", fmt.Sprintf("UDP/TLS/RTP/SAVPF %d", endpointAudioPayloadType))
	remoteSDPText = strings.ReplaceAll(remoteSDPText, "\n", "\r\n")
	remoteSDPText = fixedSDPHeader() + remoteSDPText

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(remoteSDPText)); err != nil || len(parsed.MediaDescriptions) == 0 {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, fmt.Errorf("unmarshal remote sdp: %w", err))
	}
	port := parsed.MediaDescriptions[0].MediaName.Port.Value
	connection := parsed.MediaDescriptions[0].ConnectionInformation
	attributes := parsed.MediaDescriptions[0].Attributes

	inactiveSDPText := buildAnswerTemplate(port, "passive", "inactive", audioMid, videoMid)
	inactiveParsed := &sdp.SessionDescription{}
	if err := inactiveParsed.Unmarshal([]byte(inactiveSDPText)); err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	applyConnectionAndAttributes(inactiveParsed, connection, attributes)
	inactiveBytes, err := inactiveParsed.Marshal()
	if err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	inactiveSDP := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(inactiveBytes)}

	recvSDPText := buildAnswerTemplate(port, "passive", "recvonly", audioMid, videoMid)
	recvParsed := &sdp.SessionDescription{}
	if err := recvParsed.Unmarshal([]byte(recvSDPText)); err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	applyConnectionAndAttributes(recvParsed, connection, attributes)
	recvBytes, err := recvParsed.Marshal()
	if err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	recvSDP := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(recvBytes)}

	if err := pc.SetRemoteDescription(recvSDP); err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	trace(traceCh, EndpointRTCConnecting)
	select {
	case <-endpointCoord.Connected():
	case <-notify.Endpoint():
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, fmt.Errorf("endpoint closed before rtc connected"))
	}

	localAudioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "utsuru")
	if err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	if err := feed.AudioSender.ReplaceTrack(localAudioTrack); err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	localVideoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "utsuru")
	if err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}
	if err := feed.VideoSender.ReplaceTrack(localVideoTrack); err != nil {
		notify.Close()
		return nil, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	trace(traceCh, DaveSessionCreating)
	userID, _ := strconv.ParseUint(session.UserID, 10, 64)
	channelID, _ := strconv.ParseUint(streamServer.RTCChannelID, 10, 64)
	daveCoord.DispatchOpCode4(remote.daveProtocolVersion, userID, channelID, localAudioTrack, localVideoTrack)
	inst := <-daveCoord.Instance()
	_ = inst

	live := &DiscordLive{
		notify:  notify,
		active:  active,
		egress:  endpointCoord.Egress(),
		dave:    daveCoord,
		logger:  b.logger,
	}

	go renegotiationLoop(notify, pc, feed.AudioSender, feed.VideoSender, inactiveSDP, recvSDP, live, b.logger)

	return live, nil
}

func sendEgressText(egress chan<- egressFrame, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case egress <- egressFrame{binary: false, data: data}:
	default:
	}
}

func videoStreamPayload(ssrc, rtxSSRC uint32, active bool) map[string]any {
	return map[string]any{
		"type": "video", "rid": "100", "ssrc": ssrc, "active": active, "quality": 100,
		"rtx_ssrc": rtxSSRC, "max_bitrate": 3500000, "max_framerate": 30,
		"max_resolution": map[string]any{"type": "fixed", "width": 1280, "height": 720},
	}
}

// collectLocalAttributes rebuilds the deduplicated attribute set
// Discord's op-1 "webrtc" offer expects: session-level fingerprint plus
// each media section's ice-ufrag/ice-pwd/ice-options/extmap/rtpmap, and
// reads out the local audio/video SSRCs and negotiated mid values along
// the way, since the synthesized answer must echo back pion's actual
// mid assignment rather than assume audio=0/video=1.
func collectLocalAttributes(localSDP string) ([]string, uint32, uint32, int, int, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(localSDP)); err != nil {
		return nil, 0, 0, 0, 0, utsuruerr.New(utsuruerr.DiscordEndpoint, err)
	}

	seen := map[string]struct{}{}
	var attrs []string
	add := func(a sdp.Attribute) {
		var line string
		if a.Value != "" {
			line = fmt.Sprintf("a=%s:%s", a.Key, a.Value)
		} else {
			line = fmt.Sprintf("a=%s", a.Key)
		}
		if _, ok := seen[line]; ok {
			return
		}
		seen[line] = struct{}{}
		attrs = append(attrs, line)
	}

	for _, a := range parsed.Attributes {
		if a.Key == "fingerprint" {
			add(a)
		}
	}

	audioMid, videoMid := 0, 1
	var audioSSRC, videoSSRC uint32
	for _, media := range parsed.MediaDescriptions {
		for _, a := range media.Attributes {
			switch a.Key {
			case "ice-ufrag", "ice-pwd", "ice-options", "extmap", "rtpmap":
				add(a)
			case "mid":
				mid, err := strconv.Atoi(a.Value)
				if err != nil {
					continue
				}
				switch media.MediaName.Media {
				case "audio":
					audioMid = mid
				case "video":
					videoMid = mid
				}
			case "ssrc":
				fields := strings.Fields(a.Value)
				if len(fields) == 0 {
					continue
				}
				ssrc, err := strconv.ParseUint(fields[0], 10, 32)
				if err != nil {
					continue
				}
				switch media.MediaName.Media {
				case "audio":
					audioSSRC = uint32(ssrc)
				case "video":
					videoSSRC = uint32(ssrc)
				}
			}
		}
	}

	return attrs, audioSSRC, videoSSRC, audioMid, videoMid, nil
}

func fixedSDPHeader() string {
	return "v=0\r\no=- 1420070400000 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\na=msid-semantic: WMS *\r\na=group:BUNDLE 0 1\r\n"
}

// buildAnswerTemplate reproduces the fixed two-media-section answer
// skeleton Discord's voice endpoint expects, parameterized by the port
// learned from Discord's own SDP, the setup/direction this answer
// variant takes, and the audio/video mid values negotiated in the
// local offer.
func buildAnswerTemplate(port int, setup, direction string, audioMid, videoMid int) string {
	return fixedSDPHeader() +
		fmt.Sprintf("m=audio %d UDP/TLS/RTP/SAVPF %d\r\n", port, endpointAudioPayloadType) +
		fmt.Sprintf("a=rtpmap:%d opus/48000/2\r\n", endpointAudioPayloadType) +
		fmt.Sprintf("a=fmtp:%d minptime=10;useinbandfec=1;usedtx=0\r\n", endpointAudioPayloadType) +
		fmt.Sprintf("a=rtcp-fb:%d transport-cc\r\n", endpointAudioPayloadType) +
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
		"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01\r\n" +
		fmt.Sprintf("a=setup:%s\r\n", setup) +
		fmt.Sprintf("a=mid:%d\r\n", audioMid) +
		"a=maxptime:60\r\n" +
		fmt.Sprintf("a=%s\r\n", direction) +
		"a=rtcp-mux\r\n" +
		fmt.Sprintf("m=video %d UDP/TLS/RTP/SAVPF %d %d\r\n", port, endpointVideoPayloadType, endpointVideoRTXPayloadType) +
		fmt.Sprintf("a=rtpmap:%d H264/90000\r\n", endpointVideoPayloadType) +
		fmt.Sprintf("a=rtpmap:%d rtx/90000\r\n", endpointVideoRTXPayloadType) +
		fmt.Sprintf("a=fmtp:%d x-google-max-bitrate=2500;level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f\r\n", endpointVideoPayloadType) +
		fmt.Sprintf("a=fmtp:%d apt=%d\r\n", endpointVideoRTXPayloadType, endpointVideoPayloadType) +
		fmt.Sprintf("a=rtcp-fb:%d ccm fir\r\n", endpointVideoPayloadType) +
		fmt.Sprintf("a=rtcp-fb:%d nack\r\n", endpointVideoPayloadType) +
		fmt.Sprintf("a=rtcp-fb:%d nack pli\r\n", endpointVideoPayloadType) +
		fmt.Sprintf("a=rtcp-fb:%d goog-remb\r\n", endpointVideoPayloadType) +
		fmt.Sprintf("a=rtcp-fb:%d transport-cc\r\n", endpointVideoPayloadType) +
		"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time\r\n" +
		"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01\r\n" +
		"a=extmap:14 urn:ietf:params:rtp-hdrext:toffset\r\n" +
		"a=extmap:13 urn:3gpp:video-orientation\r\n" +
		"a=extmap:5 http://www.webrtc.org/experiments/rtp-hdrext/playout-delay\r\n" +
		fmt.Sprintf("a=setup:%s\r\n", setup) +
		fmt.Sprintf("a=mid:%d\r\n", videoMid) +
		fmt.Sprintf("a=%s\r\n", direction) +
		"a=rtcp-mux\r\n"
}

func applyConnectionAndAttributes(parsed *sdp.SessionDescription, connection *sdp.ConnectionInformation, attrs []sdp.Attribute) {
	for i := range parsed.MediaDescriptions {
		parsed.MediaDescriptions[i].ConnectionInformation = connection
		parsed.MediaDescriptions[i].Attributes = append(parsed.MediaDescriptions[i].Attributes, attrs...)
	}
}

// renegotiationLoop re-applies the inactive/recvonly SDP pair every 300
// seconds, rebuilding and swapping in fresh local tracks each cycle so
// Discord's media server sees a continuous keep-alive renegotiation. The
// loop stops on the first failure; the mirror itself is not closed.
func renegotiationLoop(notify *Notifier, pc *webrtc.PeerConnection, audioSender, videoSender *webrtc.RTPSender, inactiveSDP, recvSDP webrtc.SessionDescription, live *DiscordLive, logger *slog.Logger) {
	ticker := time.NewTicker(300 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify.Endpoint():
			return
		case <-ticker.C:
		}

		if err := pc.SetRemoteDescription(inactiveSDP); err != nil {
			logger.Warn("renegotiation: set inactive sdp failed", "error", err)
			return
		}

		audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "utsuru")
		if err != nil {
			return
		}
		if err := audioSender.ReplaceTrack(audioTrack); err != nil {
			return
		}
		live.swapAudioTrack(audioTrack)

		videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "utsuru")
		if err != nil {
			return
		}
		if err := videoSender.ReplaceTrack(videoTrack); err != nil {
			return
		}
		live.swapVideoTrack(videoTrack)

		if err := pc.SetRemoteDescription(recvSDP); err != nil {
			logger.Warn("renegotiation: set recvonly sdp failed", "error", err)
			return
		}
	}
}

// DiscordLive is the built Mirror: sample writes and the connected
// callback route through the DAVE coordinator so encryption (if a real
// DaveSession is wired) is transparent to the WHIP fan-out path.
type DiscordLive struct {
	notify *Notifier
	active map[string]any
	egress chan<- egressFrame
	dave   *DAVECoordinator
	logger *slog.Logger
}

func (d *DiscordLive) swapAudioTrack(track *webrtc.TrackLocalStaticSample) {
	d.dave.mu.Lock()
	defer d.dave.mu.Unlock()
	if d.dave.inst != nil {
		d.dave.inst.localAudioTrack = track
	}
}

func (d *DiscordLive) swapVideoTrack(track *webrtc.TrackLocalStaticSample) {
	d.dave.mu.Lock()
	defer d.dave.mu.Unlock()
	if d.dave.inst != nil {
		d.dave.inst.localVideoTrack = track
	}
}

func (d *DiscordLive) WriteAudioSample(ctx context.Context, sample *samplebuilder.Sample) error {
	if d.notify.Closed() {
		return utsuruerr.New(utsuruerr.DiscordEndpoint, nil)
	}
	return d.dave.EncryptAndWriteAudio(ctx, sample)
}

func (d *DiscordLive) WriteVideoSample(ctx context.Context, sample *samplebuilder.Sample) error {
	if d.notify.Closed() {
		return utsuruerr.New(utsuruerr.DiscordEndpoint, nil)
	}
	return d.dave.EncryptAndWriteVideo(ctx, sample)
}

func (d *DiscordLive) CallConnectedCallback() error {
	if d.notify.Closed() {
		return utsuruerr.New(utsuruerr.DiscordEndpoint, nil)
	}
	sendEgressText(d.egress, d.active)
	return nil
}

func (d *DiscordLive) Close() {
	d.notify.Close()
}
