package discord

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/VincentVerdynanta/utsuru/pkg/samplebuilder"
)

func TestBuilderStateStringsMatchEachStage(t *testing.T) {
	cases := map[BuilderState]string{
		VoiceConnecting:        "connecting to voice channel",
		StreamCreating:         "creating new live stream session",
		EndpointWSConnecting:   "connecting to live stream endpoint",
		EndpointWSSDP:          "waiting remote sdp from live stream endpoint",
		EndpointRTCCreating:    "creating new rtc client",
		EndpointRTCNegotiation: "rtc client currently applying all changes still pending",
		EndpointRTCConnecting:  "rtc client currently connecting to live stream endpoint",
		DaveSessionCreating:    "creating new dave session",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
	require.Equal(t, "unknown", BuilderState(99).String())
}

func TestTraceIsNonBlockingAndNilSafe(t *testing.T) {
	require.NotPanics(t, func() { trace(nil, VoiceConnecting) })

	ch := make(chan BuilderState, 1)
	trace(ch, StreamCreating)
	trace(ch, EndpointWSConnecting) // full buffer, must not block

	require.Equal(t, StreamCreating, <-ch)
}

func TestNewDiscordLiveBuilderDefaultsToNoopDaveSession(t *testing.T) {
	b := NewDiscordLiveBuilder("tok", 1, 2, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sesh, err := b.newSesh(0, 0, 0)
	require.NoError(t, err)
	require.IsType(t, noopDaveSession{}, sesh)
}

func TestSendEgressTextMarshalsAndQueuesPayload(t *testing.T) {
	egress := make(chan egressFrame, 1)
	sendEgressText(egress, map[string]any{"op": 1})

	frame := <-egress
	require.False(t, frame.binary)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame.data, &decoded))
	require.EqualValues(t, 1, decoded["op"])
}

func TestSendEgressTextDropsWhenEgressFull(t *testing.T) {
	egress := make(chan egressFrame, 1)
	egress <- egressFrame{data: []byte("x")}

	require.NotPanics(t, func() {
		sendEgressText(egress, map[string]any{"op": 2})
	})
	require.Len(t, egress, 1)
}

func TestVideoStreamPayloadShape(t *testing.T) {
	payload := videoStreamPayload(111, 222, true)
	require.Equal(t, "video", payload["type"])
	require.EqualValues(t, 111, payload["ssrc"])
	require.EqualValues(t, 222, payload["rtx_ssrc"])
	require.Equal(t, true, payload["active"])
}

const testLocalSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=fingerprint:sha-256 AA:BB:CC\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:abcdefghijklmnopqrstuvwx\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=mid:3\r\n" +
	"a=ssrc:1111 cname:x\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:abcdefghijklmnopqrstuvwx\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=mid:4\r\n" +
	"a=ssrc:2222 cname:x\r\n"

func TestCollectLocalAttributesDedupsAndExtractsSSRCs(t *testing.T) {
	attrs, audioSSRC, videoSSRC, audioMid, videoMid, err := collectLocalAttributes(testLocalSDP)
	require.NoError(t, err)
	require.EqualValues(t, 1111, audioSSRC)
	require.EqualValues(t, 2222, videoSSRC)
	require.Equal(t, 3, audioMid)
	require.Equal(t, 4, videoMid)

	require.Contains(t, attrs, "a=fingerprint:sha-256 AA:BB:CC")
	require.Contains(t, attrs, "a=ice-ufrag:abcd")
	require.Contains(t, attrs, "a=rtpmap:111 opus/48000/2")
	require.Contains(t, attrs, "a=rtpmap:102 H264/90000")

	// ice-ufrag/ice-pwd repeat identically across both media sections
	// and must be deduplicated, not appear twice.
	count := 0
	for _, a := range attrs {
		if a == "a=ice-ufrag:abcd" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestCollectLocalAttributesRejectsGarbage(t *testing.T) {
	_, _, _, _, _, err := collectLocalAttributes("not an sdp")
	require.Error(t, err)
}

func TestBuildAnswerTemplateParsesAndCarriesPortAndDirection(t *testing.T) {
	text := buildAnswerTemplate(5004, "active", "sendrecv", 0, 1)

	parsed := &sdp.SessionDescription{}
	require.NoError(t, parsed.Unmarshal([]byte(text)))
	require.Len(t, parsed.MediaDescriptions, 2)
	require.Equal(t, 5004, parsed.MediaDescriptions[0].MediaName.Port.Value)
	require.Equal(t, 5004, parsed.MediaDescriptions[1].MediaName.Port.Value)

	found := map[string]bool{}
	for _, a := range parsed.MediaDescriptions[0].Attributes {
		if a.Key == "setup" {
			require.Equal(t, "active", a.Value)
		}
		if a.Key == "sendrecv" {
			found["sendrecv"] = true
		}
	}
	require.True(t, found["sendrecv"])
}

func TestBuildAnswerTemplateCarriesNegotiatedMids(t *testing.T) {
	text := buildAnswerTemplate(5004, "passive", "recvonly", 3, 4)

	parsed := &sdp.SessionDescription{}
	require.NoError(t, parsed.Unmarshal([]byte(text)))
	require.Len(t, parsed.MediaDescriptions, 2)

	require.Contains(t, parsed.MediaDescriptions[0].Attributes, sdp.Attribute{Key: "mid", Value: "3"})
	require.Contains(t, parsed.MediaDescriptions[1].Attributes, sdp.Attribute{Key: "mid", Value: "4"})
}

func TestApplyConnectionAndAttributesSplicesIntoEveryMediaSection(t *testing.T) {
	text := buildAnswerTemplate(5004, "passive", "recvonly", 0, 1)
	parsed := &sdp.SessionDescription{}
	require.NoError(t, parsed.Unmarshal([]byte(text)))

	conn := &sdp.ConnectionInformation{NetworkType: "IN", AddressType: "IP4"}
	extra := []sdp.Attribute{{Key: "candidate", Value: "1 1 udp 2130706431 1.2.3.4 5004 typ host"}}

	applyConnectionAndAttributes(parsed, conn, extra)

	for _, md := range parsed.MediaDescriptions {
		require.Same(t, conn, md.ConnectionInformation)
		require.Contains(t, md.Attributes, sdp.Attribute{Key: "candidate", Value: "1 1 udp 2130706431 1.2.3.4 5004 typ host"})
	}
}

func TestDiscordLiveWriteSamplesFailAfterClose(t *testing.T) {
	notify := NewNotifier()
	live := &DiscordLive{notify: notify, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	live.Close()

	require.Error(t, live.WriteAudioSample(context.Background(), &samplebuilder.Sample{}))
	require.Error(t, live.WriteVideoSample(context.Background(), &samplebuilder.Sample{}))
	require.Error(t, live.CallConnectedCallback())
}

func TestDiscordLiveCallConnectedCallbackSendsActivePayload(t *testing.T) {
	notify := NewNotifier()
	egress := make(chan egressFrame, 1)
	live := &DiscordLive{
		notify: notify,
		active: map[string]any{"op": 12, "d": map[string]any{"audio_ssrc": 1}},
		egress: egress,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	require.NoError(t, live.CallConnectedCallback())

	frame := <-egress
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame.data, &decoded))
	require.EqualValues(t, 12, decoded["op"])
}
