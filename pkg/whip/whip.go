// Package whip implements the WHIP (WebRTC-HTTP Ingress Protocol) ingress
// peer and the single-publisher fan-out that pushes reassembled audio and
// video samples to a dynamic set of mirror sinks.
package whip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/VincentVerdynanta/utsuru/pkg/h264"
	"github.com/VincentVerdynanta/utsuru/pkg/samplebuilder"
	"github.com/VincentVerdynanta/utsuru/pkg/utsuruerr"
)

const (
	audioPayloadType    = 111
	videoPayloadType    = 102
	videoRTXPayloadType = 103

	audioHoldBack = 15
	videoHoldBack = 30

	audioSampleRate = 48000
	videoSampleRate = 90000

	pliInterval = 3 * time.Second
)

// Mirror is a sink that mimics a Discord Go Live screen-share session.
// WriteAudioSample/WriteVideoSample failures evict the mirror from the
// fan-out.
type Mirror interface {
	WriteAudioSample(ctx context.Context, sample *samplebuilder.Sample) error
	WriteVideoSample(ctx context.Context, sample *samplebuilder.Sample) error
	CallConnectedCallback() error
	Close()
}

// Coordinator admits a single WHIP publisher and fans its reassembled
// samples out to every registered Mirror. All state mutation happens on
// one goroutine reading from a command channel, so no locking is needed
// around the admission map or the fan-out queue.
type Coordinator struct {
	host   net.IP
	logger *slog.Logger

	cmds chan command
}

// New starts the coordinator goroutine and returns a handle to it. host,
// if non-nil and non-unspecified, restricts ICE candidate gathering to
// that local address.
func New(host net.IP, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		host:   host,
		logger: logger,
		cmds:   make(chan command, 64),
	}
	go c.run()
	return c
}

type command interface{ isCommand() }

type newRequestCmd struct {
	offer string
	path  string
	resp  chan newRequestResult
}

func (newRequestCmd) isCommand() {}

type newRequestResult struct {
	status int
	sdp    string
}

type endRequestCmd struct{}

func (endRequestCmd) isCommand() {}

type retrieveMirrorsCmd struct {
	resp chan []bool
}

func (retrieveMirrorsCmd) isCommand() {}

type newMirrorCmd struct {
	mirror Mirror
	done   chan struct{}
}

func (newMirrorCmd) isCommand() {}

type endMirrorCmd struct {
	id   int
	done chan struct{}
}

func (endMirrorCmd) isCommand() {}

// slot is a fan-out queue entry: an admitted mirror and the id it was
// admitted under.
type slot struct {
	id     int
	mirror Mirror
}

type state struct {
	positions       []bool // sparse append-only id -> alive
	queue           []slot
	publisherActive bool
}

func (c *Coordinator) run() {
	var st state

	for cmd := range c.cmds {
		switch m := cmd.(type) {
		case newRequestCmd:
			if st.publisherActive {
				continue
			}

			sdp, err := c.initPeer(m.offer)
			if err != nil {
				c.logger.Error("whip: failed to initialize ingress peer", "error", err)
				m.resp <- newRequestResult{status: http.StatusInternalServerError}
				continue
			}

			st.publisherActive = true
			m.resp <- newRequestResult{status: http.StatusCreated, sdp: sdp}

		case endRequestCmd:
			st.publisherActive = false

		case retrieveMirrorsCmd:
			out := make([]bool, len(st.positions))
			copy(out, st.positions)
			m.resp <- out

		case newMirrorCmd:
			id := len(st.positions)
			st.positions = append(st.positions, true)
			st.queue = append(st.queue, slot{id: id, mirror: m.mirror})
			if st.publisherActive {
				if err := m.mirror.CallConnectedCallback(); err != nil {
					c.logger.Warn("whip: mirror connected callback failed", "error", err)
				}
			}
			close(m.done)

		case endMirrorCmd:
			if m.id < 0 || m.id >= len(st.positions) || !st.positions[m.id] {
				close(m.done)
				continue
			}
			st.positions[m.id] = false
			for i, s := range st.queue {
				if s.id == m.id {
					s.mirror.Close()
					st.queue = append(st.queue[:i], st.queue[i+1:]...)
					break
				}
			}
			close(m.done)

		case callConnectedCmd:
			st.queue = rotateNotify(st.queue, c.logger)
			close(m.done)

		case fanOutCmd:
			var evicted []slot
			next := make([]slot, 0, len(st.queue))
			for _, s := range st.queue {
				var err error
				switch m.kind {
				case fanOutAudioKind:
					err = s.mirror.WriteAudioSample(context.Background(), m.sample)
				case fanOutVideoKind:
					err = s.mirror.WriteVideoSample(context.Background(), m.sample)
				}
				if err != nil {
					st.positions[s.id] = false
					s.mirror.Close()
					evicted = append(evicted, s)
					continue
				}
				next = append(next, s)
			}
			st.queue = next
			if len(evicted) > 0 {
				c.logger.Debug("whip: evicted mirrors after write failure", "count", len(evicted))
			}
			m.resp <- st.queue
		}
	}
}

func rotateNotify(queue []slot, logger *slog.Logger) []slot {
	for _, s := range queue {
		if err := s.mirror.CallConnectedCallback(); err != nil {
			logger.Warn("whip: mirror connected callback failed", "error", err)
		}
	}
	return queue
}

type callConnectedCmd struct {
	done chan struct{}
}

func (callConnectedCmd) isCommand() {}

// AddRequest submits a WHIP offer for the single admitted publisher slot.
// It returns the HTTP status and SDP answer body the caller should send
// back.
func (c *Coordinator) AddRequest(offer, path string) (int, string) {
	resp := make(chan newRequestResult, 1)
	c.cmds <- newRequestCmd{offer: offer, path: path, resp: resp}
	r := <-resp
	return r.status, r.sdp
}

// ViewMirrors returns one boolean per ever-admitted mirror slot, true iff
// it is still alive.
func (c *Coordinator) ViewMirrors() []bool {
	resp := make(chan []bool, 1)
	c.cmds <- retrieveMirrorsCmd{resp: resp}
	return <-resp
}

// AddMirror registers a new mirror sink with the fan-out.
func (c *Coordinator) AddMirror(mirror Mirror) {
	done := make(chan struct{})
	c.cmds <- newMirrorCmd{mirror: mirror, done: done}
	<-done
}

// RemoveMirror evicts and closes the mirror at id, if still alive.
func (c *Coordinator) RemoveMirror(id int) {
	done := make(chan struct{})
	c.cmds <- endMirrorCmd{id: id, done: done}
	<-done
}

// FanOutAudioSample pushes an audio sample through the rotating mirror
// queue, evicting any mirror whose write fails.
func (c *Coordinator) FanOutAudioSample(sample *samplebuilder.Sample) {
	resp := make(chan []slot, 1)
	c.cmds <- fanOutCmd{kind: fanOutAudioKind, sample: sample, resp: resp}
	<-resp
}

// FanOutVideoSample pushes a video sample through the rotating mirror
// queue, evicting any mirror whose write fails.
func (c *Coordinator) FanOutVideoSample(sample *samplebuilder.Sample) {
	resp := make(chan []slot, 1)
	c.cmds <- fanOutCmd{kind: fanOutVideoKind, sample: sample, resp: resp}
	<-resp
}

type fanOutKind int

const (
	fanOutAudioKind fanOutKind = iota
	fanOutVideoKind
)

type fanOutCmd struct {
	kind   fanOutKind
	sample *samplebuilder.Sample
	resp   chan []slot
}

func (fanOutCmd) isCommand() {}

func (c *Coordinator) initPeer(offerSDP string) (string, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   videoSampleRate,
			SDPFmtpLine: "",
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, fmt.Errorf("register H264 codec: %w", err))
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "video/rtx",
			ClockRate:   videoSampleRate,
			SDPFmtpLine: fmt.Sprintf("apt=%d", videoPayloadType),
		},
		PayloadType: videoRTXPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, fmt.Errorf("register RTX codec: %w", err))
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: audioSampleRate,
			Channels:  2,
		},
		PayloadType: audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, fmt.Errorf("register Opus codec: %w", err))
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}

	s := webrtc.SettingEngine{}
	s.DisableSRTPReplayProtection(true)
	s.SetIncludeLoopbackCandidate(true)
	if c.host != nil && !c.host.IsUnspecified() {
		host := c.host
		s.SetIPFilter(func(ip net.IP) bool { return ip.Equal(host) })
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s))

	config := webrtc.Configuration{
		ICEServers:         nil,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}

	pliOnce := false
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo && !pliOnce {
			pliOnce = true
			go c.writePLILoop(pc, track.SSRC())
		}

		go c.readTrack(track)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Info("whip: ICE connection state changed", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected:
			done := make(chan struct{})
			c.cmds <- callConnectedCmd{done: done}
			<-done
		case webrtc.ICEConnectionStateDisconnected:
			c.cmds <- endRequestCmd{}
		case webrtc.ICEConnectionStateFailed:
			_ = pc.Close()
			c.logger.Warn("whip: closing ingress peer after ICE failure")
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		return "", utsuruerr.New(utsuruerr.WHIPPeer, errors.New("no local description after gathering"))
	}

	return local.SDP, nil
}

func (c *Coordinator) writePLILoop(pc *webrtc.PeerConnection, mediaSSRC webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{
			SenderSSRC: 0,
			MediaSSRC:  uint32(mediaSSRC),
		}})
		if err != nil {
			c.logger.Debug("whip: closing video PLI loop", "error", err)
			return
		}
	}
}

func (c *Coordinator) readTrack(track *webrtc.TrackRemote) {
	c.logger.Info("whip: track started",
		"payload_type", track.PayloadType(),
		"mime_type", track.Codec().MimeType)

	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		c.readAudioTrack(track)
	case webrtc.RTPCodecTypeVideo:
		c.readVideoTrack(track)
	}

	c.logger.Warn("whip: track finished",
		"payload_type", track.PayloadType(),
		"mime_type", track.Codec().MimeType)
}

func (c *Coordinator) readAudioTrack(track *webrtc.TrackRemote) {
	sb := samplebuilder.New(&codecs.OpusPacket{}, audioHoldBack, audioSampleRate)

	for {
		p, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		if !sb.Push(p) {
			sb = samplebuilder.New(&codecs.OpusPacket{}, audioHoldBack, audioSampleRate)
		}

		for {
			sample := sb.Pop()
			if sample == nil {
				break
			}
			c.FanOutAudioSample(sample)
		}
	}
}

func (c *Coordinator) readVideoTrack(track *webrtc.TrackRemote) {
	sb := samplebuilder.New(&h264.Depacketizer{}, videoHoldBack, videoSampleRate)

	for {
		p, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		if !sb.Push(p) {
			sb = samplebuilder.New(&h264.Depacketizer{}, videoHoldBack, videoSampleRate)
		}

		for {
			sample := sb.Pop()
			if sample == nil {
				break
			}
			c.FanOutVideoSample(sample)
		}
	}
}

// Handler returns an http.HandlerFunc for POST /whip: the request body is
// the SDP offer; the response is HTTP 201 with a Location header set to
// the request path and the SDP answer as the body. A concurrent offer
// while a publisher is already active is silently dropped — the request
// hangs until the body finishes reading, then receives no response.
func (c *Coordinator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read offer", http.StatusBadRequest)
			return
		}

		status, sdp := c.AddRequest(string(body), r.URL.Path)
		if status != http.StatusCreated {
			w.WriteHeader(status)
			return
		}

		w.Header().Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(sdp))
	}
}
