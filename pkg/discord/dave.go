package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"golang.org/x/time/rate"

	"github.com/VincentVerdynanta/utsuru/pkg/h264"
	"github.com/VincentVerdynanta/utsuru/pkg/samplebuilder"
	"github.com/VincentVerdynanta/utsuru/pkg/utsuruerr"
)

// Voice-endpoint opcodes for the MLS/DAVE end-to-end encryption handshake.
// These frame a binary websocket message as [verHi, verLo, opcode, ...].
const (
	opDaveTransitionReady         = 23
	opMLSExternalSender           = 25
	opMLSKeyPackage               = 26
	opMLSProposals                = 27
	opMLSCommitWelcome            = 28
	opMLSAnnounceCommitTransition = 29
	opMLSWelcome                  = 30
	opMLSInvalidCommitWelcome     = 31
)

// MediaKind and CodecKind select the AEAD context DaveSession.Encrypt
// derives its key schedule from.
type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

type CodecKind int

const (
	CodecOpus CodecKind = iota
	CodecH264
)

// ProposalsOperationType distinguishes an MLS proposals append from a
// revoke, parsed from the byte following the MLS_PROPOSALS opcode.
type ProposalsOperationType int

const (
	ProposalsAppend ProposalsOperationType = iota
	ProposalsRevoke
)

// CommitWelcome is produced by DaveSession.ProcessProposals when enough
// proposals have accumulated to advance the MLS epoch.
type CommitWelcome struct {
	Commit  []byte
	Welcome []byte
}

// DaveSession models davey's MLS (RFC 9420) engine, the external
// collaborator this spec specifies only through the interface its
// caller consumes (no Go implementation exists in the retrieved pack;
// this interface is the seam a real one plugs into).
type DaveSession interface {
	CreateKeyPackage() ([]byte, error)
	SetExternalSender(data []byte) error
	ProcessProposals(optype ProposalsOperationType, data []byte, recognizedUserIDs []uint64) (*CommitWelcome, error)
	ProcessCommit(data []byte) error
	ProcessWelcome(data []byte) error
	Reinit(version uint16, userID, channelID uint64) error
	Reset() error
	SetPassthroughMode(enabled bool, graceWindow *int)
	Encrypt(kind MediaKind, codec CodecKind, data []byte) ([]byte, error)
}

// NewDaveSessionFunc constructs a fresh DaveSession for a given protocol
// version, user and channel. It stands in for davey::DaveSession::new.
type NewDaveSessionFunc func(version uint16, userID, channelID uint64) (DaveSession, error)

// DAVEInstance bundles the live MLS session with the two local sample
// tracks whose payloads it encrypts before they reach the peer.
type DAVEInstance struct {
	session             DaveSession
	daveProtocolVersion uint16
	localAudioTrack     *webrtc.TrackLocalStaticSample
	localVideoTrack     *webrtc.TrackLocalStaticSample
}

func (d *DAVEInstance) Session() DaveSession { return d.session }

// SetDaveProtocolVersion installs a new version and returns the one it
// replaced, matching the Rust DAVEInstance::set_dave_protocol_version
// signature this is ported from.
func (d *DAVEInstance) SetDaveProtocolVersion(version uint16) uint16 {
	old := d.daveProtocolVersion
	d.daveProtocolVersion = version
	return old
}

// davePayload is the coordinator's internal event sum type.
type davePayload interface{ isDavePayload() }

type daveBinaryPayload struct{ data []byte }
type daveOpCode4 struct {
	version              uint16
	userID, channelID    uint64
	audioTrack        *webrtc.TrackLocalStaticSample
	videoTrack        *webrtc.TrackLocalStaticSample
}
type daveOpCode11 struct{ userIDs []string }
type daveOpCode13 struct{ userID string }
type daveOpCode21 struct{ transitionID, protocolVersion uint16 }
type daveOpCode22 struct{ transitionID uint16 }
type daveOpCode24 struct {
	protocolVersion uint16
	epoch           uint8
}

func (daveBinaryPayload) isDavePayload() {}
func (daveOpCode4) isDavePayload()       {}
func (daveOpCode11) isDavePayload()      {}
func (daveOpCode13) isDavePayload()      {}
func (daveOpCode21) isDavePayload()      {}
func (daveOpCode22) isDavePayload()      {}
func (daveOpCode24) isDavePayload()      {}

// egressFrame is a websocket frame queued for the voice-endpoint socket.
type egressFrame struct {
	binary bool
	data   []byte
}

// DAVECoordinator owns the single DaveSession for one Discord mirror. It
// consumes a private event channel fed by the endpoint task and, once an
// instance exists, protects it with a mutex so mirror-sample writers and
// the event loop never race a track swap against an in-flight encrypt.
type DAVECoordinator struct {
	notify    *Notifier
	egress    chan<- egressFrame
	events    chan davePayload
	instance  chan *DAVEInstance
	newSesh   NewDaveSessionFunc
	reinitRL  *rate.Limiter
	logger    *slog.Logger

	mu       sync.Mutex
	inst     *DAVEInstance
}

// NewDAVECoordinator wires a coordinator bound to notify and egress.
// reinitRL bounds how often MLSInvalidCommitWelcome may force a session
// re-init, guarding against a hostile or broken Discord session spinning
// the re-init loop (SPEC_FULL.md §13).
func NewDAVECoordinator(notify *Notifier, egress chan<- egressFrame, newSesh NewDaveSessionFunc, logger *slog.Logger) *DAVECoordinator {
	return &DAVECoordinator{
		notify:   notify,
		egress:   egress,
		events:   make(chan davePayload, 32),
		instance: make(chan *DAVEInstance, 1),
		newSesh:  newSesh,
		reinitRL: rate.NewLimiter(rate.Every(5*time.Second), 1),
		logger:   logger,
	}
}

// Instance blocks until OpCode4 has produced a DAVEInstance.
func (c *DAVECoordinator) Instance() <-chan *DAVEInstance { return c.instance }

func (c *DAVECoordinator) DispatchBinary(data []byte)      { c.events <- daveBinaryPayload{data} }
func (c *DAVECoordinator) DispatchOpCode11(ids []string)   { c.events <- daveOpCode11{ids} }
func (c *DAVECoordinator) DispatchOpCode13(id string)      { c.events <- daveOpCode13{id} }
func (c *DAVECoordinator) DispatchOpCode21(tid, pv uint16) { c.events <- daveOpCode21{tid, pv} }
func (c *DAVECoordinator) DispatchOpCode22(tid uint16)     { c.events <- daveOpCode22{tid} }
func (c *DAVECoordinator) DispatchOpCode24(pv uint16, epoch uint8) {
	c.events <- daveOpCode24{pv, epoch}
}
func (c *DAVECoordinator) DispatchOpCode4(version uint16, userID, channelID uint64, audioTrack, videoTrack *webrtc.TrackLocalStaticSample) {
	c.events <- daveOpCode4{version, userID, channelID, audioTrack, videoTrack}
}

// Run consumes DAVE events until the notifier wakes or the channel
// closes. It matches dave.rs's single-consumer loop field-for-field.
func (c *DAVECoordinator) Run() {
	defer c.notify.Close()

	clientsConnected := map[uint64]struct{}{}
	pendingTransitions := map[uint16]uint16{}
	var daveProtocolVersion uint16
	var userID, channelID uint64
	var isDowngraded bool

	for {
		select {
		case <-c.notify.Dave():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			switch p := ev.(type) {
			case daveBinaryPayload:
				c.mu.Lock()
				inst := c.inst
				c.mu.Unlock()
				if inst == nil || len(p.data) < 3 {
					continue
				}
				if !c.handleBinary(inst, p.data, &daveProtocolVersion, &userID, &channelID, pendingTransitions, clientsConnected) {
					return
				}
			case daveOpCode4:
				c.mu.Lock()
				existing := c.inst
				c.mu.Unlock()
				if existing != nil {
					continue
				}
				daveProtocolVersion = p.version
				userID, channelID = p.userID, p.channelID
				session, err := c.reinitDaveSession(nil, daveProtocolVersion, userID, channelID)
				if err != nil {
					c.logger.Error("dave reinit failed", "error", err)
					return
				}
				if session == nil {
					continue
				}
				inst := &DAVEInstance{
					session:             session,
					daveProtocolVersion: daveProtocolVersion,
					localAudioTrack:     p.audioTrack,
					localVideoTrack:     p.videoTrack,
				}
				c.mu.Lock()
				c.inst = inst
				c.mu.Unlock()
				select {
				case c.instance <- inst:
				default:
				}
			case daveOpCode11:
				for _, idStr := range p.userIDs {
					id, err := strconv.ParseUint(idStr, 10, 64)
					if err != nil {
						continue
					}
					clientsConnected[id] = struct{}{}
				}
			case daveOpCode13:
				id, err := strconv.ParseUint(p.userID, 10, 64)
				if err != nil {
					continue
				}
				delete(clientsConnected, id)
			case daveOpCode21:
				c.mu.Lock()
				inst := c.inst
				c.mu.Unlock()
				if inst == nil {
					continue
				}
				pendingTransitions[p.transitionID] = p.protocolVersion
				if p.transitionID == 0 {
					c.executeTransition(&daveProtocolVersion, pendingTransitions, &isDowngraded, inst, p.transitionID)
				} else {
					if p.protocolVersion == 0 {
						grace := 30
						inst.Session().SetPassthroughMode(true, &grace)
					}
					c.sendTransitionReady(p.transitionID)
				}
			case daveOpCode22:
				c.mu.Lock()
				inst := c.inst
				c.mu.Unlock()
				if inst == nil {
					continue
				}
				c.executeTransition(&daveProtocolVersion, pendingTransitions, &isDowngraded, inst, p.transitionID)
			case daveOpCode24:
				c.mu.Lock()
				inst := c.inst
				c.mu.Unlock()
				if inst == nil || p.epoch != 1 {
					continue
				}
				inst.SetDaveProtocolVersion(p.protocolVersion)
				daveProtocolVersion = p.protocolVersion
				if _, err := c.reinitDaveSession(inst, daveProtocolVersion, userID, channelID); err != nil {
					c.logger.Error("dave reinit on epoch change failed", "error", err)
					return
				}
			}
		}
	}
}

func (c *DAVECoordinator) handleBinary(inst *DAVEInstance, data []byte, daveProtocolVersion *uint16, userID, channelID *uint64, pendingTransitions map[uint16]uint16, clientsConnected map[uint64]struct{}) bool {
	switch data[2] {
	case opMLSExternalSender:
		if err := inst.Session().SetExternalSender(data[3:]); err != nil {
			c.logger.Error("dave set external sender failed", "error", err)
			return false
		}
	case opMLSProposals:
		if len(data) < 4 {
			return true
		}
		var optype ProposalsOperationType
		switch data[3] {
		case 0:
			optype = ProposalsAppend
		case 1:
			optype = ProposalsRevoke
		default:
			return true
		}
		recognized := make([]uint64, 0, len(clientsConnected))
		for id := range clientsConnected {
			recognized = append(recognized, id)
		}
		cw, err := inst.Session().ProcessProposals(optype, data[4:], recognized)
		if err != nil {
			c.logger.Error("dave process proposals failed", "error", err)
			return false
		}
		if cw == nil {
			return true
		}
		commit := append([]byte{opMLSCommitWelcome}, cw.Commit...)
		if cw.Welcome != nil {
			commit = append(commit, cw.Welcome...)
		}
		c.sendBinary(commit)
	case opMLSAnnounceCommitTransition, opMLSWelcome:
		if len(data) < 5 {
			return true
		}
		transitionID := uint16(data[3])<<8 | uint16(data[4])
		body := data[5:]
		var err error
		if data[2] == opMLSAnnounceCommitTransition {
			err = inst.Session().ProcessCommit(body)
		} else {
			err = inst.Session().ProcessWelcome(body)
		}
		if err != nil {
			if recErr := c.recoverFromInvalidCommit(inst, *daveProtocolVersion, transitionID, *userID, *channelID); recErr != nil {
				c.logger.Error("dave recovery failed", "error", recErr)
				return false
			}
			return true
		}
		if transitionID != 0 {
			pendingTransitions[transitionID] = *daveProtocolVersion
			c.sendTransitionReady(transitionID)
		}
	}
	return true
}

// recoverFromInvalidCommit always re-initializes the session after a
// commit/welcome processing failure; reinitRL only delays that re-init
// when a burst of invalid commits arrives back to back, it never skips
// it, since a skipped re-init would leave the session unrecoverable.
func (c *DAVECoordinator) recoverFromInvalidCommit(inst *DAVEInstance, version uint16, transitionID uint16, userID, channelID uint64) error {
	c.sendText(map[string]any{
		"op": opMLSInvalidCommitWelcome,
		"d":  map[string]any{"transition_id": transitionID},
	})
	if err := c.reinitRL.Wait(context.Background()); err != nil {
		return utsuruerr.New(utsuruerr.DiscordDAVE, err)
	}
	_, err := c.reinitDaveSession(inst, version, userID, channelID)
	return err
}

// reinitDaveSession mirrors reinit_dave_session: with version > 0 it
// either re-initializes an existing instance's session or constructs a
// fresh one, then broadcasts a key package; with version == 0 it resets
// the existing session into passthrough mode.
func (c *DAVECoordinator) reinitDaveSession(inst *DAVEInstance, version uint16, userID, channelID uint64) (DaveSession, error) {
	if version > 0 {
		var session DaveSession
		if inst != nil {
			session = inst.Session()
			if err := session.Reinit(version, userID, channelID); err != nil {
				return nil, utsuruerr.New(utsuruerr.DiscordDAVE, err)
			}
		} else {
			s, err := c.newSesh(version, userID, channelID)
			if err != nil {
				return nil, utsuruerr.New(utsuruerr.DiscordDAVE, err)
			}
			session = s
		}
		key, err := session.CreateKeyPackage()
		if err != nil {
			return nil, utsuruerr.New(utsuruerr.DiscordDAVE, err)
		}
		c.sendBinary(append([]byte{opMLSKeyPackage}, key...))
		if inst != nil {
			return nil, nil
		}
		return session, nil
	}
	if inst == nil {
		return nil, nil
	}
	session := inst.Session()
	_ = session.Reset()
	grace := 10
	session.SetPassthroughMode(true, &grace)
	return nil, nil
}

func (c *DAVECoordinator) executeTransition(daveProtocolVersion *uint16, pending map[uint16]uint16, isDowngraded *bool, inst *DAVEInstance, transitionID uint16) {
	newVersion, ok := pending[transitionID]
	if !ok {
		c.logger.Warn("execute transition with no pending entry", "transition_id", transitionID)
		return
	}
	delete(pending, transitionID)
	old := inst.SetDaveProtocolVersion(newVersion)
	*daveProtocolVersion = newVersion

	if old != newVersion && newVersion == 0 {
		*isDowngraded = true
	} else if transitionID > 0 && *isDowngraded {
		*isDowngraded = false
		grace := 10
		inst.Session().SetPassthroughMode(true, &grace)
	}
}

func (c *DAVECoordinator) sendBinary(data []byte) {
	select {
	case c.egress <- egressFrame{binary: true, data: data}:
	default:
	}
}

func (c *DAVECoordinator) sendText(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.egress <- egressFrame{binary: false, data: data}:
	default:
	}
}

func (c *DAVECoordinator) sendTransitionReady(transitionID uint16) {
	c.sendText(map[string]any{
		"op": opDaveTransitionReady,
		"d":  map[string]any{"transition_id": transitionID},
	})
}

// EncryptAndWriteAudio implements the "Audio encrypt" rule of
// SPEC_FULL.md §4.7: raw passthrough when no DAVE session is active,
// otherwise encrypt then write, all under the instance lock so a track
// swap from the renegotiation loop cannot interleave with it.
func (c *DAVECoordinator) EncryptAndWriteAudio(_ context.Context, sample *samplebuilder.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst := c.inst
	if inst == nil || inst.daveProtocolVersion == 0 {
		return writeTrack(inst, false, sample)
	}
	data, err := inst.session.Encrypt(MediaAudio, CodecOpus, sample.Data)
	if err != nil {
		return writeTrack(inst, false, sample)
	}
	return writeTrack(inst, false, &samplebuilder.Sample{Data: data, Duration: sample.Duration})
}

// EncryptAndWriteVideo implements the "Video encrypt" rule: it walks the
// Annex-B NAL stream, rewrites SPS (type 7) through pkg/h264's VUI fix,
// copies other playable NAL types verbatim, and encrypts the
// reconstructed stream before writing it to the local video track.
func (c *DAVECoordinator) EncryptAndWriteVideo(_ context.Context, sample *samplebuilder.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst := c.inst
	if inst == nil || inst.daveProtocolVersion == 0 {
		return writeTrack(inst, true, sample)
	}
	rebuilt, err := rewriteAnnexB(sample.Data)
	if err != nil {
		return writeTrack(inst, true, sample)
	}
	data, err := inst.session.Encrypt(MediaVideo, CodecH264, rebuilt)
	if err != nil {
		return writeTrack(inst, true, sample)
	}
	return writeTrack(inst, true, &samplebuilder.Sample{Data: data, Duration: sample.Duration})
}

func writeTrack(inst *DAVEInstance, video bool, sample *samplebuilder.Sample) error {
	if inst == nil {
		return nil
	}
	track := inst.localAudioTrack
	if video {
		track = inst.localVideoTrack
	}
	if track == nil {
		return nil
	}
	return track.WriteSample(media.Sample{Data: sample.Data, Duration: sample.Duration})
}

var annexBStartCode3 = []byte{0x00, 0x00, 0x01}
var annexBStartCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// rewriteAnnexB scans an Annex-B byte stream for NAL unit boundaries,
// copying slices (1, 5) and PPS (8) verbatim and rewriting SPS (7) through the
// Discord VUI fix, dropping every other NAL type.
func rewriteAnnexB(data []byte) ([]byte, error) {
	bounds := splitAnnexB(data)
	var out bytes.Buffer
	for _, nalu := range bounds {
		if len(nalu) == 0 {
			continue
		}
		naluType := nalu[0] & 0x1f
		switch naluType {
		case 1, 5, 8:
			out.Write(annexBStartCode4)
			out.Write(nalu)
		case 7:
			sps, err := h264.ParseSPS(nalu[1:])
			if err != nil {
				out.Write(annexBStartCode4)
				out.Write(nalu)
				continue
			}
			h264.ApplyDiscordVUIFix(sps)
			payload, err := h264.SynthesizeSPS(sps, true)
			if err != nil {
				return nil, err
			}
			out.Write(annexBStartCode4)
			out.WriteByte(nalu[0])
			out.Write(payload)
		default:
		}
	}
	return out.Bytes(), nil
}

// splitAnnexB returns each NAL unit (start code stripped) found in data.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	starts := findStartCodes(data)
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		begin := start.pos + start.length
		if begin >= end {
			continue
		}
		nalus = append(nalus, data[begin:end])
	}
	return nalus
}

type startCode struct {
	pos, length int
}

func findStartCodes(data []byte) []startCode {
	var codes []startCode
	for i := 0; i < len(data); {
		if bytes.HasPrefix(data[i:], annexBStartCode4) {
			codes = append(codes, startCode{pos: i, length: 4})
			i += 4
			continue
		}
		if bytes.HasPrefix(data[i:], annexBStartCode3) {
			codes = append(codes, startCode{pos: i, length: 3})
			i += 3
			continue
		}
		i++
	}
	return codes
}
