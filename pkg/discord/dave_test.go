package discord

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	externalSender   []byte
	reinitVersion    uint16
	reinitErr        error
	keyPackage       []byte
	keyPackageErr    error
	passthrough      bool
	passthroughGrace *int
	resetCalled      bool
}

func (f *fakeSession) CreateKeyPackage() ([]byte, error) { return f.keyPackage, f.keyPackageErr }

func (f *fakeSession) SetExternalSender(data []byte) error {
	f.externalSender = data
	return nil
}

func (f *fakeSession) ProcessProposals(ProposalsOperationType, []byte, []uint64) (*CommitWelcome, error) {
	return nil, nil
}

func (f *fakeSession) ProcessCommit([]byte) error  { return nil }
func (f *fakeSession) ProcessWelcome([]byte) error { return nil }

func (f *fakeSession) Reinit(version uint16, _, _ uint64) error {
	f.reinitVersion = version
	return f.reinitErr
}

func (f *fakeSession) Reset() error { f.resetCalled = true; return nil }

func (f *fakeSession) SetPassthroughMode(enabled bool, grace *int) {
	f.passthrough = enabled
	f.passthroughGrace = grace
}

func (f *fakeSession) Encrypt(MediaKind, CodecKind, []byte) ([]byte, error) { return nil, nil }

func newTestDAVECoordinator(t *testing.T, factory NewDaveSessionFunc) (*DAVECoordinator, chan egressFrame, *Notifier) {
	t.Helper()
	notify := NewNotifier()
	egress := make(chan egressFrame, 16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewDAVECoordinator(notify, egress, factory, logger)
	go c.Run()
	t.Cleanup(notify.Close)
	return c, egress, notify
}

func TestOpCode4CreatesInstanceAndEmitsKeyPackage(t *testing.T) {
	sesh := &fakeSession{keyPackage: []byte{0xaa, 0xbb}}
	c, egress, _ := newTestDAVECoordinator(t, func(version uint16, userID, channelID uint64) (DaveSession, error) {
		require.EqualValues(t, 1, version)
		return sesh, nil
	})

	audioTrack, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "utsuru")
	videoTrack, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "utsuru")
	c.DispatchOpCode4(1, 42, 7, audioTrack, videoTrack)

	select {
	case inst := <-c.Instance():
		require.NotNil(t, inst)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dave instance")
	}

	select {
	case frame := <-egress:
		require.True(t, frame.binary)
		require.Equal(t, byte(opMLSKeyPackage), frame.data[0])
		require.Equal(t, []byte{0xaa, 0xbb}, frame.data[1:])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for key package egress")
	}
}

func TestBinaryExternalSenderAppliesToSession(t *testing.T) {
	sesh := &fakeSession{keyPackage: []byte{0x01}}
	c, _, _ := newTestDAVECoordinator(t, func(uint16, uint64, uint64) (DaveSession, error) { return sesh, nil })

	audioTrack, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "utsuru")
	videoTrack, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "utsuru")
	c.DispatchOpCode4(1, 1, 1, audioTrack, videoTrack)
	<-c.Instance()

	frame := []byte{0x00, 0x01, opMLSExternalSender, 0xde, 0xad}
	c.DispatchBinary(frame)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(sesh.externalSender) == 2
	}, time.Second, time.Millisecond)
}

func TestExecuteTransitionDowngradeThenUpgrade(t *testing.T) {
	sesh := &fakeSession{}
	var version uint16
	pending := map[uint16]uint16{7: 0}
	var downgraded bool
	inst := &DAVEInstance{session: sesh, daveProtocolVersion: 1}
	c := &DAVECoordinator{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	c.executeTransition(&version, pending, &downgraded, inst, 7)
	require.EqualValues(t, 0, version)
	require.True(t, downgraded)

	pending[8] = 1
	c.executeTransition(&version, pending, &downgraded, inst, 8)
	require.EqualValues(t, 1, version)
	require.False(t, downgraded)
	require.True(t, sesh.passthrough)
	require.NotNil(t, sesh.passthroughGrace)
	require.Equal(t, 10, *sesh.passthroughGrace)
}

func TestRecoverFromInvalidCommitSendsInvalidCommitWelcome(t *testing.T) {
	sesh := &fakeSession{keyPackage: []byte{0x01}}
	c, egress, _ := newTestDAVECoordinator(t, func(uint16, uint64, uint64) (DaveSession, error) { return sesh, nil })

	inst := &DAVEInstance{session: sesh, daveProtocolVersion: 1}
	err := c.recoverFromInvalidCommit(inst, 1, 9, 1, 1)
	require.NoError(t, err)

	select {
	case frame := <-egress:
		require.False(t, frame.binary)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame.data, &decoded))
		require.EqualValues(t, opMLSInvalidCommitWelcome, decoded["op"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invalid commit welcome")
	}
}
