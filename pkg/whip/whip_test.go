package whip_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VincentVerdynanta/utsuru/pkg/samplebuilder"
	"github.com/VincentVerdynanta/utsuru/pkg/whip"
)

type stubMirror struct {
	failWrites   bool
	closed       atomic.Bool
	connectCalls atomic.Int32
	writeCalls   atomic.Int32
}

func (m *stubMirror) WriteAudioSample(context.Context, *samplebuilder.Sample) error {
	m.writeCalls.Add(1)
	if m.failWrites {
		return errors.New("write failed")
	}
	return nil
}

func (m *stubMirror) WriteVideoSample(context.Context, *samplebuilder.Sample) error {
	m.writeCalls.Add(1)
	if m.failWrites {
		return errors.New("write failed")
	}
	return nil
}

func (m *stubMirror) CallConnectedCallback() error {
	m.connectCalls.Add(1)
	return nil
}

func (m *stubMirror) Close() {
	m.closed.Store(true)
}

func newTestCoordinator() *whip.Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return whip.New(nil, logger)
}

func TestAddMirrorThenViewMirrorsReportsAlive(t *testing.T) {
	c := newTestCoordinator()
	m := &stubMirror{}

	c.AddMirror(m)

	require.Equal(t, []bool{true}, c.ViewMirrors())
}

func TestRemoveMirrorClosesAndMarksDead(t *testing.T) {
	c := newTestCoordinator()
	m := &stubMirror{}

	c.AddMirror(m)
	c.RemoveMirror(0)

	require.Equal(t, []bool{false}, c.ViewMirrors())
	require.True(t, m.closed.Load())
}

func TestRemoveMirrorUnknownIDIsNoop(t *testing.T) {
	c := newTestCoordinator()
	require.NotPanics(t, func() {
		c.RemoveMirror(42)
	})
}

func TestFanOutEvictsMirrorOnWriteFailure(t *testing.T) {
	c := newTestCoordinator()
	bad := &stubMirror{failWrites: true}
	good := &stubMirror{}

	c.AddMirror(bad)
	c.AddMirror(good)

	c.FanOutAudioSample(&samplebuilder.Sample{Data: []byte{0x01}})

	require.True(t, bad.closed.Load())
	require.False(t, good.closed.Load())
	require.EqualValues(t, 1, good.writeCalls.Load())
	require.Equal(t, []bool{false, true}, c.ViewMirrors())

	c.FanOutVideoSample(&samplebuilder.Sample{Data: []byte{0x02}})
	require.EqualValues(t, 2, good.writeCalls.Load())
}

func TestViewMirrorsIDsAreMonotonicallyNonDecreasing(t *testing.T) {
	c := newTestCoordinator()
	a, b := &stubMirror{}, &stubMirror{}

	c.AddMirror(a)
	c.AddMirror(b)
	c.RemoveMirror(0)
	c.AddMirror(&stubMirror{})

	require.Len(t, c.ViewMirrors(), 3)
}

