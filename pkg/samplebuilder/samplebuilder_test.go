package samplebuilder_test

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/VincentVerdynanta/utsuru/pkg/samplebuilder"
)

// passthroughDepacketizer treats every payload as a complete, self
// contained partition, like Opus.
type passthroughDepacketizer struct{}

func (passthroughDepacketizer) Depacketize(payload []byte) ([]byte, error) {
	return payload, nil
}

func (passthroughDepacketizer) IsPartitionHead([]byte) bool { return true }

func (passthroughDepacketizer) IsPartitionTail(marker bool, _ []byte) bool { return true }

func pkt(seq uint16, ts uint32, data byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: seq, Timestamp: ts, Marker: true},
		Payload: []byte{data},
	}
}

// Reorder with hold_back=2: seq 10, 12, 11 arrive out of order; once all
// three are pushed, successive pops yield samples for 10 then 11.
func TestPopReordersWithinHoldBack(t *testing.T) {
	b := samplebuilder.New(passthroughDepacketizer{}, 2, 48000)

	require.True(t, b.Push(pkt(10, 1000, 0x0a)))
	require.True(t, b.Push(pkt(12, 1002, 0x0c)))
	require.True(t, b.Push(pkt(11, 1001, 0x0b)))

	require.Nil(t, b.Pop())

	first := b.Pop()
	require.NotNil(t, first)
	require.Equal(t, []byte{0x0a}, first.Data)

	second := b.Pop()
	require.NotNil(t, second)
	require.Equal(t, []byte{0x0b}, second.Data)
}

// pop() is one-cycle buffered: the first completed segment is staged, not
// emitted, so a single pushed packet never yields a sample.
func TestPopWithholdsWhenOnlyOneSampleStaged(t *testing.T) {
	b := samplebuilder.New(passthroughDepacketizer{}, 2, 48000)

	require.True(t, b.Push(pkt(1, 1000, 0x01)))
	require.Nil(t, b.Pop())
}

func TestPushDropsPacketOlderThanLastEmitted(t *testing.T) {
	b := samplebuilder.New(passthroughDepacketizer{}, 1, 48000)

	require.True(t, b.Push(pkt(1, 1000, 0x01)))
	require.True(t, b.Push(pkt(2, 1001, 0x02)))
	require.Nil(t, b.Pop())

	require.False(t, b.Push(pkt(1, 1000, 0x01)))
}

func TestPushDeduplicatesSameSequenceNumber(t *testing.T) {
	b := samplebuilder.New(passthroughDepacketizer{}, 2, 48000)

	require.True(t, b.Push(pkt(5, 1000, 0x05)))
	require.True(t, b.Push(pkt(5, 1000, 0x05)))
}

// Duration is derived from the gap between a staged sample's timestamp and
// the timestamp of the sample completed after it, not its own span.
func TestDurationIsComputedFromFollowingSampleTimestamp(t *testing.T) {
	b := samplebuilder.New(passthroughDepacketizer{}, 1, 48000)

	require.True(t, b.Push(pkt(1, 0, 0x01)))
	require.True(t, b.Push(pkt(2, 960, 0x02)))
	require.True(t, b.Push(pkt(3, 1920, 0x03)))

	require.Nil(t, b.Pop())

	second := b.Pop()
	require.NotNil(t, second)
	require.Equal(t, []byte{0x01}, second.Data)
	require.Equal(t, int64(20_000_000), second.Duration.Nanoseconds())
}
