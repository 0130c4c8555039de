package bitstream_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VincentVerdynanta/utsuru/pkg/bitstream"
)

func TestReadBitsFixed(t *testing.T) {
	data := []byte{0b10110100, 0b11001010}
	r := bitstream.NewReader(data, false)

	v, err := r.ReadBits(4)
	require.NoError(t, err)
	require.EqualValues(t, 0b1011, v)

	v, err = r.ReadBits(4)
	require.NoError(t, err)
	require.EqualValues(t, 0b0100, v)

	v, err = r.ReadBits(8)
	require.NoError(t, err)
	require.EqualValues(t, 0b11001010, v)
}

func TestExpGolombRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 2, 3, 4, 5, 100, 1000, 65535}

	var buf bytes.Buffer
	w := bitstream.NewWriter(&buf, false)
	for _, v := range values {
		require.NoError(t, w.WriteUE(v))
	}
	require.NoError(t, w.Flush())

	r := bitstream.NewReader(buf.Bytes(), false)
	for _, want := range values {
		got, err := r.ReadUE()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestSignedExpGolombRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 2, -2, 100, -100}

	var buf bytes.Buffer
	w := bitstream.NewWriter(&buf, false)
	for _, v := range values {
		require.NoError(t, w.WriteSE(v))
	}
	require.NoError(t, w.Flush())

	r := bitstream.NewReader(buf.Bytes(), false)
	for _, want := range values {
		got, err := r.ReadSE()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestReadUETooManyLeadingZeros(t *testing.T) {
	// 32 leading zero bits with no terminating one bit.
	data := make([]byte, 5)
	r := bitstream.NewReader(data, false)
	_, err := r.ReadUE()
	require.Error(t, err)
}

func TestEmulationPreventionStripping(t *testing.T) {
	// 0x00 0x00 0x03 0x01 -> the 0x03 is an EPB and must be dropped.
	data := []byte{0x00, 0x00, 0x03, 0x01}
	r := bitstream.NewReader(data, true)

	v, err := r.ReadBits(24)
	require.NoError(t, err)
	require.EqualValues(t, 0x000001, v)
	require.Equal(t, 1, r.NumEPB())
}

func TestEmulationPreventionInsertion(t *testing.T) {
	var buf bytes.Buffer
	w := bitstream.NewWriter(&buf, true)
	require.NoError(t, w.WriteF(8, 0x00))
	require.NoError(t, w.WriteF(8, 0x00))
	require.NoError(t, w.WriteF(8, 0x01))
	require.NoError(t, w.Flush())

	require.Equal(t, []byte{0x00, 0x00, 0x03, 0x01}, buf.Bytes())
}

func TestFixedBitsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bitstream.NewWriter(&buf, false)
	require.NoError(t, w.WriteF(3, 0b101))
	require.NoError(t, w.WriteF(5, 0b11010))
	require.NoError(t, w.Flush())

	r := bitstream.NewReader(buf.Bytes(), false)
	v, err := r.ReadBits(3)
	require.NoError(t, err)
	require.EqualValues(t, 0b101, v)

	v, err = r.ReadBits(5)
	require.NoError(t, err)
	require.EqualValues(t, 0b11010, v)
}
