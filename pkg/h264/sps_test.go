package h264_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VincentVerdynanta/utsuru/pkg/h264"
)

func baselineSPS() *h264.SPS {
	return &h264.SPS{
		ProfileIDC:                66,
		LevelIDC:                  30,
		SeqParameterSetID:         0,
		Log2MaxFrameNumMinus4:     0,
		PicOrderCntType:           2,
		MaxNumRefFrames:           3,
		PicWidthInMbsMinus1:       79,
		PicHeightInMapUnitsMinus1: 44,
		FrameMbsOnlyFlag:          true,
		Direct8x8InferenceFlag:    true,
	}
}

func TestSPSRoundTripNoMutation(t *testing.T) {
	sps := baselineSPS()

	raw, err := h264.SynthesizeSPS(sps, true)
	require.NoError(t, err)

	parsed, err := h264.ParseSPS(raw)
	require.NoError(t, err)
	require.Equal(t, sps, parsed)

	again, err := h264.SynthesizeSPS(parsed, true)
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestApplyDiscordVUIFix(t *testing.T) {
	sps := baselineSPS()
	sps.MaxNumRefFrames = 3

	h264.ApplyDiscordVUIFix(sps)

	require.True(t, sps.VUIParametersPresentFlag)
	require.True(t, sps.VUIParameters.BitstreamRestrictionFlag)
	require.True(t, sps.VUIParameters.MotionVectorsOverPicBoundariesFlag)
	require.EqualValues(t, 2, sps.VUIParameters.MaxBytesPerPicDenom)
	require.EqualValues(t, 1, sps.VUIParameters.MaxBitsPerMBDenom)
	require.EqualValues(t, 16, sps.VUIParameters.Log2MaxMVLengthHorizontal)
	require.EqualValues(t, 16, sps.VUIParameters.Log2MaxMVLengthVertical)
	require.EqualValues(t, 0, sps.VUIParameters.MaxNumReorderFrames)
	require.EqualValues(t, 3, sps.VUIParameters.MaxDecFrameBuffering)
}

func TestApplyDiscordVUIFixNoopWhenAlreadyPresent(t *testing.T) {
	sps := baselineSPS()
	sps.VUIParameters.BitstreamRestrictionFlag = true
	sps.VUIParameters.MaxDecFrameBuffering = 9

	h264.ApplyDiscordVUIFix(sps)

	require.EqualValues(t, 9, sps.VUIParameters.MaxDecFrameBuffering)
}
