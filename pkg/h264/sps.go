// Package h264 implements H.264 bitstream parsing/synthesis (SPS NAL
// units, including VUI/HRD sub-structures) and an RFC 6184 RTP
// depacketizer.
package h264

import (
	"bytes"
	"fmt"

	"github.com/VincentVerdynanta/utsuru/pkg/bitstream"
)

// extendedSAR is the "Extended_SAR" aspect-ratio-idc sentinel (H.264 Table E-1).
const extendedSAR = 255

// H.264 Table 7-2 default scaling lists.
var (
	default4x4Intra = [16]uint8{6, 13, 13, 20, 20, 20, 28, 28, 28, 28, 32, 32, 32, 37, 37, 42}
	default4x4Inter = [16]uint8{10, 14, 14, 20, 20, 20, 24, 24, 24, 24, 27, 27, 27, 30, 30, 34}
	default8x8Intra = [64]uint8{
		6, 10, 10, 13, 11, 13, 16, 16, 16, 16, 18, 18, 18, 18, 18, 23,
		23, 23, 23, 23, 23, 25, 25, 25, 25, 25, 25, 25, 27, 27, 27, 27,
		27, 27, 27, 27, 29, 29, 29, 29, 29, 29, 29, 31, 31, 31, 31, 31,
		31, 33, 33, 33, 33, 33, 36, 36, 36, 36, 38, 38, 38, 40, 40, 42,
	}
	default8x8Inter = [64]uint8{
		9, 13, 13, 15, 13, 15, 17, 17, 17, 17, 19, 19, 19, 19, 19, 21,
		21, 21, 21, 21, 21, 22, 22, 22, 22, 22, 22, 22, 24, 24, 24, 24,
		24, 24, 24, 24, 25, 25, 25, 25, 25, 25, 25, 27, 27, 27, 27, 27,
		27, 28, 28, 28, 28, 28, 30, 30, 30, 30, 32, 32, 32, 33, 33, 35,
	}
)

func defaultScalingList(i int) []uint8 {
	// H.264 Table 7-2.
	switch i {
	case 0, 1, 2:
		return default4x4Intra[:]
	case 3, 4, 5:
		return default4x4Inter[:]
	case 6, 8, 10:
		return default8x8Intra[:]
	case 7, 9, 11:
		return default8x8Inter[:]
	default:
		panic(fmt.Sprintf("h264: scaling list index %d out of range", i))
	}
}

// HRDParameters is the HRD parameters sub-structure of VUI (H.264 §E.1.2).
type HRDParameters struct {
	CPBCntMinus1                      uint32
	BitRateScale                      uint32
	CPBSizeScale                      uint32
	BitRateValueMinus1                []uint32
	CPBSizeValueMinus1                []uint32
	CBRFlag                           []uint32
	InitialCPBRemovalDelayLengthMinus1 uint32
	CPBRemovalDelayLengthMinus1        uint32
	DPBOutputDelayLengthMinus1         uint32
	TimeOffsetLength                   uint32
}

// VUIParameters is the Video Usability Information sub-structure of an SPS
// (H.264 §E.1.1).
type VUIParameters struct {
	AspectRatioInfoPresentFlag bool
	AspectRatioIdc             uint32
	SARWidth                   uint32
	SARHeight                  uint32

	OverscanInfoPresentFlag  bool
	OverscanAppropriateFlag  bool

	VideoSignalTypePresentFlag bool
	VideoFormat                uint32
	VideoFullRangeFlag         bool
	ColourDescriptionPresentFlag bool
	ColourPrimaries            uint32
	TransferCharacteristics    uint32
	MatrixCoefficients         uint32

	ChromaLocInfoPresentFlag        bool
	ChromaSampleLocTypeTopField     uint32
	ChromaSampleLocTypeBottomField  uint32

	TimingInfoPresentFlag bool
	NumUnitsInTick        uint32
	TimeScale             uint32
	FixedFrameRateFlag    bool

	NALHRDParametersPresentFlag bool
	NALHRDParameters            HRDParameters
	VCLHRDParametersPresentFlag bool
	VCLHRDParameters            HRDParameters
	LowDelayHRDFlag             bool

	PicStructPresentFlag bool

	BitstreamRestrictionFlag           bool
	MotionVectorsOverPicBoundariesFlag bool
	MaxBytesPerPicDenom                uint32
	MaxBitsPerMBDenom                  uint32
	Log2MaxMVLengthHorizontal          uint32
	Log2MaxMVLengthVertical            uint32
	MaxNumReorderFrames                uint32
	MaxDecFrameBuffering                uint32
}

// SPS is the full H.264 Sequence Parameter Set (H.264 §7.3.2.1.1).
type SPS struct {
	ProfileIDC          uint32
	ConstraintSet0Flag  bool
	ConstraintSet1Flag  bool
	ConstraintSet2Flag  bool
	ConstraintSet3Flag  bool
	ConstraintSet4Flag  bool
	ConstraintSet5Flag  bool
	LevelIDC            uint32
	SeqParameterSetID   uint32

	ChromaFormatIDC                    uint32
	SeparateColourPlaneFlag            bool
	BitDepthLumaMinus8                 uint32
	BitDepthChromaMinus8               uint32
	QPPrimeYZeroTransformBypassFlag    bool
	SeqScalingMatrixPresentFlag        bool
	ScalingLists4x4                    [6][16]uint8
	ScalingLists8x8                    [6][64]uint8

	Log2MaxFrameNumMinus4 uint32
	PicOrderCntType       uint32

	Log2MaxPicOrderCntLsbMinus4   uint32
	DeltaPicOrderAlwaysZeroFlag   bool
	OffsetForNonRefPic            int32
	OffsetForTopToBottomField     int32
	NumRefFramesInPicOrderCntCycle uint32
	OffsetForRefFrame              []int32

	MaxNumRefFrames                  uint32
	GapsInFrameNumValueAllowedFlag   bool
	PicWidthInMbsMinus1              uint32
	PicHeightInMapUnitsMinus1        uint32
	FrameMbsOnlyFlag                 bool
	MBAdaptiveFrameFieldFlag         bool
	Direct8x8InferenceFlag           bool

	FrameCroppingFlag      bool
	FrameCropLeftOffset    uint32
	FrameCropRightOffset   uint32
	FrameCropTopOffset     uint32
	FrameCropBottomOffset  uint32

	VUIParametersPresentFlag bool
	VUIParameters            VUIParameters
}

// profiles that carry chroma-format/bit-depth/scaling-matrix fields
// (H.264 §7.3.2.1.1).
func hasChromaFields(profileIDC uint32) bool {
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	default:
		return false
	}
}

// ParseSPS parses a raw SPS RBSP payload (NAL header byte already stripped)
// into an SPS structure.
func ParseSPS(data []byte) (*SPS, error) {
	r := bitstream.NewReader(data, true)
	sps := &SPS{}

	var err error
	readBit := func() bool {
		if err != nil {
			return false
		}
		var v bool
		v, err = r.ReadBit()
		return v
	}
	readBits := func(n int) uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = r.ReadBits(n)
		return v
	}
	readUE := func() uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = r.ReadUE()
		return v
	}
	readSE := func() int32 {
		if err != nil {
			return 0
		}
		var v int32
		v, err = r.ReadSE()
		return v
	}

	sps.ProfileIDC = readBits(8)
	sps.ConstraintSet0Flag = readBit()
	sps.ConstraintSet1Flag = readBit()
	sps.ConstraintSet2Flag = readBit()
	sps.ConstraintSet3Flag = readBit()
	sps.ConstraintSet4Flag = readBit()
	sps.ConstraintSet5Flag = readBit()
	readBits(2) // reserved_zero_2bits
	sps.LevelIDC = readBits(8)
	sps.SeqParameterSetID = readUE()

	if hasChromaFields(sps.ProfileIDC) {
		sps.ChromaFormatIDC = readUE()
		if sps.ChromaFormatIDC == 3 {
			sps.SeparateColourPlaneFlag = readBit()
		}
		sps.BitDepthLumaMinus8 = readUE()
		sps.BitDepthChromaMinus8 = readUE()
		sps.QPPrimeYZeroTransformBypassFlag = readBit()
		sps.SeqScalingMatrixPresentFlag = readBit()

		if sps.SeqScalingMatrixPresentFlag {
			count := 8
			if sps.ChromaFormatIDC == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				present := readBit()
				if !present {
					continue
				}
				if i < 6 {
					parseScalingList(r, sps.ScalingLists4x4[i][:], defaultScalingList(i), &err)
				} else {
					parseScalingList(r, sps.ScalingLists8x8[i-6][:], defaultScalingList(i), &err)
				}
			}
		}
	}

	sps.Log2MaxFrameNumMinus4 = readUE()
	sps.PicOrderCntType = readUE()

	if sps.PicOrderCntType == 0 {
		sps.Log2MaxPicOrderCntLsbMinus4 = readUE()
	} else if sps.PicOrderCntType == 1 {
		sps.DeltaPicOrderAlwaysZeroFlag = readBit()
		sps.OffsetForNonRefPic = readSE()
		sps.OffsetForTopToBottomField = readSE()
		sps.NumRefFramesInPicOrderCntCycle = readUE()
		sps.OffsetForRefFrame = make([]int32, sps.NumRefFramesInPicOrderCntCycle)
		for i := range sps.OffsetForRefFrame {
			sps.OffsetForRefFrame[i] = readSE()
		}
	}

	sps.MaxNumRefFrames = readUE()
	sps.GapsInFrameNumValueAllowedFlag = readBit()
	sps.PicWidthInMbsMinus1 = readUE()
	sps.PicHeightInMapUnitsMinus1 = readUE()
	sps.FrameMbsOnlyFlag = readBit()
	if !sps.FrameMbsOnlyFlag {
		sps.MBAdaptiveFrameFieldFlag = readBit()
	}
	sps.Direct8x8InferenceFlag = readBit()

	sps.FrameCroppingFlag = readBit()
	if sps.FrameCroppingFlag {
		sps.FrameCropLeftOffset = readUE()
		sps.FrameCropRightOffset = readUE()
		sps.FrameCropTopOffset = readUE()
		sps.FrameCropBottomOffset = readUE()
	}

	sps.VUIParametersPresentFlag = readBit()
	if sps.VUIParametersPresentFlag {
		parseVUIParameters(r, &sps.VUIParameters, &err)
	}

	if err != nil {
		return nil, fmt.Errorf("h264: parse sps: %w", err)
	}
	return sps, nil
}

func parseScalingList(r *bitstream.Reader, list []uint8, fallback []uint8, errp *error) {
	if *errp != nil {
		return
	}
	lastScale := int32(8)
	nextScale := int32(8)
	for j := range list {
		if nextScale != 0 {
			delta, err := r.ReadSE()
			if err != nil {
				*errp = err
				return
			}
			if delta == -8 {
				// Sentinel: use default list for this and remaining entries.
				copy(list[j:], fallback[j:])
				return
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale == 0 {
			list[j] = uint8(lastScale)
		} else {
			list[j] = uint8(nextScale)
		}
		lastScale = int32(list[j])
	}
}

func parseVUIParameters(r *bitstream.Reader, v *VUIParameters, errp *error) {
	if *errp != nil {
		return
	}
	readBit := func() bool {
		if *errp != nil {
			return false
		}
		b, err := r.ReadBit()
		if err != nil {
			*errp = err
		}
		return b
	}
	readBits := func(n int) uint32 {
		if *errp != nil {
			return 0
		}
		b, err := r.ReadBits(n)
		if err != nil {
			*errp = err
		}
		return b
	}
	readUE := func() uint32 {
		if *errp != nil {
			return 0
		}
		b, err := r.ReadUE()
		if err != nil {
			*errp = err
		}
		return b
	}

	v.AspectRatioInfoPresentFlag = readBit()
	if v.AspectRatioInfoPresentFlag {
		v.AspectRatioIdc = readBits(8)
		if v.AspectRatioIdc == extendedSAR {
			v.SARWidth = readBits(16)
			v.SARHeight = readBits(16)
		}
	}

	v.OverscanInfoPresentFlag = readBit()
	if v.OverscanInfoPresentFlag {
		v.OverscanAppropriateFlag = readBit()
	}

	v.VideoSignalTypePresentFlag = readBit()
	if v.VideoSignalTypePresentFlag {
		v.VideoFormat = readBits(3)
		v.VideoFullRangeFlag = readBit()
		v.ColourDescriptionPresentFlag = readBit()
		if v.ColourDescriptionPresentFlag {
			v.ColourPrimaries = readBits(8)
			v.TransferCharacteristics = readBits(8)
			v.MatrixCoefficients = readBits(8)
		}
	}

	v.ChromaLocInfoPresentFlag = readBit()
	if v.ChromaLocInfoPresentFlag {
		v.ChromaSampleLocTypeTopField = readUE()
		v.ChromaSampleLocTypeBottomField = readUE()
	}

	v.TimingInfoPresentFlag = readBit()
	if v.TimingInfoPresentFlag {
		v.NumUnitsInTick = readBits(32)
		v.TimeScale = readBits(32)
		v.FixedFrameRateFlag = readBit()
	}

	v.NALHRDParametersPresentFlag = readBit()
	if v.NALHRDParametersPresentFlag {
		parseHRDParameters(r, &v.NALHRDParameters, errp)
	}
	v.VCLHRDParametersPresentFlag = readBit()
	if v.VCLHRDParametersPresentFlag {
		parseHRDParameters(r, &v.VCLHRDParameters, errp)
	}
	if v.NALHRDParametersPresentFlag || v.VCLHRDParametersPresentFlag {
		v.LowDelayHRDFlag = readBit()
	}

	v.PicStructPresentFlag = readBit()

	v.BitstreamRestrictionFlag = readBit()
	if v.BitstreamRestrictionFlag {
		v.MotionVectorsOverPicBoundariesFlag = readBit()
		v.MaxBytesPerPicDenom = readUE()
		v.MaxBitsPerMBDenom = readUE()
		v.Log2MaxMVLengthHorizontal = readUE()
		v.Log2MaxMVLengthVertical = readUE()
		v.MaxNumReorderFrames = readUE()
		v.MaxDecFrameBuffering = readUE()
	}
}

func parseHRDParameters(r *bitstream.Reader, h *HRDParameters, errp *error) {
	if *errp != nil {
		return
	}
	readBits := func(n int) uint32 {
		if *errp != nil {
			return 0
		}
		b, err := r.ReadBits(n)
		if err != nil {
			*errp = err
		}
		return b
	}
	readUE := func() uint32 {
		if *errp != nil {
			return 0
		}
		b, err := r.ReadUE()
		if err != nil {
			*errp = err
		}
		return b
	}

	h.CPBCntMinus1 = readUE()
	h.BitRateScale = readBits(4)
	h.CPBSizeScale = readBits(4)

	n := int(h.CPBCntMinus1) + 1
	h.BitRateValueMinus1 = make([]uint32, n)
	h.CPBSizeValueMinus1 = make([]uint32, n)
	h.CBRFlag = make([]uint32, n)
	for i := 0; i < n; i++ {
		h.BitRateValueMinus1[i] = readUE()
		h.CPBSizeValueMinus1[i] = readUE()
		if *errp != nil {
			return
		}
		b, err := r.ReadBits(1)
		if err != nil {
			*errp = err
			return
		}
		h.CBRFlag[i] = b
	}

	h.InitialCPBRemovalDelayLengthMinus1 = readBits(5)
	h.CPBRemovalDelayLengthMinus1 = readBits(5)
	h.DPBOutputDelayLengthMinus1 = readBits(5)
	h.TimeOffsetLength = readBits(5)
}

// SynthesizeSPS writes sps as a raw RBSP payload (NAL header not included),
// with RBSP trailing bits, optionally re-inserting emulation-prevention bytes.
func SynthesizeSPS(sps *SPS, epEnabled bool) ([]byte, error) {
	var buf bytes.Buffer
	w := bitstream.NewWriter(&buf, epEnabled)

	if err := writeSeqParameterSetData(w, sps); err != nil {
		return nil, fmt.Errorf("h264: synthesize sps: %w", err)
	}
	if err := writeRBSPTrailingBits(w); err != nil {
		return nil, fmt.Errorf("h264: synthesize sps: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("h264: synthesize sps: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRBSPTrailingBits(w *bitstream.Writer) error {
	if err := w.WriteF(1, 1); err != nil {
		return err
	}
	for w.HasDataPending() {
		if err := w.WriteF(1, 0); err != nil {
			return err
		}
	}
	return nil
}

func writeSeqParameterSetData(w *bitstream.Writer, sps *SPS) error {
	writeBit := func(v bool) error {
		b := uint32(0)
		if v {
			b = 1
		}
		return w.WriteF(1, b)
	}

	if err := w.WriteF(8, sps.ProfileIDC); err != nil {
		return err
	}
	for _, flag := range []bool{
		sps.ConstraintSet0Flag, sps.ConstraintSet1Flag, sps.ConstraintSet2Flag,
		sps.ConstraintSet3Flag, sps.ConstraintSet4Flag, sps.ConstraintSet5Flag,
	} {
		if err := writeBit(flag); err != nil {
			return err
		}
	}
	if err := w.WriteF(2, 0); err != nil { // reserved_zero_2bits
		return err
	}
	if err := w.WriteF(8, sps.LevelIDC); err != nil {
		return err
	}
	if err := w.WriteUE(sps.SeqParameterSetID); err != nil {
		return err
	}

	if hasChromaFields(sps.ProfileIDC) {
		if err := w.WriteUE(sps.ChromaFormatIDC); err != nil {
			return err
		}
		if sps.ChromaFormatIDC == 3 {
			if err := writeBit(sps.SeparateColourPlaneFlag); err != nil {
				return err
			}
		}
		if err := w.WriteUE(sps.BitDepthLumaMinus8); err != nil {
			return err
		}
		if err := w.WriteUE(sps.BitDepthChromaMinus8); err != nil {
			return err
		}
		if err := writeBit(sps.QPPrimeYZeroTransformBypassFlag); err != nil {
			return err
		}
		if err := writeBit(sps.SeqScalingMatrixPresentFlag); err != nil {
			return err
		}

		if sps.SeqScalingMatrixPresentFlag {
			count := 8
			if sps.ChromaFormatIDC == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				var list []uint8
				var zero bool
				if i < 6 {
					list = sps.ScalingLists4x4[i][:]
					zero = isZero(list)
				} else {
					list = sps.ScalingLists8x8[i-6][:]
					zero = isZero(list)
				}
				if zero {
					if err := writeBit(false); err != nil {
						return err
					}
					continue
				}
				if err := writeBit(true); err != nil {
					return err
				}
				if err := writeScalingList(w, list, defaultScalingList(i)); err != nil {
					return err
				}
			}
		}
	}

	if err := w.WriteUE(sps.Log2MaxFrameNumMinus4); err != nil {
		return err
	}
	if err := w.WriteUE(sps.PicOrderCntType); err != nil {
		return err
	}

	if sps.PicOrderCntType == 0 {
		if err := w.WriteUE(sps.Log2MaxPicOrderCntLsbMinus4); err != nil {
			return err
		}
	} else if sps.PicOrderCntType == 1 {
		if err := writeBit(sps.DeltaPicOrderAlwaysZeroFlag); err != nil {
			return err
		}
		if err := w.WriteSE(sps.OffsetForNonRefPic); err != nil {
			return err
		}
		if err := w.WriteSE(sps.OffsetForTopToBottomField); err != nil {
			return err
		}
		if err := w.WriteUE(sps.NumRefFramesInPicOrderCntCycle); err != nil {
			return err
		}
		for _, off := range sps.OffsetForRefFrame {
			if err := w.WriteSE(off); err != nil {
				return err
			}
		}
	}

	if err := w.WriteUE(sps.MaxNumRefFrames); err != nil {
		return err
	}
	if err := writeBit(sps.GapsInFrameNumValueAllowedFlag); err != nil {
		return err
	}
	if err := w.WriteUE(sps.PicWidthInMbsMinus1); err != nil {
		return err
	}
	if err := w.WriteUE(sps.PicHeightInMapUnitsMinus1); err != nil {
		return err
	}
	if err := writeBit(sps.FrameMbsOnlyFlag); err != nil {
		return err
	}
	if !sps.FrameMbsOnlyFlag {
		if err := writeBit(sps.MBAdaptiveFrameFieldFlag); err != nil {
			return err
		}
	}
	if err := writeBit(sps.Direct8x8InferenceFlag); err != nil {
		return err
	}

	if err := writeBit(sps.FrameCroppingFlag); err != nil {
		return err
	}
	if sps.FrameCroppingFlag {
		if err := w.WriteUE(sps.FrameCropLeftOffset); err != nil {
			return err
		}
		if err := w.WriteUE(sps.FrameCropRightOffset); err != nil {
			return err
		}
		if err := w.WriteUE(sps.FrameCropTopOffset); err != nil {
			return err
		}
		if err := w.WriteUE(sps.FrameCropBottomOffset); err != nil {
			return err
		}
	}

	if err := writeBit(sps.VUIParametersPresentFlag); err != nil {
		return err
	}
	if sps.VUIParametersPresentFlag {
		if err := writeVUIParameters(w, &sps.VUIParameters); err != nil {
			return err
		}
	}

	return nil
}

func isZero(list []uint8) bool {
	for _, v := range list {
		if v != 0 {
			return false
		}
	}
	return true
}

func writeScalingList(w *bitstream.Writer, list, defaultList []uint8) error {
	// H.264 §7.3.2.1.1.1.
	if bytes.Equal(list, defaultList) {
		return w.WriteSE(-8)
	}

	run := len(list)
	for j := len(list) - 1; j >= 1; j-- {
		if list[j-1] != list[j] {
			break
		}
		run--
	}

	lastScale := int32(8)
	for _, scale := range list[:run] {
		delta := int32(scale) - lastScale
		if err := w.WriteSE(delta); err != nil {
			return err
		}
		lastScale = int32(scale)
	}

	if run < len(list) {
		if err := w.WriteSE(-lastScale); err != nil {
			return err
		}
	}
	return nil
}

func writeVUIParameters(w *bitstream.Writer, v *VUIParameters) error {
	writeBit := func(b bool) error {
		val := uint32(0)
		if b {
			val = 1
		}
		return w.WriteF(1, val)
	}

	if err := writeBit(v.AspectRatioInfoPresentFlag); err != nil {
		return err
	}
	if v.AspectRatioInfoPresentFlag {
		if err := w.WriteF(8, v.AspectRatioIdc); err != nil {
			return err
		}
		if v.AspectRatioIdc == extendedSAR {
			if err := w.WriteF(16, v.SARWidth); err != nil {
				return err
			}
			if err := w.WriteF(16, v.SARHeight); err != nil {
				return err
			}
		}
	}

	if err := writeBit(v.OverscanInfoPresentFlag); err != nil {
		return err
	}
	if v.OverscanInfoPresentFlag {
		if err := writeBit(v.OverscanAppropriateFlag); err != nil {
			return err
		}
	}

	if err := writeBit(v.VideoSignalTypePresentFlag); err != nil {
		return err
	}
	if v.VideoSignalTypePresentFlag {
		if err := w.WriteF(3, v.VideoFormat); err != nil {
			return err
		}
		if err := writeBit(v.VideoFullRangeFlag); err != nil {
			return err
		}
		if err := writeBit(v.ColourDescriptionPresentFlag); err != nil {
			return err
		}
		if v.ColourDescriptionPresentFlag {
			if err := w.WriteF(8, v.ColourPrimaries); err != nil {
				return err
			}
			if err := w.WriteF(8, v.TransferCharacteristics); err != nil {
				return err
			}
			if err := w.WriteF(8, v.MatrixCoefficients); err != nil {
				return err
			}
		}
	}

	if err := writeBit(v.ChromaLocInfoPresentFlag); err != nil {
		return err
	}
	if v.ChromaLocInfoPresentFlag {
		if err := w.WriteUE(v.ChromaSampleLocTypeTopField); err != nil {
			return err
		}
		if err := w.WriteUE(v.ChromaSampleLocTypeBottomField); err != nil {
			return err
		}
	}

	if err := writeBit(v.TimingInfoPresentFlag); err != nil {
		return err
	}
	if v.TimingInfoPresentFlag {
		if err := w.WriteF(32, v.NumUnitsInTick); err != nil {
			return err
		}
		if err := w.WriteF(32, v.TimeScale); err != nil {
			return err
		}
		if err := writeBit(v.FixedFrameRateFlag); err != nil {
			return err
		}
	}

	if err := writeBit(v.NALHRDParametersPresentFlag); err != nil {
		return err
	}
	if v.NALHRDParametersPresentFlag {
		if err := writeHRDParameters(w, &v.NALHRDParameters); err != nil {
			return err
		}
	}
	if err := writeBit(v.VCLHRDParametersPresentFlag); err != nil {
		return err
	}
	if v.VCLHRDParametersPresentFlag {
		if err := writeHRDParameters(w, &v.VCLHRDParameters); err != nil {
			return err
		}
	}
	if v.NALHRDParametersPresentFlag || v.VCLHRDParametersPresentFlag {
		if err := writeBit(v.LowDelayHRDFlag); err != nil {
			return err
		}
	}

	if err := writeBit(v.PicStructPresentFlag); err != nil {
		return err
	}

	if err := writeBit(v.BitstreamRestrictionFlag); err != nil {
		return err
	}
	if v.BitstreamRestrictionFlag {
		if err := writeBit(v.MotionVectorsOverPicBoundariesFlag); err != nil {
			return err
		}
		if err := w.WriteUE(v.MaxBytesPerPicDenom); err != nil {
			return err
		}
		if err := w.WriteUE(v.MaxBitsPerMBDenom); err != nil {
			return err
		}
		if err := w.WriteUE(v.Log2MaxMVLengthHorizontal); err != nil {
			return err
		}
		if err := w.WriteUE(v.Log2MaxMVLengthVertical); err != nil {
			return err
		}
		if err := w.WriteUE(v.MaxNumReorderFrames); err != nil {
			return err
		}
		if err := w.WriteUE(v.MaxDecFrameBuffering); err != nil {
			return err
		}
	}

	return nil
}

func writeHRDParameters(w *bitstream.Writer, h *HRDParameters) error {
	if err := w.WriteUE(h.CPBCntMinus1); err != nil {
		return err
	}
	if err := w.WriteF(4, h.BitRateScale); err != nil {
		return err
	}
	if err := w.WriteF(4, h.CPBSizeScale); err != nil {
		return err
	}

	for i := 0; i <= int(h.CPBCntMinus1); i++ {
		if err := w.WriteUE(h.BitRateValueMinus1[i]); err != nil {
			return err
		}
		if err := w.WriteUE(h.CPBSizeValueMinus1[i]); err != nil {
			return err
		}
		if err := w.WriteF(1, h.CBRFlag[i]); err != nil {
			return err
		}
	}

	if err := w.WriteF(5, h.InitialCPBRemovalDelayLengthMinus1); err != nil {
		return err
	}
	if err := w.WriteF(5, h.CPBRemovalDelayLengthMinus1); err != nil {
		return err
	}
	if err := w.WriteF(5, h.DPBOutputDelayLengthMinus1); err != nil {
		return err
	}
	return w.WriteF(5, h.TimeOffsetLength)
}

// ApplyDiscordVUIFix applies the Discord-compatibility bitstream-restriction
// mutation described in the component design: if not already present, it is
// enabled and fixed to a set of values Discord's decoder requires.
func ApplyDiscordVUIFix(sps *SPS) {
	if sps.VUIParameters.BitstreamRestrictionFlag {
		return
	}
	sps.VUIParametersPresentFlag = true
	v := &sps.VUIParameters
	v.BitstreamRestrictionFlag = true
	v.MotionVectorsOverPicBoundariesFlag = true
	v.MaxBytesPerPicDenom = 2
	v.MaxBitsPerMBDenom = 1
	v.Log2MaxMVLengthHorizontal = 16
	v.Log2MaxMVLengthVertical = 16
	v.MaxNumReorderFrames = 0
	v.MaxDecFrameBuffering = sps.MaxNumRefFrames
}
