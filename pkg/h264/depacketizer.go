package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RFC 6184 NAL unit types and bitmasks.
const (
	stapANALUType = 24
	fuANALUType   = 28
	fuBNALUType   = 29

	fuAHeaderSize      = 2
	stapAHeaderSize    = 1
	stapANALULengthSize = 2

	naluTypeBitmask   = 0x1f
	naluRefIdcBitmask = 0x60
	fuStartBitmask    = 0x80
	fuEndBitmask      = 0x40
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// ErrShortPacket is returned when a payload is too small to be a valid
// H.264 RTP payload.
var ErrShortPacket = errors.New("h264: packet is not large enough to contain a NALU")

// ErrNALUTypeNotHandled is returned for NAL unit types outside 1-24, 28.
type ErrNALUTypeNotHandled struct {
	Type uint8
}

func (e ErrNALUTypeNotHandled) Error() string {
	return fmt.Sprintf("h264: nalu type %d is not handled", e.Type)
}

// ErrStapASizeLargerThanBuffer is returned when a STAP-A aggregation unit
// advertises a length that would overrun the packet buffer.
type ErrStapASizeLargerThanBuffer struct {
	Size      int
	Available int
}

func (e ErrStapASizeLargerThanBuffer) Error() string {
	return fmt.Sprintf("h264: STAP-A size %d is larger than remaining buffer %d", e.Size, e.Available)
}

// Depacketizer implements RFC 6184 NAL-unit reassembly: single NALU,
// STAP-A aggregation, and FU-A fragmentation. A zero value is ready to use.
type Depacketizer struct {
	// IsAVC selects 4-byte big-endian length prefixing instead of Annex-B
	// start codes.
	IsAVC bool

	fuBuffer []byte
}

// Depacketize parses packet and returns the reassembled NAL unit bytes, if
// any are ready to emit. An FU-A fragment that has not yet seen its end bit
// returns an empty, non-nil slice.
func (d *Depacketizer) Depacketize(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, ErrShortPacket
	}

	b0 := packet[0]
	naluType := b0 & naluTypeBitmask

	switch {
	case naluType >= 1 && naluType <= 23:
		out := make([]byte, 0, len(packet)+4)
		out = append(out, d.prefix(len(packet))...)
		out = append(out, packet...)
		return out, nil

	case naluType == stapANALUType:
		return d.depacketizeSTAPA(packet)

	case naluType == fuANALUType:
		return d.depacketizeFUA(packet)

	default:
		return nil, ErrNALUTypeNotHandled{Type: naluType}
	}
}

func (d *Depacketizer) prefix(naluLen int) []byte {
	if d.IsAVC {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(naluLen))
		return b[:]
	}
	return annexBStartCode
}

func (d *Depacketizer) depacketizeSTAPA(packet []byte) ([]byte, error) {
	var out []byte
	currOffset := stapAHeaderSize
	for currOffset+1 < len(packet) {
		naluSize := int(packet[currOffset])<<8 | int(packet[currOffset+1])
		currOffset += stapANALULengthSize

		if currOffset+naluSize > len(packet) {
			return nil, ErrStapASizeLargerThanBuffer{Size: naluSize, Available: len(packet) - currOffset}
		}

		out = append(out, d.prefix(naluSize)...)
		out = append(out, packet[currOffset:currOffset+naluSize]...)
		currOffset += naluSize
	}
	return out, nil
}

func (d *Depacketizer) depacketizeFUA(packet []byte) ([]byte, error) {
	if len(packet) < fuAHeaderSize {
		return nil, ErrShortPacket
	}

	if d.fuBuffer == nil {
		d.fuBuffer = []byte{}
	}
	d.fuBuffer = append(d.fuBuffer, packet[fuAHeaderSize:]...)

	b0, b1 := packet[0], packet[1]
	if b1&fuEndBitmask == 0 {
		return []byte{}, nil
	}

	naluRefIdc := b0 & naluRefIdcBitmask
	fragmentedType := b1 & naluTypeBitmask

	fuBuffer := d.fuBuffer
	d.fuBuffer = nil

	out := make([]byte, 0, len(fuBuffer)+5)
	out = append(out, d.prefix(len(fuBuffer)+1)...)
	out = append(out, naluRefIdc|fragmentedType)
	out = append(out, fuBuffer...)
	return out, nil
}

// IsPartitionHead reports whether payload begins a new partition: for
// FU-A/FU-B it is the fragment start bit, otherwise always true. An empty
// payload is never a head.
func (d *Depacketizer) IsPartitionHead(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	t := payload[0] & naluTypeBitmask
	if t == fuANALUType || t == fuBNALUType {
		return len(payload) >= 2 && payload[1]&fuStartBitmask != 0
	}
	return true
}

// IsPartitionTail reports whether this packet ends its partition: the RTP
// marker bit.
func (d *Depacketizer) IsPartitionTail(marker bool, _ []byte) bool {
	return marker
}
