// Package samplebuilder reassembles an unordered RTP packet stream into
// codec samples, honouring head/tail markers, timestamp boundaries, and a
// configurable gap tolerance (hold-back).
package samplebuilder

import (
	"time"

	"github.com/pion/rtp"
)

// Depacketizer turns one RTP payload into zero or more bytes of a partially
// or fully reassembled codec sample, and classifies payloads as partition
// heads/tails. Satisfied by *h264.Depacketizer and pion/rtp's Opus
// depacketizer alike.
type Depacketizer interface {
	Depacketize(payload []byte) ([]byte, error)
	IsPartitionHead(payload []byte) bool
	IsPartitionTail(marker bool, payload []byte) bool
}

// Sample is a fully reassembled codec sample.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

type entry struct {
	header  rtp.Header
	payload []byte
	head    bool
	tail    bool
}

type segment struct {
	start, stop int
}

type depackResult struct {
	timestamp uint32
	data      []byte
}

// SampleBuilder reconstructs samples from an unordered RTP packet stream
// for one depacketizer, one media track.
type SampleBuilder struct {
	holdBack int
	depack   Depacketizer
	sampleRate uint32

	queue    []entry
	segments []segment

	lastEmitted   *uint16
	depackCache   *segment
	depackCacheVal depackResult
	ready         *depackResult
	samples       uint32
}

// New builds a SampleBuilder over depack with the given hold-back (in
// segments) and RTP clock rate.
func New(depack Depacketizer, holdBack int, sampleRate uint32) *SampleBuilder {
	return &SampleBuilder{
		holdBack:   holdBack,
		depack:     depack,
		sampleRate: sampleRate,
	}
}

// Push inserts an RTP packet in sequence-number order. It returns false if
// the packet was dropped because its sequence number is at or before the
// last emitted one (with a non-zero hold-back). An exact duplicate of a
// queued sequence number is not queued again, and Push still returns true.
func (b *SampleBuilder) Push(p *rtp.Packet) bool {
	if b.lastEmitted != nil && p.SequenceNumber <= *b.lastEmitted && b.holdBack > 0 {
		return false
	}

	i, found := b.search(p.SequenceNumber)
	if found {
		return true
	}

	head := b.depack.IsPartitionHead(p.Payload)
	tail := b.depack.IsPartitionTail(p.Marker, p.Payload)

	e := entry{header: p.Header, payload: p.Payload, head: head, tail: tail}
	b.queue = append(b.queue, entry{})
	copy(b.queue[i+1:], b.queue[i:])
	b.queue[i] = e

	return true
}

func (b *SampleBuilder) search(seq uint16) (int, bool) {
	lo, hi := 0, len(b.queue)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.queue[mid].header.SequenceNumber < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(b.queue) && b.queue[lo].header.SequenceNumber == seq {
		return lo, true
	}
	return lo, false
}

// Pop attempts to emit the next complete sample. It returns nil if no
// sample is ready yet.
func (b *SampleBuilder) Pop() *Sample {
	b.updateSegments()

	if len(b.segments) == 0 {
		return nil
	}
	seg := b.segments[0]
	seq := b.queue[seg.stop].header.SequenceNumber

	dep, err := b.depacketize(seg)
	if err != nil {
		b.lastEmitted = &seq
		b.queue = append([]entry{}, b.queue[seg.stop+1:]...)
		return nil
	}

	moreThanHoldBack := len(b.segments) >= b.holdBack
	contiguous := b.isFollowingLast(seg.start)
	waitForContiguity := !contiguous && !moreThanHoldBack

	if waitForContiguity {
		s := seg
		b.depackCache = &s
		b.depackCacheVal = dep
		return nil
	}

	last := b.queue[seg.stop].header.SequenceNumber
	b.queue = append([]entry{}, b.queue[seg.stop+1:]...)
	b.lastEmitted = &last

	afterTimestamp := dep.timestamp
	ready := b.ready
	b.ready = &dep

	if ready == nil {
		return nil
	}

	samples := afterTimestamp - ready.timestamp
	if afterTimestamp < ready.timestamp {
		samples = 0
	}
	if samples > 0 {
		b.samples = samples
	}

	return &Sample{
		Data:     append([]byte{}, ready.data...),
		Duration: time.Duration(float64(b.samples) / float64(b.sampleRate) * float64(time.Second)),
	}
}

func (b *SampleBuilder) depacketize(seg segment) (depackResult, error) {
	if b.depackCache != nil && *b.depackCache == seg {
		v := b.depackCacheVal
		b.depackCache = nil
		return v, nil
	}

	timestamp := b.queue[seg.start].header.Timestamp

	var data []byte
	for i := seg.start; i <= seg.stop; i++ {
		p, err := b.depack.Depacketize(b.queue[i].payload)
		if err != nil {
			return depackResult{}, err
		}
		data = append(data, p...)
	}

	return depackResult{timestamp: timestamp, data: data}, nil
}

func (b *SampleBuilder) updateSegments() {
	b.segments = b.segments[:0]

	type startState struct {
		index  int
		time   uint32
		offset int
	}
	var start *startState

	for index, e := range b.queue {
		iseq := int(e.header.SequenceNumber)

		var isExpectedSeq, isSameTimestamp bool
		if start != nil {
			isExpectedSeq = start.offset+index == iseq
			isSameTimestamp = start.time == e.header.Timestamp
		}
		isDefactoTail := isExpectedSeq && !isSameTimestamp

		if start != nil && isDefactoTail {
			b.segments = append(b.segments, segment{start: start.index, stop: index - 1})
			start = nil
		}

		if start != nil && (!isExpectedSeq || !isSameTimestamp) {
			start = nil
		}

		if start == nil && e.head {
			start = &startState{index: index, time: e.header.Timestamp, offset: iseq - index}
		}

		if start != nil && e.tail {
			b.segments = append(b.segments, segment{start: start.index, stop: index})
			start = nil
		}
	}
}

func (b *SampleBuilder) isFollowingLast(start int) bool {
	if b.lastEmitted == nil {
		return true
	}

	seq := *b.lastEmitted
	for i := 0; i < start; i++ {
		e := b.queue[i]
		isNext := seq < e.header.SequenceNumber && e.header.SequenceNumber-seq == 1
		if !isNext {
			return false
		}
		seq = e.header.SequenceNumber

		isPadding := len(e.payload) == 0 && !e.head && !e.tail
		if !isPadding {
			return false
		}
	}

	startEntry := b.queue[start]
	return seq < startEntry.header.SequenceNumber && startEntry.header.SequenceNumber-seq == 1
}
