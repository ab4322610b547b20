// Package media defines the packet type that flows through the replay
// recorder, from capture through the ring buffer to the sinks.
package media

import (
	"strings"
	"sync/atomic"
)

// Flags carries per-packet state bits.
type Flags uint8

const (
	// FlagKeyframe marks a packet that starts a decodable picture on its own.
	FlagKeyframe Flags = 1 << iota
	// FlagCorrupt marks a packet reassembled across a transport error or
	// continuity gap.
	FlagCorrupt
	// FlagDiscard marks a packet that cannot be decoded in the output, such
	// as inter frames seen before the first keyframe.
	FlagDiscard
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f.Has(FlagKeyframe) {
		parts = append(parts, "keyframe")
	}
	if f.Has(FlagCorrupt) {
		parts = append(parts, "corrupt")
	}
	if f.Has(FlagDiscard) {
		parts = append(parts, "discard")
	}
	return strings.Join(parts, "|")
}

// Codec identifies the elementary stream codec of a packet.
type Codec uint8

// Supported video codecs.
const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// Packet is one access unit of compressed media. A packet has exactly one
// owner at a time; whoever owns it last calls Release. Packets handed to
// another component (a ring buffer, a sink) must not be touched by the
// caller afterwards.
type Packet struct {
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	StreamIndex int
	Flags       Flags
	Codec       Codec

	pool     *Pool
	released atomic.Bool
}

// IsKeyframe reports whether the packet carries FlagKeyframe.
func (p *Packet) IsKeyframe() bool {
	return p.Flags.Has(FlagKeyframe)
}

// Release gives the packet's payload back to the pool it came from. It
// returns false if the packet was already released; the payload is reclaimed
// exactly once.
func (p *Packet) Release() bool {
	if !p.released.CompareAndSwap(false, true) {
		return false
	}
	data := p.Data
	p.Data = nil
	if p.pool != nil {
		p.pool.put(data)
	}
	return true
}

// Released reports whether Release has been called.
func (p *Packet) Released() bool {
	return p.released.Load()
}
