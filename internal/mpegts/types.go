// Package mpegts reads and writes MPEG transport streams. The demuxer
// discovers programs through PAT/PMT and reassembles PES units with their
// PTS/DTS, flagging units that crossed a transport error or continuity gap.
// The muxer writes PAT/PMT tables and packetizes PES units with optional PCR.
package mpegts

// PacketSize is the length of one transport stream packet.
const PacketSize = 188

const syncByte = 0x47

// Well-known PIDs and stream types.
const (
	PIDPAT uint16 = 0x0000

	StreamTypeH264 uint8 = 0x1B
	StreamTypeH265 uint8 = 0x24
	StreamTypeAAC  uint8 = 0x0F
)

// Packet is one parsed 188-byte transport packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader holds the fixed header fields plus the adaptation field bits
// the demuxer cares about.
type PacketHeader struct {
	PID               uint16
	ContinuityCounter uint8
	PayloadUnitStart  bool
	TransportError    bool
	HasAdaptation     bool
	HasPayload        bool
	Discontinuity     bool
	RandomAccess      bool
}

// Unit is one logical output of the demuxer. Exactly one of PAT, PMT or PES
// is set.
type Unit struct {
	PID uint16
	PAT *PAT
	PMT *PMT
	PES *PES
}

// PAT is a parsed Program Association Table.
type PAT struct {
	TransportStreamID uint16
	Programs          []Program
}

// Program maps a program number to the PID carrying its PMT.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PMT is a parsed Program Map Table.
type PMT struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []ElementaryStream
}

// ElementaryStream is one entry of a PMT.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
}

// PES is a reassembled packetized elementary stream unit. Timestamps are
// 33-bit values on the 90 kHz clock.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte

	// Corrupt is set when any transport packet of the unit carried the
	// transport error indicator or arrived after an unsignalled
	// continuity counter gap.
	Corrupt bool
	// RandomAccess mirrors the adaptation field random_access_indicator of
	// the unit's first packet.
	RandomAccess bool
}
