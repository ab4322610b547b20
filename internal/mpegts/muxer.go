package mpegts

import (
	"fmt"
	"io"
)

// Default PIDs written by the muxer.
const (
	DefaultPMTPID   uint16 = 0x1000
	DefaultVideoPID uint16 = 0x0100
)

// MuxerConfig describes the single-program, single-stream transport
// stream a Muxer writes. Zero PIDs and program numbers take the defaults.
type MuxerConfig struct {
	ProgramNumber uint16
	PMTPID        uint16
	VideoPID      uint16
	StreamType    uint8
}

// Muxer writes one video elementary stream as MPEG-TS. The video PID
// doubles as the PCR PID; a PCR and a fresh PAT/PMT precede every
// keyframe so a reader can join at any random access point.
type Muxer struct {
	w   io.Writer
	cfg MuxerConfig
	cc  map[uint16]uint8
	buf []byte

	wroteTables bool
	units       int64
}

// NewMuxer creates a muxer writing to w.
func NewMuxer(w io.Writer, cfg MuxerConfig) *Muxer {
	if cfg.ProgramNumber == 0 {
		cfg.ProgramNumber = 1
	}
	if cfg.PMTPID == 0 {
		cfg.PMTPID = DefaultPMTPID
	}
	if cfg.VideoPID == 0 {
		cfg.VideoPID = DefaultVideoPID
	}
	if cfg.StreamType == 0 {
		cfg.StreamType = StreamTypeH264
	}
	return &Muxer{w: w, cfg: cfg, cc: make(map[uint16]uint8)}
}

// Units returns the number of PES units written.
func (m *Muxer) Units() int64 {
	return m.units
}

// WriteTables writes a PAT followed by a PMT.
func (m *Muxer) WriteTables() error {
	m.buf = m.buf[:0]
	m.appendTables()
	if _, err := m.w.Write(m.buf); err != nil {
		return fmt.Errorf("mpegts: write tables: %w", err)
	}
	m.wroteTables = true
	return nil
}

// WritePES writes one video access unit with the given 90 kHz timestamps.
// All transport packets of the unit go out in a single Write.
func (m *Muxer) WritePES(pts, dts int64, data []byte, keyframe bool) error {
	m.buf = m.buf[:0]
	if keyframe || !m.wroteTables {
		m.appendTables()
		m.wroteTables = true
	}

	pes := buildPES(StreamIDVideo, pts, dts, data)
	withPCR := keyframe || m.units == 0
	m.appendPayload(m.cfg.VideoPID, pes, adaptation{
		pcr:          dts & tsMask,
		withPCR:      withPCR,
		randomAccess: keyframe,
	})

	if _, err := m.w.Write(m.buf); err != nil {
		return fmt.Errorf("mpegts: write PES: %w", err)
	}
	m.units++
	return nil
}

func (m *Muxer) appendTables() {
	pat := buildPAT(1, []Program{{Number: m.cfg.ProgramNumber, PMTPID: m.cfg.PMTPID}})
	pmt := buildPMT(PMT{
		ProgramNumber: m.cfg.ProgramNumber,
		PCRPID:        m.cfg.VideoPID,
		Streams:       []ElementaryStream{{PID: m.cfg.VideoPID, StreamType: m.cfg.StreamType}},
	})
	m.appendSection(PIDPAT, pat)
	m.appendSection(m.cfg.PMTPID, pmt)
}

// appendSection packetizes one PSI section behind a zero pointer field,
// padding the final packet with 0xFF.
func (m *Muxer) appendSection(pid uint16, section []byte) {
	payload := append([]byte{0x00}, section...)
	first := true
	for len(payload) > 0 {
		var pkt [PacketSize]byte
		m.header(pkt[:], pid, first, false)
		n := copy(pkt[4:], payload)
		for i := 4 + n; i < PacketSize; i++ {
			pkt[i] = 0xFF
		}
		payload = payload[n:]
		first = false
		m.buf = append(m.buf, pkt[:]...)
	}
}

type adaptation struct {
	pcr          int64
	withPCR      bool
	randomAccess bool
}

// appendPayload splits a PES across transport packets. The first packet
// carries the requested adaptation flags; the last is padded through the
// adaptation field.
func (m *Muxer) appendPayload(pid uint16, pes []byte, ad adaptation) {
	first := true
	for len(pes) > 0 {
		var af []byte
		hasAF := false
		if first && (ad.withPCR || ad.randomAccess) {
			hasAF = true
			var flags byte
			if ad.randomAccess {
				flags |= 0x40
			}
			if ad.withPCR {
				flags |= 0x10
			}
			af = append(af, flags)
			if ad.withPCR {
				af = appendPCR(af, ad.pcr)
			}
		}

		room := PacketSize - 4
		if hasAF {
			room -= 1 + len(af)
		}
		n := min(room, len(pes))
		if short := room - n; short > 0 {
			if !hasAF {
				hasAF = true
				short-- // length byte
				if short > 0 {
					af = append(af, 0x00)
					short--
				}
			}
			for ; short > 0; short-- {
				af = append(af, 0xFF)
			}
		}

		var pkt [PacketSize]byte
		m.header(pkt[:], pid, first, hasAF)
		off := 4
		if hasAF {
			pkt[4] = byte(len(af))
			copy(pkt[5:], af)
			off = 5 + len(af)
		}
		copy(pkt[off:], pes[:n])
		pes = pes[n:]
		first = false
		m.buf = append(m.buf, pkt[:]...)
	}
}

func (m *Muxer) header(pkt []byte, pid uint16, start, hasAF bool) {
	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F

	pkt[0] = syncByte
	pkt[1] = byte(pid>>8) & 0x1F
	if start {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc
	if hasAF {
		pkt[3] |= 0x20
	}
}

// appendPCR packs a PCR with the given 33-bit base and a zero extension.
func appendPCR(b []byte, base int64) []byte {
	return append(b,
		byte(base>>25),
		byte(base>>17),
		byte(base>>9),
		byte(base>>1),
		byte(base&1)<<7|0x7E,
		0x00,
	)
}
