package mpegts

import "fmt"

const (
	// StreamIDVideo is the first video stream_id; the muxer uses it for the
	// single video stream it writes.
	StreamIDVideo uint8 = 0xE0

	tsMask = 1<<33 - 1
)

func hasPESStartCode(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// streamIDHasHeader reports whether PES packets with this stream_id carry
// the optional header (ISO 13818-1 table 2-21).
func streamIDHasHeader(id uint8) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(b))
	}
	if !hasPESStartCode(b) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	pes := &PES{StreamID: b[3]}
	end := len(b)
	if n := int(b[4])<<8 | int(b[5]); n > 0 && 6+n <= len(b) {
		end = 6 + n
	}

	if !streamIDHasHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	flags := b[7] >> 6
	start := min(9+int(b[8]), end)

	if flags&0x2 != 0 && len(b) >= 14 {
		pes.PTS, pes.HasPTS = decodeTimestamp(b[9:14]), true
	}
	if flags == 0x3 && len(b) >= 19 {
		pes.DTS, pes.HasDTS = decodeTimestamp(b[14:19]), true
	}
	pes.Data = b[start:end]
	return pes, nil
}

// decodeTimestamp unpacks a 33-bit PTS/DTS from its 5-byte marker-bit form.
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// appendTimestamp packs ts into the 5-byte form with the given 4-bit prefix
// (0x2 PTS only, 0x3 PTS of a PTS+DTS pair, 0x1 DTS).
func appendTimestamp(b []byte, prefix byte, ts int64) []byte {
	ts &= tsMask
	return append(b,
		prefix<<4|byte(ts>>29)&0x0E|1,
		byte(ts>>22),
		byte(ts>>14)|1,
		byte(ts>>7),
		byte(ts<<1)|1,
	)
}

// buildPES returns a complete PES packet. DTS is written only when it
// differs from PTS. Video PES longer than the 16-bit length field uses the
// unbounded length 0.
func buildPES(streamID uint8, pts, dts int64, data []byte) []byte {
	withDTS := dts != pts
	hdrLen := 5
	if withDTS {
		hdrLen = 10
	}

	out := make([]byte, 0, 9+hdrLen+len(data))
	out = append(out, 0, 0, 1, streamID, 0, 0)
	out = append(out, 0x80) // marker bits '10', no scrambling
	if withDTS {
		out = append(out, 0xC0, byte(hdrLen))
		out = appendTimestamp(out, 0x3, pts)
		out = appendTimestamp(out, 0x1, dts)
	} else {
		out = append(out, 0x80, byte(hdrLen))
		out = appendTimestamp(out, 0x2, pts)
	}
	out = append(out, data...)

	if n := len(out) - 6; n <= 0xFFFF {
		out[4], out[5] = byte(n>>8), byte(n)
	}
	return out
}
