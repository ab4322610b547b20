package capture

import "github.com/zsiec/replay/internal/media"

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
)

// H.265 IRAP range, BLA_W_LP through CRA_NUT (ITU-T H.265 Table 7-1).
const (
	hevcNALBlaWLP = 16
	hevcNALCraNut = 21
)

// nalTypes scans an Annex B access unit and returns the type of every NAL
// unit in it. Both 3-byte and 4-byte start codes are recognized.
func nalTypes(data []byte, codec media.Codec) []byte {
	minNAL := 1
	if codec == media.CodecH265 {
		minNAL = 2
	}

	var starts []int
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < n && data[i+2] == 0 && data[i+3] == 1 {
				starts = append(starts, i+4)
				i += 4
				continue
			}
			if data[i+2] == 1 {
				starts = append(starts, i+3)
				i += 3
				continue
			}
		}
		i++
	}

	types := make([]byte, 0, len(starts))
	for idx, start := range starts {
		end := n
		if idx+1 < len(starts) {
			// The next start code may be 4 bytes; its leading zero is
			// trailing_zero_8bits, not NAL payload.
			end = starts[idx+1] - 3
		}
		if end-start < minNAL {
			continue
		}
		types = append(types, nalType(data[start], codec))
	}
	return types
}

func nalType(header byte, codec media.Codec) byte {
	if codec == media.CodecH265 {
		return (header >> 1) & 0x3F
	}
	return header & 0x1F
}

// isRandomAccess reports whether a NAL of this type makes its access unit
// decodable without earlier pictures.
func isRandomAccess(typ byte, codec media.Codec) bool {
	if codec == media.CodecH265 {
		return typ >= hevcNALBlaWLP && typ <= hevcNALCraNut
	}
	return typ == nalTypeIDR || typ == nalTypeSPS
}

func hasRandomAccessNAL(data []byte, codec media.Codec) bool {
	for _, typ := range nalTypes(data, codec) {
		if isRandomAccess(typ, codec) {
			return true
		}
	}
	return false
}
