package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// sectionEnd returns the end offset of the section starting at off, or -1
// when b does not contain a well-formed section header there (stuffing,
// zero padding, or truncation).
func sectionEnd(b []byte, off int) int {
	if off+3 > len(b) || b[off] == 0xFF || b[off+1]&0x80 == 0 {
		return -1
	}
	return off + 3 + (int(b[off+1]&0x0F)<<8 | int(b[off+2]))
}

// psiComplete reports whether payload already holds every section that
// starts in it.
func psiComplete(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		end := sectionEnd(payload, off)
		if end < 0 {
			return off+3 <= len(payload) || payload[off] == 0xFF
		}
		if end > len(payload) {
			return false
		}
		off = end
	}
	return true
}

func parsePSI(payload []byte, pid uint16) ([]*Unit, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var units []*Unit
	for off < len(payload) {
		end := sectionEnd(payload, off)
		if end < 0 || end > len(payload) {
			break
		}
		section := payload[off:end]
		off = end

		switch section[0] {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return units, err
			}
			units = append(units, &Unit{PID: pid, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return units, err
			}
			units = append(units, &Unit{PID: pid, PMT: pmt})
		}
	}
	return units, nil
}

// parsePAT decodes a PAT section: 8 header bytes, 4-byte program entries,
// CRC32. Program number 0 points at the NIT and is skipped.
func parsePAT(s []byte) (*PAT, error) {
	if len(s) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if err := checkCRC(s); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}

	pat := &PAT{TransportStreamID: uint16(s[3])<<8 | uint16(s[4])}
	for i := 8; i+4 <= len(s)-4; i += 4 {
		num := uint16(s[i])<<8 | uint16(s[i+1])
		if num == 0 {
			continue
		}
		pat.Programs = append(pat.Programs, Program{
			Number: num,
			PMTPID: uint16(s[i+2]&0x1F)<<8 | uint16(s[i+3]),
		})
	}
	return pat, nil
}

// parsePMT decodes a PMT section: 12 header bytes, program descriptors,
// 5-byte stream entries each followed by ES descriptors, CRC32.
func parsePMT(s []byte) (*PMT, error) {
	if len(s) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if err := checkCRC(s); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}

	pmt := &PMT{
		ProgramNumber: uint16(s[3])<<8 | uint16(s[4]),
		PCRPID:        uint16(s[8]&0x1F)<<8 | uint16(s[9]),
	}
	off := 12 + (int(s[10]&0x0F)<<8 | int(s[11]))
	for off+5 <= len(s)-4 {
		pmt.Streams = append(pmt.Streams, ElementaryStream{
			StreamType: s[off],
			PID:        uint16(s[off+1]&0x1F)<<8 | uint16(s[off+2]),
		})
		off += 5 + (int(s[off+3]&0x0F)<<8 | int(s[off+4]))
	}
	return pmt, nil
}

// buildSection wraps a table body into a long-form section with version 0
// and a trailing CRC32.
func buildSection(tableID uint8, idExt uint16, body []byte) []byte {
	n := 5 + len(body) + 4 // id_ext..last_section_number, body, CRC
	s := make([]byte, 0, 3+n)
	s = append(s,
		tableID,
		0xB0|byte(n>>8)&0x0F, byte(n),
		byte(idExt>>8), byte(idExt),
		0xC1, // reserved, version 0, current_next 1
		0x00, // section_number
		0x00, // last_section_number
	)
	s = append(s, body...)
	return appendCRC(s)
}

func buildPAT(tsID uint16, programs []Program) []byte {
	body := make([]byte, 0, 4*len(programs))
	for _, p := range programs {
		body = append(body, byte(p.Number>>8), byte(p.Number), 0xE0|byte(p.PMTPID>>8), byte(p.PMTPID))
	}
	return buildSection(tableIDPAT, tsID, body)
}

func buildPMT(pmt PMT) []byte {
	body := []byte{0xE0 | byte(pmt.PCRPID>>8), byte(pmt.PCRPID), 0xF0, 0x00}
	for _, es := range pmt.Streams {
		body = append(body, es.StreamType, 0xE0|byte(es.PID>>8), byte(es.PID), 0xF0, 0x00)
	}
	return buildSection(tableIDPMT, pmt.ProgramNumber, body)
}
