package mpegts

import "errors"

var errCRCMismatch = errors.New("mpegts: CRC32 mismatch")

// crcTable is the MPEG-2 CRC32 table, polynomial 0x04C11DB7, no reflection.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// checkCRC verifies a section whose last four bytes are its CRC32: running
// the CRC over the whole section including the checksum yields zero.
func checkCRC(section []byte) error {
	if len(section) < 4 || crc32MPEG(section) != 0 {
		return errCRCMismatch
	}
	return nil
}

func appendCRC(section []byte) []byte {
	c := crc32MPEG(section)
	return append(section, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
}
