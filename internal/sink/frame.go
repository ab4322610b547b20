package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/replay/internal/media"
)

// Frame types of the upload stream. Every frame starts with its type as a
// QUIC varint:
//
//	header: [type][name len][name][codec][timebase num][timebase den]
//	packet: [type][stream][flags][pts][dts][duration][len][payload]
//	end:    [type][packet count]
//
// Timestamps are zigzag encoded so negative values survive.
const (
	frameHeader uint64 = 0x01
	framePacket uint64 = 0x02
	frameEnd    uint64 = 0x03
)

// ackByte is written by the collector once an upload is safely on disk.
const ackByte = 0x06

// maxPayload bounds a single packet frame.
const maxPayload = 16 << 20

var (
	// ErrFrameTooLarge is returned for packet frames over the payload limit.
	ErrFrameTooLarge = errors.New("sink: frame payload too large")
	// ErrValueRange is returned for values a QUIC varint cannot carry.
	ErrValueRange = errors.New("sink: value out of varint range")
)

// FrameError records which field of an upload frame failed to decode.
type FrameError struct {
	Field string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("sink: decode %s: %v", e.Field, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ClipHeader opens an upload.
type ClipHeader struct {
	Name     string
	Codec    media.Codec
	Timebase media.Timebase
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func appendVarint(b []byte, v uint64) ([]byte, error) {
	if v > quicvarint.Max {
		return b, fmt.Errorf("%w: %d", ErrValueRange, v)
	}
	return quicvarint.Append(b, v), nil
}

func appendHeaderFrame(b []byte, h ClipHeader) ([]byte, error) {
	if h.Timebase.Num < 0 || h.Timebase.Den < 0 {
		return b, fmt.Errorf("%w: timebase %s", ErrValueRange, h.Timebase)
	}
	b = quicvarint.Append(b, frameHeader)
	b = quicvarint.Append(b, uint64(len(h.Name)))
	b = append(b, h.Name...)
	b = quicvarint.Append(b, uint64(h.Codec))
	var err error
	if b, err = appendVarint(b, uint64(h.Timebase.Num)); err != nil {
		return b, err
	}
	return appendVarint(b, uint64(h.Timebase.Den))
}

func appendPacketFrame(b []byte, p *media.Packet) ([]byte, error) {
	if len(p.Data) > maxPayload {
		return b, ErrFrameTooLarge
	}
	if p.StreamIndex < 0 {
		return b, fmt.Errorf("%w: stream index %d", ErrValueRange, p.StreamIndex)
	}
	b = quicvarint.Append(b, framePacket)
	b = quicvarint.Append(b, uint64(p.StreamIndex))
	b = quicvarint.Append(b, uint64(p.Flags))
	for _, v := range [...]int64{p.PTS, p.DTS, p.Duration} {
		var err error
		if b, err = appendVarint(b, zigzag(v)); err != nil {
			return b, err
		}
	}
	b = quicvarint.Append(b, uint64(len(p.Data)))
	return append(b, p.Data...), nil
}

func appendEndFrame(b []byte, count int64) []byte {
	b = quicvarint.Append(b, frameEnd)
	return quicvarint.Append(b, uint64(count))
}

// frameReader decodes an upload stream.
type frameReader struct {
	r    *bufio.Reader
	pool *media.Pool
}

func newFrameReader(r io.Reader, pool *media.Pool) *frameReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &frameReader{r: br, pool: pool}
}

func (fr *frameReader) varint(field string) (uint64, error) {
	v, err := quicvarint.Read(fr.r)
	if err != nil {
		return 0, &FrameError{Field: field, Err: err}
	}
	return v, nil
}

// next returns the type of the next frame. A clean end of stream between
// frames is io.EOF.
func (fr *frameReader) next() (uint64, error) {
	v, err := quicvarint.Read(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, &FrameError{Field: "frame type", Err: err}
	}
	return v, nil
}

func (fr *frameReader) header() (ClipHeader, error) {
	var h ClipHeader
	n, err := fr.varint("name length")
	if err != nil {
		return h, err
	}
	if n > 1024 {
		return h, &FrameError{Field: "name", Err: ErrFrameTooLarge}
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(fr.r, name); err != nil {
		return h, &FrameError{Field: "name", Err: err}
	}
	h.Name = string(name)

	codec, err := fr.varint("codec")
	if err != nil {
		return h, err
	}
	h.Codec = media.Codec(codec)
	num, err := fr.varint("timebase num")
	if err != nil {
		return h, err
	}
	den, err := fr.varint("timebase den")
	if err != nil {
		return h, err
	}
	h.Timebase = media.Timebase{Num: int64(num), Den: int64(den)}
	return h, nil
}

// packet decodes a packet frame into a packet from the pool. The caller
// owns the result.
func (fr *frameReader) packet() (*media.Packet, error) {
	var fields [6]uint64
	for i, name := range [...]string{"stream", "flags", "pts", "dts", "duration", "payload length"} {
		v, err := fr.varint(name)
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	n := fields[5]
	if n > maxPayload {
		return nil, &FrameError{Field: "payload", Err: ErrFrameTooLarge}
	}

	p := fr.pool.Get(int(n))
	if _, err := io.ReadFull(fr.r, p.Data); err != nil {
		p.Release()
		return nil, &FrameError{Field: "payload", Err: err}
	}
	p.StreamIndex = int(fields[0])
	p.Flags = media.Flags(fields[1])
	p.PTS = unzigzag(fields[2])
	p.DTS = unzigzag(fields[3])
	p.Duration = unzigzag(fields[4])
	return p, nil
}

func (fr *frameReader) end() (int64, error) {
	n, err := fr.varint("packet count")
	return int64(n), err
}
