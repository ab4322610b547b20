package mpegts

import (
	"context"
	"errors"
	"io"
)

// Demuxer reads transport packets from a reader and returns PAT, PMT and
// PES units in stream order.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	buf     []byte
	asm     *assembler
	pending []*Unit
	eof     bool

	skipped int64
}

// DemuxerOption configures a Demuxer.
type DemuxerOption func(*Demuxer)

// WithPacketSize sets the on-wire packet size for streams with trailing
// timecode or FEC bytes (192 or 204). Only the first 188 bytes are parsed.
func WithPacketSize(size int) DemuxerOption {
	return func(d *Demuxer) {
		if size >= PacketSize {
			d.buf = make([]byte, size)
		}
	}
}

// NewDemuxer creates a demuxer reading from r. Reads stop when ctx is done.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...DemuxerOption) *Demuxer {
	d := &Demuxer{
		ctx: ctx,
		r:   r,
		buf: make([]byte, PacketSize),
		asm: newAssembler(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Skipped returns the number of packets and sections dropped as unparsable.
func (d *Demuxer) Skipped() int64 {
	return d.skipped
}

// NextUnit returns the next unit. It returns io.EOF once the reader is
// exhausted and every buffered unit has been handed out, and ctx.Err()
// when the context ends first.
func (d *Demuxer) NextUnit() (*Unit, error) {
	for {
		if len(d.pending) > 0 {
			u := d.pending[0]
			d.pending = d.pending[1:]
			return u, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(d.r, d.buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, f := range d.asm.drain() {
					d.pending = append(d.pending, d.decode(f)...)
				}
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.buf[:PacketSize])
		if err != nil {
			d.skipped++
			continue
		}
		if f := d.asm.add(pkt); f != nil {
			d.pending = append(d.pending, d.decode(f)...)
		}
	}
}

func (d *Demuxer) decode(f *flushed) []*Unit {
	payload := joinPayloads(f.packets)
	if len(payload) == 0 {
		return nil
	}

	if d.asm.isPSI(f.pid) {
		units, err := parsePSI(payload, f.pid)
		if err != nil {
			d.skipped++
		}
		for _, u := range units {
			if u.PAT != nil {
				for _, p := range u.PAT.Programs {
					d.asm.addPMTPID(p.PMTPID)
				}
			}
		}
		return units
	}

	if !hasPESStartCode(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		d.skipped++
		return nil
	}
	pes.Corrupt = f.corrupt
	pes.RandomAccess = f.packets[0].Header.RandomAccess
	return []*Unit{{PID: f.pid, PES: pes}}
}
