// Package sink holds the destinations a drained recording is written to:
// a local MPEG-TS file, or a QUIC upload to a collector that writes the
// file remotely. Every sink takes ownership of the packets handed to
// WritePacket and releases them whether the write succeeds or not.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mpegts"
)

// ErrClosed is returned by writes to a closed sink.
var ErrClosed = errors.New("sink: closed")

// TSOptions describes the stream a TS sink writes.
type TSOptions struct {
	Codec media.Codec
	// Timebase of the incoming packet timestamps. Zero means 90 kHz.
	Timebase media.Timebase
}

// TSWriter muxes packets as a single-program transport stream.
type TSWriter struct {
	log *slog.Logger
	tb  media.Timebase
	bw  *bufio.Writer
	c   io.Closer
	mux *mpegts.Muxer

	written int64
	closed  bool
}

// NewTSWriter writes a transport stream to w. If w is an io.Closer it is
// closed by Close.
func NewTSWriter(w io.Writer, opts TSOptions, log *slog.Logger) (*TSWriter, error) {
	if log == nil {
		log = slog.Default()
	}
	if !opts.Timebase.Valid() {
		opts.Timebase = media.MPEGTSTimebase
	}
	streamType := mpegts.StreamTypeH264
	if opts.Codec == media.CodecH265 {
		streamType = mpegts.StreamTypeH265
	}

	bw := bufio.NewWriterSize(w, 64*mpegts.PacketSize)
	t := &TSWriter{
		log: log.With("component", "ts-sink"),
		tb:  opts.Timebase,
		bw:  bw,
		mux: mpegts.NewMuxer(bw, mpegts.MuxerConfig{StreamType: streamType}),
	}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	if err := t.mux.WriteTables(); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTSFile creates (or truncates) path and writes a transport stream
// to it.
func CreateTSFile(path string, opts TSOptions, log *slog.Logger) (*TSWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	t, err := NewTSWriter(f, opts, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.log = t.log.With("path", path)
	return t, nil
}

// WritePacket muxes p as one PES and releases it.
func (t *TSWriter) WritePacket(p *media.Packet) error {
	defer p.Release()
	if t.closed {
		return ErrClosed
	}
	pts := media.Rescale(p.PTS, t.tb, media.MPEGTSTimebase)
	dts := media.Rescale(p.DTS, t.tb, media.MPEGTSTimebase)
	if dts == media.NoTimestamp {
		dts = pts
	}
	if err := t.mux.WritePES(pts, dts, p.Data, p.IsKeyframe()); err != nil {
		return fmt.Errorf("sink: packet %d: %w", t.written, err)
	}
	t.written++
	return nil
}

// Written returns the number of packets muxed.
func (t *TSWriter) Written() int64 {
	return t.written
}

// Close flushes buffered packets and closes the underlying writer.
func (t *TSWriter) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.bw.Flush()
	if t.c != nil {
		err = errors.Join(err, t.c.Close())
	}
	if err != nil {
		return fmt.Errorf("sink: close: %w", err)
	}
	t.log.Info("ts file closed", "packets", t.written)
	return nil
}
