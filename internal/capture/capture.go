// Package capture turns an MPEG-TS byte stream into media packets. It picks
// the first H.264 or H.265 stream announced by the PMT, flags every access
// unit, rescales its timestamps, and inserts it into a packet store.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mpegts"
)

const tsMask = 1<<33 - 1

// Inserter receives captured packets and takes ownership of them.
// *ringbuf.Ring satisfies it.
type Inserter interface {
	Insert(p *media.Packet)
}

// Config controls which packets are kept and how they are stamped.
type Config struct {
	// Timebase is the output clock. The zero value keeps the 90 kHz
	// transport stream clock.
	Timebase media.Timebase
	// KeepFlagged inserts corrupt and pre-keyframe packets instead of
	// releasing them.
	KeepFlagged bool
	// MaxPackets stops the capture after that many inserts. 0 means run
	// until the input ends.
	MaxPackets int
}

// Stats is a snapshot of the capture counters.
type Stats struct {
	Read     int64       `json:"read"`
	Inserted int64       `json:"inserted"`
	Filtered int64       `json:"filtered"`
	LastPTS  int64       `json:"lastPts"`
	Codec    media.Codec `json:"codec"`
}

// Capture reads one transport stream. It is not safe for concurrent Run
// calls; Stats may be called from any goroutine.
type Capture struct {
	log  *slog.Logger
	cfg  Config
	pool *media.Pool
	dst  Inserter

	videoPID uint16
	selected bool

	pending    *media.Packet
	pendingDTS int64 // 90 kHz
	lastDelta  int64 // 90 kHz
	keyframe   bool

	codec    atomic.Uint32
	read     atomic.Int64
	inserted atomic.Int64
	filtered atomic.Int64
	lastPTS  atomic.Int64
}

// New creates a capture inserting into dst. Packets are allocated from pool.
func New(dst Inserter, pool *media.Pool, cfg Config, log *slog.Logger) *Capture {
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Timebase.Valid() {
		cfg.Timebase = media.MPEGTSTimebase
	}
	c := &Capture{
		log:  log.With("component", "capture"),
		cfg:  cfg,
		pool: pool,
		dst:  dst,
	}
	c.lastPTS.Store(media.NoTimestamp)
	return c
}

// Stats returns the current counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Read:     c.read.Load(),
		Inserted: c.inserted.Load(),
		Filtered: c.filtered.Load(),
		LastPTS:  c.lastPTS.Load(),
		Codec:    media.Codec(c.codec.Load()),
	}
}

// Run demuxes r until it ends, MaxPackets inserts have happened, or ctx is
// done. Reaching any of these is a normal stop and returns nil; read errors
// that are not caused by cancellation are returned.
func (c *Capture) Run(ctx context.Context, r io.Reader) error {
	d := mpegts.NewDemuxer(ctx, r)
	defer func() {
		if c.pending != nil {
			c.finish(c.lastDelta)
		}
		st := c.Stats()
		c.log.Info("capture finished",
			"read", st.Read,
			"inserted", st.Inserted,
			"filtered", st.Filtered,
			"skipped", d.Skipped())
	}()

	for {
		u, err := d.NextUnit()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch {
		case u.PMT != nil:
			c.selectStream(u.PMT)
		case u.PES != nil && c.selected && u.PID == c.videoPID:
			if c.addPES(u.PES) {
				return nil
			}
		}
	}
}

func (c *Capture) selectStream(pmt *mpegts.PMT) {
	if c.selected {
		return
	}
	for _, es := range pmt.Streams {
		var codec media.Codec
		switch es.StreamType {
		case mpegts.StreamTypeH264:
			codec = media.CodecH264
		case mpegts.StreamTypeH265:
			codec = media.CodecH265
		default:
			continue
		}
		c.videoPID = es.PID
		c.selected = true
		c.codec.Store(uint32(codec))
		c.log.Info("video stream selected", "pid", es.PID, "codec", codec)
		return
	}
}

// addPES turns one video PES into a packet. The previous packet is held
// until this one arrives so its duration can be taken from the DTS delta.
// It reports whether MaxPackets has been reached.
func (c *Capture) addPES(pes *mpegts.PES) bool {
	c.read.Add(1)
	codec := media.Codec(c.codec.Load())

	pts, dts := media.NoTimestamp, media.NoTimestamp
	if pes.HasPTS {
		pts, dts = pes.PTS, pes.PTS
	}
	if pes.HasDTS {
		dts = pes.DTS
	}

	if c.pending != nil {
		delta := c.lastDelta
		if dts != media.NoTimestamp && c.pendingDTS != media.NoTimestamp {
			// Forward distance on the 33-bit clock; anything past half the
			// range is a backwards jump and keeps the previous delta.
			if d := (dts - c.pendingDTS) & tsMask; d > 0 && d < 1<<32 {
				delta = d
			}
		}
		c.lastDelta = delta
		c.finish(delta)
		if c.limitReached() {
			return true
		}
	}

	p := c.pool.Copy(pes.Data)
	p.Codec = codec
	p.PTS = media.Rescale(pts, media.MPEGTSTimebase, c.cfg.Timebase)
	p.DTS = media.Rescale(dts, media.MPEGTSTimebase, c.cfg.Timebase)

	if pes.Corrupt {
		p.Flags |= media.FlagCorrupt
	}
	if pes.RandomAccess || hasRandomAccessNAL(pes.Data, codec) {
		p.Flags |= media.FlagKeyframe
		if !pes.Corrupt {
			c.keyframe = true
		}
	}
	if !c.keyframe {
		p.Flags |= media.FlagDiscard
	}

	if !c.cfg.KeepFlagged && p.Flags&(media.FlagCorrupt|media.FlagDiscard) != 0 {
		c.filtered.Add(1)
		c.log.Debug("dropping packet", "pts", pes.PTS, "flags", p.Flags)
		p.Release()
		return false
	}

	c.pending = p
	c.pendingDTS = dts
	return false
}

// finish stamps the held packet's duration and hands it to the store.
func (c *Capture) finish(delta int64) {
	p := c.pending
	c.pending = nil
	p.Duration = media.Rescale(delta, media.MPEGTSTimebase, c.cfg.Timebase)
	c.lastPTS.Store(p.PTS)
	c.dst.Insert(p)
	c.inserted.Add(1)
}

func (c *Capture) limitReached() bool {
	return c.cfg.MaxPackets > 0 && c.inserted.Load() >= int64(c.cfg.MaxPackets)
}
