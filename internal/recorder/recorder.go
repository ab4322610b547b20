// Package recorder runs one replay recording: it captures a live stream
// into a bounded ring until the input ends, the packet limit is reached, or
// the context is cancelled, and then drains the ring into a sink.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/ringbuf"
	"github.com/zsiec/replay/internal/source"
)

const defaultProgressInterval = 5 * time.Second

// Sink receives the drained recording. Close is called once after the
// drain, whether or not it succeeded.
type Sink interface {
	ringbuf.PacketWriter
	Close() error
}

// SinkFactory opens the sink once capture has finished and the stream's
// codec is known. key is the source stream key.
type SinkFactory func(ctx context.Context, key string, codec media.Codec) (Sink, error)

// Config describes one recording.
type Config struct {
	Source   source.Source
	OpenSink SinkFactory

	// Capacity is the ring size; Capacity-1 packets are kept.
	Capacity int
	// Spacing is the timestamp step of the drained output. 0 means
	// ringbuf.DefaultSpacing.
	Spacing int64
	Capture capture.Config

	// Pool allocates packet payloads. Defaults to a fresh pool.
	Pool *media.Pool
	// ProgressInterval is how often capture counters are logged at debug
	// level. Defaults to 5s.
	ProgressInterval time.Duration
}

// Result summarizes a recording.
type Result struct {
	Key      string      `json:"key"`
	Codec    media.Codec `json:"codec"`
	Captured int64       `json:"captured"`
	Filtered int64       `json:"filtered"`
	Evicted  int64       `json:"evicted"`
	Written  int         `json:"written"`
	// Dropped counts packets still in the ring when a failed drain gave
	// up; they were released without being written.
	Dropped int `json:"dropped"`
}

// Recorder runs a Config.
type Recorder struct {
	base *slog.Logger
	log  *slog.Logger
	cfg  Config
}

// New validates cfg and creates a recorder. If log is nil, slog.Default()
// is used.
func New(cfg Config, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Source == nil {
		return nil, errors.New("recorder: no source")
	}
	if cfg.OpenSink == nil {
		return nil, errors.New("recorder: no sink")
	}
	if cfg.Capacity <= 1 {
		return nil, fmt.Errorf("recorder: %w: got %d", ringbuf.ErrInvalidSize, cfg.Capacity)
	}
	if cfg.Spacing == 0 {
		cfg.Spacing = ringbuf.DefaultSpacing
	}
	if cfg.Pool == nil {
		cfg.Pool = media.NewPool()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &Recorder{base: log, log: log.With("component", "recorder"), cfg: cfg}, nil
}

// Run records until capture stops, then drains into a sink from
// cfg.OpenSink. Cancelling ctx or a read error ends the capture phase
// only; the drain still runs so that whatever was captured is kept. A read
// error is returned joined with any drain or sink error, and res is filled
// in either way.
func (r *Recorder) Run(ctx context.Context) (res Result, err error) {
	ring, err := ringbuf.New(r.cfg.Capacity,
		ringbuf.WithSpacing(r.cfg.Spacing),
		ringbuf.WithLogger(r.base))
	if err != nil {
		return res, fmt.Errorf("recorder: %w", err)
	}
	defer func() {
		if n := ring.Close(); n > 0 {
			res.Dropped = n
		}
	}()

	stream, err := r.cfg.Source.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("recorder: open source: %w", err)
	}
	res.Key = stream.Key
	log := r.log.With("stream", stream.Key)
	log.Info("recording", "remote", stream.RemoteAddr, "capacity", r.cfg.Capacity)

	cp := capture.New(ring, r.cfg.Pool, r.cfg.Capture, r.base.With("stream", stream.Key))
	captureErr := r.capture(ctx, cp, stream, log)
	if captureErr != nil {
		log.Warn("capture stopped on error, draining retained packets",
			"retained", ring.Len(), "error", captureErr)
	}

	cst := cp.Stats()
	res.Codec = cst.Codec
	res.Captured = cst.Inserted
	res.Filtered = cst.Filtered
	res.Evicted = ring.Stats().Evicted

	// A cancelled or failed capture still gets drained.
	drainCtx := context.WithoutCancel(ctx)
	sink, err := r.cfg.OpenSink(drainCtx, stream.Key, cst.Codec)
	if err != nil {
		return res, fmt.Errorf("recorder: %w",
			errors.Join(captureErr, fmt.Errorf("open sink: %w", err)))
	}

	written, drainErr := ring.Drain(sink)
	res.Written = written
	closeErr := sink.Close()
	res.Dropped = ring.Close()

	log.Info("recording finished",
		"captured", res.Captured,
		"filtered", res.Filtered,
		"evicted", res.Evicted,
		"written", res.Written,
		"dropped", res.Dropped)

	if closeErr != nil {
		closeErr = fmt.Errorf("close sink: %w", closeErr)
	}
	if err := errors.Join(captureErr, drainErr, closeErr); err != nil {
		return res, fmt.Errorf("recorder: %w", err)
	}
	return res, nil
}

// capture runs the capture alongside a progress logger and closes stream
// when it returns.
func (r *Recorder) capture(ctx context.Context, cp *capture.Capture, stream *source.Stream, log *slog.Logger) error {
	defer stream.Close()

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return cp.Run(gctx, stream)
	})
	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				st := cp.Stats()
				ss := stream.Stats()
				log.Debug("capturing",
					"read", st.Read,
					"inserted", st.Inserted,
					"filtered", st.Filtered,
					"last_pts", st.LastPTS,
					"bytes", ss.BytesReceived)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}
