// Command replay records the last BUFFER_SIZE-1 video access units of a
// live MPEG-TS stream and writes them out, restamped, when the input ends
// or the process is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/recorder"
	"github.com/zsiec/replay/internal/ringbuf"
	"github.com/zsiec/replay/internal/sink"
	"github.com/zsiec/replay/internal/source"
)

var version = "dev"

// defaultBufferSize holds 30 seconds at 24 fps.
const defaultBufferSize = 24 * 30

type config struct {
	input       string
	srtAddr     string
	srtPull     string
	srtStreamID string

	bufferSize  int
	spacing     int64
	maxPackets  int
	timebase    media.Timebase
	keepFlagged bool

	output        string
	collectorAddr string
	fingerprint   [32]byte
	clipName      string
}

func loadConfig(getenv func(string) string) (config, error) {
	env := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	cfg := config{
		input:         getenv("INPUT"),
		srtAddr:       getenv("SRT_ADDR"),
		srtPull:       getenv("SRT_PULL"),
		srtStreamID:   getenv("SRT_STREAM_ID"),
		keepFlagged:   getenv("KEEP_FLAGGED") != "",
		output:        env("OUTPUT", "output.ts"),
		collectorAddr: getenv("COLLECTOR_ADDR"),
		clipName:      getenv("CLIP_NAME"),
	}
	if cfg.input == "" && cfg.srtAddr == "" && cfg.srtPull == "" {
		return cfg, errors.New("one of INPUT, SRT_ADDR or SRT_PULL is required")
	}

	var err error
	if cfg.bufferSize, err = strconv.Atoi(env("BUFFER_SIZE", strconv.Itoa(defaultBufferSize))); err != nil {
		return cfg, fmt.Errorf("BUFFER_SIZE: %w", err)
	}
	if cfg.bufferSize <= 1 {
		return cfg, fmt.Errorf("BUFFER_SIZE: %w: got %d", ringbuf.ErrInvalidSize, cfg.bufferSize)
	}
	if cfg.spacing, err = strconv.ParseInt(env("SPACING", strconv.FormatInt(ringbuf.DefaultSpacing, 10)), 10, 64); err != nil {
		return cfg, fmt.Errorf("SPACING: %w", err)
	}
	if cfg.spacing <= 0 {
		return cfg, fmt.Errorf("SPACING: %w: got %d", ringbuf.ErrInvalidSpacing, cfg.spacing)
	}
	if cfg.maxPackets, err = strconv.Atoi(env("MAX_PACKETS", "0")); err != nil {
		return cfg, fmt.Errorf("MAX_PACKETS: %w", err)
	}
	if cfg.timebase, err = media.ParseTimebase(env("TIMEBASE", media.MPEGTSTimebase.String())); err != nil {
		return cfg, fmt.Errorf("TIMEBASE: %w", err)
	}
	if cfg.collectorAddr != "" {
		fp := getenv("COLLECTOR_FINGERPRINT")
		if fp == "" {
			return cfg, errors.New("COLLECTOR_FINGERPRINT is required with COLLECTOR_ADDR")
		}
		if cfg.fingerprint, err = certs.ParseFingerprint(fp); err != nil {
			return cfg, fmt.Errorf("COLLECTOR_FINGERPRINT: %w", err)
		}
	}
	return cfg, nil
}

func (c config) source() source.Source {
	switch {
	case c.srtPull != "":
		return source.SRTCaller{Address: c.srtPull, StreamID: c.srtStreamID}
	case c.srtAddr != "":
		return source.SRTListener{Addr: c.srtAddr}
	case c.input == "-":
		return source.Reader{Key: "stdin", R: os.Stdin}
	default:
		return source.File{Path: c.input}
	}
}

func (c config) openSink(ctx context.Context, key string, codec media.Codec) (recorder.Sink, error) {
	if c.collectorAddr == "" {
		w, err := sink.CreateTSFile(c.output, sink.TSOptions{Codec: codec, Timebase: c.timebase}, nil)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	name := c.clipName
	if name == "" {
		name = key + "-" + time.Now().UTC().Format("20060102T150405Z")
	}
	up, err := sink.DialUploader(ctx, sink.UploaderConfig{
		Addr: c.collectorAddr,
		Header: sink.ClipHeader{
			Name:     name,
			Codec:    codec,
			Timebase: c.timebase,
		},
		TLS: certs.PinnedClientConfig(c.fingerprint),
	}, nil)
	if err != nil {
		return nil, err
	}
	return up, nil
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping capture", "signal", sig)
		cancel()
		sig = <-sigCh
		slog.Warn("received second signal, exiting without draining", "signal", sig)
		os.Exit(1)
	}()

	rec, err := recorder.New(recorder.Config{
		Source:   cfg.source(),
		OpenSink: cfg.openSink,
		Capacity: cfg.bufferSize,
		Spacing:  cfg.spacing,
		Capture: capture.Config{
			Timebase:    cfg.timebase,
			KeepFlagged: cfg.keepFlagged,
			MaxPackets:  cfg.maxPackets,
		},
	}, nil)
	if err != nil {
		slog.Error("failed to create recorder", "error", err)
		os.Exit(1)
	}

	slog.Info("replay starting",
		"version", version,
		"buffer_size", cfg.bufferSize,
		"spacing", cfg.spacing,
		"timebase", cfg.timebase,
	)

	res, err := rec.Run(ctx)
	if err != nil {
		slog.Error("recording failed", "error", err, "written", res.Written, "dropped", res.Dropped)
		os.Exit(1)
	}
	slog.Info("replay written",
		"stream", res.Key,
		"codec", res.Codec,
		"packets", res.Written,
		"evicted", res.Evicted,
		"filtered", res.Filtered,
	)
}
