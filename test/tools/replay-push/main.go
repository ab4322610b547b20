// Command replay-push publishes an MPEG-TS stream to an SRT listener at
// real-time pace. With no -file it synthesizes an H.264 stream of
// placeholder access units, which is enough to exercise the recorder's
// capture and eviction paths end to end.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/replay/internal/mpegts"
)

// chunkPackets is the number of TS packets per SRT write (1316 bytes).
const chunkPackets = 7

const defaultDuration = 10 * time.Second

func main() {
	fileFlag := flag.String("file", "", "TS file to push (default: synthesize)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	keyFlag := flag.String("key", "live/replay", "SRT stream id")
	framesFlag := flag.Int("frames", 300, "Synthesized frame count")
	fpsFlag := flag.Int("fps", 30, "Synthesized frame rate")
	gopFlag := flag.Int("gop", 30, "Synthesized keyframe interval")
	durationFlag := flag.Duration("duration", 0, "Playout duration override")
	loopFlag := flag.Bool("loop", false, "Repeat the stream until interrupted")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var data []byte
	if *fileFlag != "" {
		b, err := os.ReadFile(*fileFlag)
		if err != nil {
			log.Error("read input", "error", err)
			os.Exit(1)
		}
		data = b
	} else {
		var buf bytes.Buffer
		if err := synthesize(&buf, *framesFlag, *fpsFlag, *gopFlag); err != nil {
			log.Error("synthesize", "error", err)
			os.Exit(1)
		}
		data = buf.Bytes()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dur := selectDuration(*durationFlag, measureDuration(ctx, data))
	log.Info("pushing", "addr", *addrFlag, "stream_id", *keyFlag,
		"bytes", len(data), "duration", dur, "loop", *loopFlag)

	if err := push(ctx, *addrFlag, *keyFlag, data, dur, *loopFlag, log); err != nil {
		log.Error("push failed", "error", err)
		os.Exit(1)
	}
}

// synthesize writes frames H.264 access units at fps with a keyframe every
// gop frames. Timestamps start at one second to keep them clear of zero.
func synthesize(w io.Writer, frames, fps, gop int) error {
	if frames <= 0 || fps <= 0 {
		return errors.New("frames and fps must be positive")
	}
	if gop <= 0 {
		gop = fps
	}
	m := mpegts.NewMuxer(w, mpegts.MuxerConfig{StreamType: mpegts.StreamTypeH264})
	if err := m.WriteTables(); err != nil {
		return err
	}
	step := int64(90000 / fps)
	for i := range frames {
		key := i%gop == 0
		ts := 90000 + int64(i)*step
		if err := m.WritePES(ts, ts, accessUnit(i, key), key); err != nil {
			return err
		}
	}
	return nil
}

// accessUnit returns an Annex B access unit: SPS, PPS and IDR slice for a
// keyframe, a single non-IDR slice otherwise. The frame index is embedded
// so every unit has distinct content.
func accessUnit(i int, key bool) []byte {
	var b []byte
	if key {
		b = append(b, 0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f)
		b = append(b, 0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80)
		b = append(b, 0, 0, 0, 1, 0x65)
	} else {
		b = append(b, 0, 0, 0, 1, 0x41)
	}
	b = append(b, byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
	return append(b, bytes.Repeat([]byte{0xab}, 512)...)
}

// measureDuration returns the DTS span of the video in data plus one frame
// interval, or zero when it cannot be determined.
func measureDuration(ctx context.Context, data []byte) time.Duration {
	d := mpegts.NewDemuxer(ctx, bytes.NewReader(data))
	first, last, prev := int64(-1), int64(-1), int64(-1)
	var frame int64
	for {
		u, err := d.NextUnit()
		if err != nil {
			break
		}
		if u.PES == nil || !u.PES.HasPTS {
			continue
		}
		ts := u.PES.PTS
		if u.PES.HasDTS {
			ts = u.PES.DTS
		}
		if first < 0 {
			first = ts
		}
		if prev >= 0 && ts > prev {
			frame = ts - prev
		}
		prev, last = ts, ts
	}
	if first < 0 || last <= first {
		return 0
	}
	return time.Duration(last-first+frame) * time.Second / 90000
}

// selectDuration prefers a positive override, then the measured span,
// then defaultDuration.
func selectDuration(override, measured time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if measured > 0 {
		return measured
	}
	return defaultDuration
}

func push(ctx context.Context, addr, streamID string, data []byte, dur time.Duration, loop bool, log *slog.Logger) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT dial %s: %w", addr, err)
	}
	defer conn.Close()

	bytesPerSec := float64(len(data)) / dur.Seconds()
	chunk := chunkPackets * mpegts.PacketSize
	start := time.Now()
	var sent int64

	for pass := 0; ; pass++ {
		for i := 0; i < len(data); i += chunk {
			if ctx.Err() != nil {
				return nil
			}
			end := min(i+chunk, len(data))
			if _, err := conn.Write(data[i:end]); err != nil {
				return fmt.Errorf("SRT write: %w", err)
			}
			sent += int64(end - i)

			target := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
			if wait := target - time.Since(start); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		}
		log.Info("pass complete", "pass", pass, "sent_bytes", sent)
		if !loop {
			return nil
		}
	}
}
