package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
// The demuxer reads one packet at a time, so SRT reads always go through a
// buffer at least this large.
const srtReadBufferSize = 1316 * 10

// defaultLatency is the SRT receiver latency when none is configured.
const defaultLatency = 120 * time.Millisecond

const defaultDialTimeout = 10 * time.Second

// srtConfig returns the srtgo defaults with latency applied. A non-positive
// latency selects defaultLatency.
func srtConfig(latency time.Duration) srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = defaultLatency
	if latency > 0 {
		cfg.Latency = latency
	}
	return cfg
}

// SRTListener waits for one SRT publisher and records its stream.
type SRTListener struct {
	Addr string
	// Latency overrides the SRT receiver latency.
	Latency time.Duration
	Log     *slog.Logger
}

// Open listens on Addr and returns the first connection carrying a stream
// id. The listener stays open until the stream is closed.
func (s SRTListener) Open(ctx context.Context) (*Stream, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-listener")

	cfg := srtConfig(s.Latency)

	l, err := srtgo.Listen(s.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT listen on %s: %w", s.Addr, err)
	}
	log.Info("listening", "addr", s.Addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("accept error", "error", err)
			continue
		}
		if !stop() {
			// ctx ended while Accept was returning; the listener is gone.
			conn.Close()
			return nil, ctx.Err()
		}

		key := extractStreamKey(conn.StreamID())
		log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		return newStream(ctx, key, conn.RemoteAddr().String(),
			bufio.NewReaderSize(conn, srtReadBufferSize),
			closerFunc(func() { conn.Close() }),
			closerFunc(func() { l.Close() })), nil
	}
}

// SRTCaller pulls a stream from a remote SRT listener.
type SRTCaller struct {
	Address string
	// StreamID is sent in the handshake. Defaults to "live/replay".
	StreamID string
	Latency  time.Duration
	// Timeout bounds the handshake. Defaults to 10s.
	Timeout time.Duration
	Log     *slog.Logger
}

// Open dials the remote listener, giving up after Timeout.
func (c SRTCaller) Open(ctx context.Context) (*Stream, error) {
	if c.Address == "" {
		return nil, errors.New("source: SRT address is required")
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller")

	cfg := srtConfig(c.Latency)
	streamID := c.StreamID
	if streamID == "" {
		streamID = "live/replay"
	}
	cfg.StreamID = streamID

	dialTimeout := c.Timeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	log.Info("dialing", "address", c.Address, "stream_id", streamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(c.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		log.Info("connected", "address", c.Address)
		return newStream(ctx, extractStreamKey(streamID), c.Address,
			bufio.NewReaderSize(res.conn, srtReadBufferSize),
			closerFunc(func() { res.conn.Close() })), nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

// closerFunc adapts the srtgo Close methods to io.Closer.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial finished after we gave up on it.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
