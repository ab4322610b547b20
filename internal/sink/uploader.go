package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/replay/internal/media"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultAckTimeout  = 30 * time.Second
)

// ErrNoAck is returned by Close when the collector closes the stream
// without confirming the upload.
var ErrNoAck = errors.New("sink: collector did not acknowledge upload")

// UploaderConfig configures a QUIC upload to a collector.
type UploaderConfig struct {
	Addr   string
	Header ClipHeader
	TLS    *tls.Config

	// DialTimeout bounds the QUIC handshake. Defaults to 10s.
	DialTimeout time.Duration
	// AckTimeout bounds the wait for the collector's acknowledgement in
	// Close. Defaults to 30s.
	AckTimeout time.Duration
}

// QUICUploader streams packets to a collector over one QUIC stream.
type QUICUploader struct {
	log    *slog.Logger
	conn   quic.Connection
	stream quic.Stream
	bw     *bufio.Writer
	buf    []byte

	ackTimeout time.Duration
	sent       int64
	closed     bool
}

// DialUploader connects to the collector and sends the clip header.
func DialUploader(ctx context.Context, cfg UploaderConfig, log *slog.Logger) (*QUICUploader, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TLS == nil {
		return nil, errors.New("sink: uploader requires a TLS config")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, cfg.Addr, cfg.TLS, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: dial collector %s: %w", cfg.Addr, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("sink: open upload stream: %w", err)
	}

	u := &QUICUploader{
		log:        log.With("component", "quic-uploader", "clip", cfg.Header.Name),
		conn:       conn,
		stream:     stream,
		bw:         bufio.NewWriterSize(stream, 64<<10),
		ackTimeout: ackTimeout,
	}
	if u.buf, err = appendHeaderFrame(u.buf[:0], cfg.Header); err == nil {
		_, err = u.bw.Write(u.buf)
	}
	if err != nil {
		conn.CloseWithError(0, "header failed")
		return nil, fmt.Errorf("sink: send clip header: %w", err)
	}
	u.log.Info("connected to collector", "addr", cfg.Addr)
	return u, nil
}

// WritePacket sends p as one packet frame and releases it.
func (u *QUICUploader) WritePacket(p *media.Packet) error {
	defer p.Release()
	if u.closed {
		return ErrClosed
	}
	var err error
	if u.buf, err = appendPacketFrame(u.buf[:0], p); err != nil {
		return fmt.Errorf("sink: encode packet %d: %w", u.sent, err)
	}
	if _, err := u.bw.Write(u.buf); err != nil {
		return fmt.Errorf("sink: send packet %d: %w", u.sent, err)
	}
	u.sent++
	return nil
}

// Sent returns the number of packet frames written.
func (u *QUICUploader) Sent() int64 {
	return u.sent
}

// Close sends the end frame and waits until the collector confirms it has
// written the clip.
func (u *QUICUploader) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true

	err := u.finish()
	if err != nil {
		u.conn.CloseWithError(1, "upload failed")
		return err
	}
	u.conn.CloseWithError(0, "")
	u.log.Info("upload acknowledged", "packets", u.sent)
	return nil
}

func (u *QUICUploader) finish() error {
	if _, err := u.bw.Write(appendEndFrame(nil, u.sent)); err != nil {
		return fmt.Errorf("sink: send end frame: %w", err)
	}
	if err := u.bw.Flush(); err != nil {
		return fmt.Errorf("sink: flush upload: %w", err)
	}
	// Close only the send direction; the ack still has to come back.
	if err := u.stream.Close(); err != nil {
		return fmt.Errorf("sink: close upload stream: %w", err)
	}

	if err := u.stream.SetReadDeadline(time.Now().Add(u.ackTimeout)); err != nil {
		return fmt.Errorf("sink: set ack deadline: %w", err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(u.stream, ack[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrNoAck
		}
		return fmt.Errorf("sink: wait for ack: %w", err)
	}
	if ack[0] != ackByte {
		return ErrNoAck
	}
	return nil
}
