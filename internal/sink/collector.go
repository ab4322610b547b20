package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/replay/internal/media"
)

// streamTimeout bounds how long an accepted connection may take to open
// its upload stream.
const streamTimeout = 10 * time.Second

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CollectorConfig configures a collector.
type CollectorConfig struct {
	Addr string
	Dir  string
	TLS  *tls.Config
}

// ClipResult describes one finished upload.
type ClipResult struct {
	Name    string
	Path    string
	Packets int64
	Err     error
}

// Collector receives uploads over QUIC and writes each one to
// <Dir>/<name>.ts.
type Collector struct {
	log  *slog.Logger
	cfg  CollectorConfig
	pool *media.Pool

	ln *quic.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	results []ClipResult
}

// NewCollector creates a collector. Call Listen, then Serve.
func NewCollector(cfg CollectorConfig, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	return &Collector{
		log:  log.With("component", "collector"),
		cfg:  cfg,
		pool: media.NewPool(),
	}
}

// Listen binds the QUIC listener.
func (c *Collector) Listen() error {
	if c.cfg.TLS == nil {
		return errors.New("sink: collector requires a TLS config")
	}
	ln, err := quic.ListenAddr(c.cfg.Addr, c.cfg.TLS, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("sink: listen on %s: %w", c.cfg.Addr, err)
	}
	c.ln = ln
	c.log.Info("listening", "addr", ln.Addr(), "dir", c.cfg.Dir)
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (c *Collector) Addr() net.Addr {
	return c.ln.Addr()
}

// Serve accepts uploads until ctx is cancelled, then waits for uploads in
// progress to finish.
func (c *Collector) Serve(ctx context.Context) error {
	if c.ln == nil {
		return errors.New("sink: Serve called before Listen")
	}
	defer c.wg.Wait()
	defer c.ln.Close()

	for {
		conn, err := c.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sink: accept: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(ctx, conn)
		}()
	}
}

// Results returns every finished upload so far.
func (c *Collector) Results() []ClipResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClipResult(nil), c.results...)
}

func (c *Collector) handle(ctx context.Context, conn quic.Connection) {
	log := c.log.With("remote", conn.RemoteAddr())

	streamCtx, cancel := context.WithTimeout(ctx, streamTimeout)
	stream, err := conn.AcceptStream(streamCtx)
	cancel()
	if err != nil {
		log.Warn("no upload stream", "error", err)
		conn.CloseWithError(1, "no stream")
		return
	}

	stop := context.AfterFunc(ctx, func() { stream.CancelRead(1) })
	res := c.receive(stream, log)
	stop()
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()

	if res.Err != nil {
		log.Warn("upload failed", "clip", res.Name, "packets", res.Packets, "error", res.Err)
		stream.CancelRead(1)
		stream.CancelWrite(1)
		conn.CloseWithError(1, "upload failed")
		return
	}

	if _, err := stream.Write([]byte{ackByte}); err != nil {
		log.Warn("ack failed", "clip", res.Name, "error", err)
	}
	stream.Close()
	// The uploader closes the connection after reading the ack; closing it
	// from this side first could drop the ack.
	select {
	case <-conn.Context().Done():
	case <-ctx.Done():
		conn.CloseWithError(0, "shutdown")
	}
	log.Info("clip stored", "clip", res.Name, "path", res.Path, "packets", res.Packets)
}

// receive decodes one upload into a TS file.
func (c *Collector) receive(r io.Reader, log *slog.Logger) (res ClipResult) {
	fr := newFrameReader(r, c.pool)

	typ, err := fr.next()
	if err != nil {
		res.Err = err
		return res
	}
	if typ != frameHeader {
		res.Err = fmt.Errorf("sink: first frame type %d, want header", typ)
		return res
	}
	hdr, err := fr.header()
	if err != nil {
		res.Err = err
		return res
	}
	res.Name = clipName(hdr.Name)
	res.Path = filepath.Join(c.cfg.Dir, res.Name+".ts")

	tmp := res.Path + ".part"
	w, err := CreateTSFile(tmp, TSOptions{Codec: hdr.Codec, Timebase: hdr.Timebase}, log)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if res.Err != nil {
			w.Close()
			os.Remove(tmp)
		}
	}()

	for {
		typ, err := fr.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			res.Err = fmt.Errorf("sink: upload %s: %w", res.Name, err)
			return res
		}

		switch typ {
		case framePacket:
			p, err := fr.packet()
			if err != nil {
				res.Err = err
				return res
			}
			if err := w.WritePacket(p); err != nil {
				res.Err = err
				return res
			}
			res.Packets++
		case frameEnd:
			count, err := fr.end()
			if err != nil {
				res.Err = err
				return res
			}
			if count != res.Packets {
				res.Err = fmt.Errorf("sink: upload %s: sender wrote %d packets, received %d", res.Name, count, res.Packets)
				return res
			}
			if err := w.Close(); err != nil {
				res.Err = err
				return res
			}
			if err := os.Rename(tmp, res.Path); err != nil {
				res.Err = fmt.Errorf("sink: store %s: %w", res.Path, err)
			}
			return res
		default:
			res.Err = fmt.Errorf("sink: upload %s: unknown frame type %d", res.Name, typ)
			return res
		}
	}
}

// clipName turns an uploaded name into a safe file name.
func clipName(name string) string {
	name = unsafeName.ReplaceAllString(filepath.Base(name), "_")
	if name == "" || name == "." || name == ".." {
		return "clip"
	}
	return name
}
