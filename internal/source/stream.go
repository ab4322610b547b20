// Package source opens the MPEG-TS byte stream a recording reads from. A
// stream comes from a local file, an arbitrary reader such as stdin, an SRT
// publisher connecting to us, or a remote SRT listener we pull from.
package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Source opens one input stream. Open blocks until the stream is
// available or ctx is done.
type Source interface {
	Open(ctx context.Context) (*Stream, error)
}

// Stats captures connection-level metrics for an open stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is an open input. It counts what is read through it and closes
// the underlying connection when the context passed to Open ends, which
// unblocks a pending Read.
type Stream struct {
	Key        string
	RemoteAddr string
	StartedAt  time.Time

	r       io.Reader
	closers []io.Closer

	stop     func() bool
	once     sync.Once
	closeErr error

	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// newStream wraps r. closers run in order on Close.
func newStream(ctx context.Context, key, remote string, r io.Reader, closers ...io.Closer) *Stream {
	s := &Stream{
		Key:        key,
		RemoteAddr: remote,
		StartedAt:  time.Now(),
		r:          r,
		closers:    closers,
	}
	s.stop = context.AfterFunc(ctx, func() { s.closeAll() })
	return s
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.bytesReceived.Add(int64(n))
		s.readCount.Add(1)
	}
	return n, err
}

// Close closes the underlying connection. It is safe to call more than
// once.
func (s *Stream) Close() error {
	s.stop()
	return s.closeAll()
}

func (s *Stream) closeAll() error {
	s.once.Do(func() {
		var errs []error
		for _, c := range s.closers {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    s.RemoteAddr,
	}
}
