package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File reads a transport stream recorded to disk.
type File struct {
	Path string
}

// Open opens the file. The stream key is the file name without extension.
func (f File) Open(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", f.Path, err)
	}
	base := filepath.Base(f.Path)
	key := strings.TrimSuffix(base, filepath.Ext(base))
	return newStream(ctx, key, "file://"+f.Path, fh, fh), nil
}

// Reader records from an already open reader, such as standard input.
type Reader struct {
	Key string
	R   io.Reader
}

// Open wraps R. If R is also an io.Closer it is closed with the stream.
func (r Reader) Open(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := r.Key
	if key == "" {
		key = "default"
	}
	var closers []io.Closer
	if c, ok := r.R.(io.Closer); ok {
		closers = append(closers, c)
	}
	return newStream(ctx, key, "reader", r.R, closers...), nil
}
