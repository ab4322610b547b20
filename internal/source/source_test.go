package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestFileOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "match-day.ts")
	want := []byte("0123456789")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := File{Path: path}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Key != "match-day" {
		t.Errorf("key: got %q, want %q", s.Key, "match-day")
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("read %q, want %q", got, want)
	}
	if st := s.Stats(); st.BytesReceived != int64(len(want)) || st.ReadCount == 0 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestFileOpenMissing(t *testing.T) {
	t.Parallel()

	_, err := File{Path: filepath.Join(t.TempDir(), "nope.ts")}.Open(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
}

func TestFileOpenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (File{Path: "whatever.ts"}).Open(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestStreamClosesOnCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := newStream(ctx, "k", "pipe", pr, pr)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 188))
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("Read after cancel: got %v, want io.ErrClosedPipe", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not unblock after cancel")
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

type countCloser struct{ n int }

func (c *countCloser) Close() error {
	c.n++
	return nil
}

func TestStreamCloseOnce(t *testing.T) {
	t.Parallel()

	a, b := &countCloser{}, &countCloser{}
	s := newStream(context.Background(), "k", "", eofReader{}, a, b)
	s.Close()
	s.Close()
	if a.n != 1 || b.n != 1 {
		t.Errorf("closers ran %d and %d times, want once each", a.n, b.n)
	}
}

func TestStreamCloseUnregistersCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := &countCloser{}
	s := newStream(ctx, "k", "", eofReader{}, c)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.stop() {
		t.Error("cancel callback still registered after Close")
	}
	cancel()
	if c.n != 1 {
		t.Errorf("closer ran %d times, want 1", c.n)
	}
}

func TestSRTConfigLatency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		latency time.Duration
		want    time.Duration
	}{
		{"default", 0, defaultLatency},
		{"negative uses default", -time.Second, defaultLatency},
		{"override", 300 * time.Millisecond, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := srtConfig(tt.latency).Latency; got != tt.want {
				t.Errorf("srtConfig(%v).Latency = %v, want %v", tt.latency, got, tt.want)
			}
		})
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func TestSRTCallerRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := (SRTCaller{}).Open(context.Background()); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestReaderOpen(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("abc"))
		pw.Close()
	}()

	s, err := Reader{R: pr}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Key != "default" {
		t.Errorf("key: got %q, want default", s.Key)
	}
	got, err := io.ReadAll(s)
	if err != nil || string(got) != "abc" {
		t.Errorf("ReadAll: got %q, %v", got, err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
