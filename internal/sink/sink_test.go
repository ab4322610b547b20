package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mpegts"
)

var quietLog = slog.New(slog.DiscardHandler)

// drainedPackets returns n packets stamped the way a ring drain leaves
// them: PTS = DTS = i*spacing, keyframe first.
func drainedPackets(pool *media.Pool, n int, spacing int64) []*media.Packet {
	pkts := make([]*media.Packet, n)
	for i := range pkts {
		p := pool.Copy(bytes.Repeat([]byte{byte(i + 1)}, 100*(i+1)))
		p.PTS = int64(i) * spacing
		p.DTS = p.PTS
		if i == 0 {
			p.Flags = media.FlagKeyframe
		}
		pkts[i] = p
	}
	return pkts
}

func readPES(t *testing.T, r io.Reader) ([]*mpegts.PES, *mpegts.PMT) {
	t.Helper()
	d := mpegts.NewDemuxer(context.Background(), r)
	var (
		out []*mpegts.PES
		pmt *mpegts.PMT
	)
	for {
		u, err := d.NextUnit()
		if errors.Is(err, io.EOF) {
			return out, pmt
		}
		if err != nil {
			t.Fatalf("NextUnit: %v", err)
		}
		if u.PMT != nil && pmt == nil {
			pmt = u.PMT
		}
		if u.PES != nil {
			out = append(out, u.PES)
		}
	}
}

func TestTSWriter(t *testing.T) {
	t.Parallel()

	pool := media.NewPool()
	var buf bytes.Buffer
	w, err := NewTSWriter(&buf, TSOptions{Codec: media.CodecH265, Timebase: media.Timebase{Num: 1, Den: 15360}}, quietLog)
	if err != nil {
		t.Fatalf("NewTSWriter: %v", err)
	}

	pkts := drainedPackets(pool, 4, 512)
	payloads := make([][]byte, len(pkts))
	for i, p := range pkts {
		payloads[i] = append([]byte(nil), p.Data...)
		if err := w.WritePacket(p); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Written() != 4 {
		t.Errorf("Written: got %d, want 4", w.Written())
	}
	if pool.Live() != 0 {
		t.Errorf("live packets after write: got %d, want 0", pool.Live())
	}

	pes, pmt := readPES(t, &buf)
	if pmt == nil || len(pmt.Streams) != 1 || pmt.Streams[0].StreamType != mpegts.StreamTypeH265 {
		t.Fatalf("PMT: got %+v", pmt)
	}
	if len(pes) != 4 {
		t.Fatalf("PES count: got %d, want 4", len(pes))
	}
	for i, p := range pes {
		if want := int64(i) * 3000; p.PTS != want {
			t.Errorf("PES %d PTS: got %d, want %d", i, p.PTS, want)
		}
		if !bytes.Equal(p.Data, payloads[i]) {
			t.Errorf("PES %d payload mismatch", i)
		}
	}
	if !pes[0].RandomAccess || pes[1].RandomAccess {
		t.Errorf("random access: got %v %v, want true false", pes[0].RandomAccess, pes[1].RandomAccess)
	}
}

func TestTSWriterAfterClose(t *testing.T) {
	t.Parallel()

	pool := media.NewPool()
	w, err := NewTSWriter(io.Discard, TSOptions{}, quietLog)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePacket(pool.Copy([]byte{1})); !errors.Is(err, ErrClosed) {
		t.Errorf("WritePacket after Close: got %v, want ErrClosed", err)
	}
	if pool.Live() != 0 {
		t.Errorf("rejected packet not released: live %d", pool.Live())
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestTSWriterReleasesOnError(t *testing.T) {
	t.Parallel()

	pool := media.NewPool()
	// Nothing reaches the writer until Close flushes.
	w, err := NewTSWriter(failWriter{}, TSOptions{}, quietLog)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range drainedPackets(pool, 3, 3000) {
		w.WritePacket(p)
	}
	if err := w.Close(); err == nil {
		t.Error("Close: expected flush error")
	}
	if pool.Live() != 0 {
		t.Errorf("live packets: got %d, want 0", pool.Live())
	}
}

func TestCreateTSFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.ts")
	pool := media.NewPool()
	w, err := CreateTSFile(path, TSOptions{}, quietLog)
	if err != nil {
		t.Fatalf("CreateTSFile: %v", err)
	}
	for _, p := range drainedPackets(pool, 3, 3000) {
		if err := w.WritePacket(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	pes, _ := readPES(t, f)
	if len(pes) != 3 {
		t.Errorf("PES count: got %d, want 3", len(pes))
	}
}

func TestCreateTSFileBadPath(t *testing.T) {
	t.Parallel()

	_, err := CreateTSFile(filepath.Join(t.TempDir(), "missing", "out.ts"), TSOptions{}, quietLog)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
}

func TestClipName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"goal-replay", "goal-replay"},
		{"../../etc/passwd", "passwd"},
		{"cam 1: wide", "cam_1_wide"},
		{"", "clip"},
		{"..", "clip"},
		{"take.2", "take.2"},
	}
	for _, tc := range tests {
		if got := clipName(tc.in); got != tc.want {
			t.Errorf("clipName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCollectorRejectsIncompleteUpload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := NewCollector(CollectorConfig{Dir: dir}, quietLog)

	src := media.NewPool()
	pkts := drainedPackets(src, 2, 3000)
	buf, _ := appendHeaderFrame(nil, ClipHeader{Name: "short", Codec: media.CodecH264, Timebase: media.MPEGTSTimebase})
	for _, p := range pkts {
		buf, _ = appendPacketFrame(buf, p)
		p.Release()
	}
	buf = appendEndFrame(buf, 5)

	res := c.receive(bytes.NewReader(buf), quietLog)
	if res.Err == nil {
		t.Fatal("expected count mismatch error")
	}
	if res.Packets != 2 {
		t.Errorf("packets: got %d, want 2", res.Packets)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed upload left %d files behind", len(entries))
	}
	if c.pool.Live() != 0 {
		t.Errorf("collector packets live: %d", c.pool.Live())
	}
}

func TestCollectorRejectsTruncatedUpload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := NewCollector(CollectorConfig{Dir: dir}, quietLog)
	buf, _ := appendHeaderFrame(nil, ClipHeader{Name: "cut", Timebase: media.MPEGTSTimebase})

	res := c.receive(bytes.NewReader(buf), quietLog)
	if !errors.Is(res.Err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", res.Err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cut.ts")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cut.ts should not exist: %v", err)
	}
}

func TestQUICUploadRoundTrip(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dir := t.TempDir()
	col := NewCollector(CollectorConfig{Addr: "127.0.0.1:0", Dir: dir, TLS: cert.ServerConfig()}, quietLog)
	if err := col.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return col.Serve(gctx) })

	up, err := DialUploader(ctx, UploaderConfig{
		Addr:   col.Addr().String(),
		Header: ClipHeader{Name: "goal", Codec: media.CodecH264, Timebase: media.MPEGTSTimebase},
		TLS:    certs.PinnedClientConfig(cert.Fingerprint),
	}, quietLog)
	if err != nil {
		t.Fatalf("DialUploader: %v", err)
	}

	pool := media.NewPool()
	pkts := drainedPackets(pool, 5, 3000)
	payloads := make([][]byte, len(pkts))
	for i, p := range pkts {
		payloads[i] = append([]byte(nil), p.Data...)
		if err := up.WritePacket(p); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
	}
	if got := up.Sent(); got != int64(len(pkts)) {
		t.Errorf("Sent = %d, want %d", got, len(pkts))
	}
	if err := up.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pool.Live() != 0 {
		t.Errorf("uploader left %d packets live", pool.Live())
	}

	// The ack is sent once the file is renamed into place.
	f, err := os.Open(filepath.Join(dir, "goal.ts"))
	if err != nil {
		t.Fatalf("open uploaded clip: %v", err)
	}
	defer f.Close()
	pes, _ := readPES(t, f)
	if len(pes) != len(payloads) {
		t.Fatalf("PES count: got %d, want %d", len(pes), len(payloads))
	}
	for i, p := range pes {
		if p.PTS != int64(i)*3000 || !bytes.Equal(p.Data, payloads[i]) {
			t.Errorf("PES %d: pts %d, %d bytes", i, p.PTS, len(p.Data))
		}
	}

	cancel()
	if err := g.Wait(); err != nil {
		t.Errorf("Serve: %v", err)
	}
	res := col.Results()
	if len(res) != 1 || res[0].Err != nil || res[0].Packets != 5 {
		t.Errorf("results: got %+v", res)
	}
}

func TestQUICUploadRejectsWrongCertificate(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	col := NewCollector(CollectorConfig{Addr: "127.0.0.1:0", Dir: t.TempDir(), TLS: cert.ServerConfig()}, quietLog)
	if err := col.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return col.Serve(gctx) })

	_, err = DialUploader(ctx, UploaderConfig{
		Addr:        col.Addr().String(),
		Header:      ClipHeader{Name: "x"},
		TLS:         certs.PinnedClientConfig(other.Fingerprint),
		DialTimeout: 5 * time.Second,
	}, quietLog)
	if err == nil {
		t.Fatal("expected handshake to fail with the wrong pin")
	}

	cancel()
	g.Wait()
}
