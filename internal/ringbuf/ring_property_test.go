package ringbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"pgregory.net/rapid"

	"github.com/zsiec/replay/internal/media"
)

var quietLog = slog.New(slog.DiscardHandler)

func TestPropertyDrainOrderAndTimestamps(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(2, 64).Draw(t, "capacity")
		n := rapid.IntRange(0, 3*capacity).Draw(t, "inserts")
		spacing := rapid.Int64Range(1, 10000).Draw(t, "spacing")

		pool := media.NewPool()
		r, err := New(capacity, WithSpacing(spacing), WithLogger(quietLog))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		for i := 0; i < n; i++ {
			r.Insert(pool.Copy([]byte(fmt.Sprint(i))))
		}

		rec := &recorder{}
		written, err := r.Drain(rec)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}

		usable := capacity - 1
		want := n
		first := 0
		if n > usable {
			want = usable
			first = n - usable
		}
		if written != want {
			t.Fatalf("written = %d, want %d", written, want)
		}
		for i, d := range rec.got {
			if label := fmt.Sprint(first + i); d.label != label {
				t.Fatalf("packet %d = %q, want %q", i, d.label, label)
			}
			if ts := int64(i) * spacing; d.pts != ts || d.dts != ts {
				t.Fatalf("packet %d pts/dts = %d/%d, want %d", i, d.pts, d.dts, ts)
			}
		}
	})
}

func TestPropertyReleaseAccounting(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(2, 32).Draw(t, "capacity")
		ops := rapid.SliceOfN(rapid.IntRange(0, 9), 1, 200).Draw(t, "ops")

		pool := media.NewPool()
		r, err := New(capacity, WithLogger(quietLog))
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		before := pool.Live()
		inserts := 0
		for _, op := range ops {
			if op == 0 {
				if _, err := r.Drain(&recorder{}); err != nil {
					t.Fatalf("Drain: %v", err)
				}
				continue
			}
			r.Insert(pool.Copy([]byte{byte(op)}))
			inserts++
		}

		st := r.Stats()
		want := before + int64(inserts) - (st.Evicted + st.Drained)
		if got := pool.Live(); got != want {
			t.Fatalf("live = %d, want %d (stats %+v)", got, want, st)
		}
		if int64(st.Len) != pool.Live() {
			t.Fatalf("Len = %d, live = %d", st.Len, pool.Live())
		}

		r.Close()
		if got := pool.Live(); got != 0 {
			t.Fatalf("live after Close = %d, want 0", got)
		}
	})
}

func TestPropertyFailingSinkStopsAtK(t *testing.T) {
	t.Parallel()

	errSink := errors.New("sink failed")
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(3, 40).Draw(t, "capacity")
		n := rapid.IntRange(1, capacity-1).Draw(t, "inserts")
		k := rapid.IntRange(1, n).Draw(t, "failAt")

		pool := media.NewPool()
		r, err := New(capacity, WithLogger(quietLog))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		for i := 0; i < n; i++ {
			r.Insert(pool.Copy([]byte(fmt.Sprint(i))))
		}

		rec := &recorder{failAt: k, failErr: errSink}
		written, err := r.Drain(rec)
		if !errors.Is(err, errSink) {
			t.Fatalf("Drain error = %v, want sink error", err)
		}
		if rec.calls != k {
			t.Fatalf("sink calls = %d, want %d", rec.calls, k)
		}
		if written != k-1 {
			t.Fatalf("written = %d, want %d", written, k-1)
		}
		if got := r.Len(); got != n-k {
			t.Fatalf("retained = %d, want %d", got, n-k)
		}
		r.Close()
	})
}
