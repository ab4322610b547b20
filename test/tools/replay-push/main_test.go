package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/replay/internal/mpegts"
)

func TestSelectDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		override time.Duration
		measured time.Duration
		want     time.Duration
	}{
		{"override takes precedence", 30 * time.Second, 25 * time.Second, 30 * time.Second},
		{"measured used when no override", 0, 25 * time.Second, 25 * time.Second},
		{"default when all zero", 0, 0, defaultDuration},
		{"negative override ignored", -time.Second, 25 * time.Second, 25 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := selectDuration(tt.override, tt.measured); got != tt.want {
				t.Errorf("selectDuration(%v, %v) = %v, want %v", tt.override, tt.measured, got, tt.want)
			}
		})
	}
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := synthesize(&buf, 10, 30, 4); err != nil {
		t.Fatal(err)
	}
	if buf.Len()%mpegts.PacketSize != 0 {
		t.Fatalf("stream length %d is not a multiple of %d", buf.Len(), mpegts.PacketSize)
	}

	d := mpegts.NewDemuxer(context.Background(), &buf)
	var dts []int64
	var keys []bool
	for {
		u, err := d.NextUnit()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if u.PES == nil {
			continue
		}
		dts = append(dts, u.PES.PTS)
		keys = append(keys, u.PES.RandomAccess)
	}
	if len(dts) != 10 {
		t.Fatalf("got %d access units, want 10", len(dts))
	}
	for i, ts := range dts {
		if want := 90000 + int64(i)*3000; ts != want {
			t.Errorf("unit %d: PTS = %d, want %d", i, ts, want)
		}
		if want := i%4 == 0; keys[i] != want {
			t.Errorf("unit %d: random access = %v, want %v", i, keys[i], want)
		}
	}
}

func TestSynthesizeRejectsBadParams(t *testing.T) {
	t.Parallel()
	if err := synthesize(io.Discard, 0, 30, 30); err == nil {
		t.Error("zero frames: expected error")
	}
	if err := synthesize(io.Discard, 10, 0, 30); err == nil {
		t.Error("zero fps: expected error")
	}
}

func TestMeasureDuration(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := synthesize(&buf, 30, 30, 30); err != nil {
		t.Fatal(err)
	}
	if got := measureDuration(context.Background(), buf.Bytes()); got != time.Second {
		t.Errorf("measureDuration = %v, want 1s", got)
	}
	if got := measureDuration(context.Background(), []byte("not a transport stream")); got != 0 {
		t.Errorf("measureDuration(garbage) = %v, want 0", got)
	}
}

func TestAccessUnitNALTypes(t *testing.T) {
	t.Parallel()
	key := accessUnit(0, true)
	if key[4]&0x1f != 7 {
		t.Errorf("keyframe first NAL type = %d, want 7 (SPS)", key[4]&0x1f)
	}
	delta := accessUnit(1, false)
	if delta[4]&0x1f != 1 {
		t.Errorf("delta first NAL type = %d, want 1", delta[4]&0x1f)
	}
	if bytes.Equal(accessUnit(1, false), accessUnit(2, false)) {
		t.Error("access units for different indexes are identical")
	}
}
