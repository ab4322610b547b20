// Package ringbuf holds the replay window of a live stream: a fixed-capacity
// ring of packets that evicts the oldest entry when full and drains
// oldest-first to a sink, restamping every packet on an evenly spaced clock.
//
// One mutex serializes Insert, Drain and Close. A drain in progress blocks
// inserts and the other way around; there is no separate insert fast path.
// A lock-free ring with ordered release would raise insert throughput under
// contention and is the intended extension if that ever matters.
package ringbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/replay/internal/media"
)

// DefaultSpacing is the tick distance between consecutive drained packets
// in the output timebase (one frame at 30 fps on a 90 kHz clock).
const DefaultSpacing int64 = 3000

var (
	// ErrInvalidSize is returned by New for capacities below 2.
	ErrInvalidSize = errors.New("ringbuf: invalid queue size, should be bigger than 1")
	// ErrInvalidSpacing is returned by New for a non-positive spacing.
	ErrInvalidSpacing = errors.New("ringbuf: timestamp spacing must be positive")
)

// PacketWriter is the sink side of a drain. WritePacket takes ownership of
// p whether or not it returns an error.
type PacketWriter interface {
	WritePacket(p *media.Packet) error
}

// PacketWriterFunc adapts a function to PacketWriter.
type PacketWriterFunc func(p *media.Packet) error

// WritePacket calls f(p).
func (f PacketWriterFunc) WritePacket(p *media.Packet) error {
	return f(p)
}

// Stats is a point-in-time view of ring counters.
type Stats struct {
	Capacity int   `json:"capacity"`
	Len      int   `json:"len"`
	Inserted int64 `json:"inserted"`
	Evicted  int64 `json:"evicted"`
	Drained  int64 `json:"drained"`
}

// Option configures a Ring.
type Option func(*Ring)

// WithSpacing sets the synthetic timestamp step applied during Drain.
func WithSpacing(spacing int64) Option {
	return func(r *Ring) {
		r.spacing = spacing
	}
}

// WithLogger sets the logger. If log is nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(r *Ring) {
		if log != nil {
			r.log = log
		}
	}
}

// Ring is a bounded packet buffer. At most Cap()-1 packets are retained;
// inserting into a full ring evicts the oldest.
type Ring struct {
	log     *slog.Logger
	spacing int64

	mu     sync.Mutex
	slots  slots
	head   int // next write position
	tail   int // oldest retained packet
	nextTS int64
	closed bool
	full   bool

	inserted int64
	evicted  int64
	drained  int64
}

// New creates a Ring with the given number of slots. It fails with
// ErrInvalidSize when capacity < 2 and ErrInvalidSpacing when the
// configured spacing is not positive.
func New(capacity int, opts ...Option) (*Ring, error) {
	if capacity <= 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, capacity)
	}
	r := &Ring{
		log:     slog.Default(),
		spacing: DefaultSpacing,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.spacing <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSpacing, r.spacing)
	}
	r.log = r.log.With("component", "ringbuf")
	r.slots = newSlots(capacity)

	r.log.Info("initializing ring", "capacity", capacity, "usable", capacity-1, "spacing", r.spacing)
	return r, nil
}

// Cap returns the number of slots. The ring retains at most Cap()-1 packets.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Len returns the number of retained packets.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	return (r.head - r.tail + len(r.slots)) % len(r.slots)
}

// Stats returns the current counters.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity: len(r.slots),
		Len:      r.lenLocked(),
		Inserted: r.inserted,
		Evicted:  r.evicted,
		Drained:  r.drained,
	}
}

// Insert moves p into the ring. The caller must not use p afterwards. When
// the ring is full the oldest packet is released to make room; Insert never
// blocks beyond the lock and never reports eviction. Inserting into a closed
// ring releases p immediately.
func (r *Ring) Insert(p *media.Packet) {
	if p == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		p.Release()
		return
	}

	if prev := r.slots.set(r.head, p); prev != nil {
		prev.Release()
		r.evicted++
	}
	r.head = r.next(r.head)
	r.inserted++

	if r.head == r.tail {
		if old := r.slots.take(r.tail); old != nil {
			old.Release()
			r.evicted++
		}
		r.tail = r.next(r.tail)

		if !r.full {
			r.full = true
			r.log.Debug("ring full, evicting oldest packets", "capacity", len(r.slots))
		}
	}
}

// Drain hands every retained packet to w, oldest first, after overwriting
// its PTS and DTS with 0, spacing, 2*spacing, and so on. It returns the
// number of packets w accepted. The first write error stops the drain; the
// packet that failed belongs to w, and packets not yet visited stay in the
// ring so a later Drain can resume from them. Draining an empty ring is a
// no-op.
func (r *Ring) Drain(w PacketWriter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTS = 0
	written := 0

	for r.tail != r.head {
		p := r.slots.take(r.tail)
		if p == nil {
			break
		}

		p.PTS = r.nextTS
		p.DTS = r.nextTS
		r.nextTS += r.spacing

		r.tail = r.next(r.tail)
		r.drained++

		if err := w.WritePacket(p); err != nil {
			remaining := r.lenLocked()
			r.log.Warn("drain stopped on write error",
				"written", written, "remaining", remaining, "error", err)
			return written, fmt.Errorf("ringbuf: write packet %d: %w", written, err)
		}
		written++
	}

	r.log.Info("drained", "packets", written)
	return written, nil
}

// Close releases every retained packet and returns how many there were.
// Later inserts are released on arrival and drains write nothing.
func (r *Ring) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for r.tail != r.head {
		if p := r.slots.take(r.tail); p != nil {
			p.Release()
			released++
		}
		r.tail = r.next(r.tail)
	}
	r.closed = true
	if released > 0 {
		r.log.Info("released retained packets", "packets", released)
	}
	return released
}

func (r *Ring) next(i int) int {
	return (i + 1) % len(r.slots)
}
