package media

import (
	"sync"
	"sync/atomic"
)

// maxPooledPayload caps the buffers kept for reuse; larger payloads (big
// keyframes) are left to the garbage collector.
const maxPooledPayload = 1 << 20

// Pool allocates packets with recycled payload buffers and counts how many
// packets are live (allocated and not yet released). Packet structs are never
// reused, so a stale pointer cannot release somebody else's payload.
type Pool struct {
	bufs sync.Pool

	live      atomic.Int64
	allocated atomic.Int64
}

// NewPool creates an empty packet pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a live packet whose Data has length size.
func (p *Pool) Get(size int) *Packet {
	var data []byte
	if v, ok := p.bufs.Get().(*[]byte); ok && cap(*v) >= size {
		data = (*v)[:size]
	} else {
		data = make([]byte, size)
	}
	p.live.Add(1)
	p.allocated.Add(1)
	return &Packet{Data: data, pool: p}
}

// Copy returns a live packet holding a copy of data.
func (p *Pool) Copy(data []byte) *Packet {
	pkt := p.Get(len(data))
	copy(pkt.Data, data)
	return pkt
}

// Live returns the number of packets handed out and not yet released.
func (p *Pool) Live() int64 {
	return p.live.Load()
}

// Allocated returns the total number of packets handed out.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

func (p *Pool) put(data []byte) {
	p.live.Add(-1)
	if cap(data) == 0 || cap(data) > maxPooledPayload {
		return
	}
	data = data[:0]
	p.bufs.Put(&data)
}
