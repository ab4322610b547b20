package ringbuf

import "github.com/zsiec/replay/internal/media"

// slots is the fixed backing store of a Ring. Each position owns at most one
// packet. It applies no policy; the Ring does all index arithmetic.
type slots []*media.Packet

func newSlots(n int) slots {
	return make(slots, n)
}

// set moves p into slot i and returns the previous occupant, if any. The
// caller becomes the owner of the returned packet.
func (s slots) set(i int, p *media.Packet) *media.Packet {
	prev := s[i]
	s[i] = p
	return prev
}

// take removes the packet in slot i and returns it, leaving the slot empty.
func (s slots) take(i int) *media.Packet {
	p := s[i]
	s[i] = nil
	return p
}
