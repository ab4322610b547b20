package mpegts

import "slices"

// assembly collects the transport packets of one PID until the next unit
// starts (PES) or the section is complete (PSI).
type assembly struct {
	pid     uint16
	psi     bool
	packets []*Packet
	lastCC  uint8
	started bool
	corrupt bool
}

// flushed is a finished run of packets for one PID.
type flushed struct {
	pid     uint16
	packets []*Packet
	corrupt bool
}

func (a *assembly) payload() []byte {
	return joinPayloads(a.packets)
}

func joinPayloads(ps []*Packet) []byte {
	var n int
	for _, p := range ps {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range ps {
		out = append(out, p.Payload...)
	}
	return out
}

// add appends p and returns a finished unit when p completes or closes one.
// Transport errors and unsignalled continuity gaps mark the unit in
// progress as corrupt instead of dropping it; the caller decides what to do
// with damaged units. PSI is never delivered damaged: a bad section is
// thrown away and picked up again on its next repetition.
func (a *assembly) add(p *Packet) *flushed {
	h := p.Header
	if h.TransportError {
		a.corrupt = true
		if a.psi {
			a.reset()
		}
		return nil
	}
	if !h.HasPayload {
		return nil
	}

	if a.started && !h.Discontinuity {
		want := (a.lastCC + 1) & 0x0F
		switch h.ContinuityCounter {
		case want:
		case a.lastCC:
			return nil // retransmitted duplicate
		default:
			a.corrupt = true
			if a.psi {
				a.reset()
			}
		}
	}
	a.lastCC = h.ContinuityCounter
	a.started = true

	var out *flushed
	if h.PayloadUnitStart {
		out = a.flush()
	} else if len(a.packets) == 0 {
		// Continuation without a start: the head of this unit was lost.
		a.corrupt = true
		return nil
	}
	a.packets = append(a.packets, p)

	if out == nil && a.psi && psiComplete(a.payload()) {
		out = a.flush()
	}
	return out
}

// flush returns the buffered unit, if any, and starts a fresh one.
func (a *assembly) flush() *flushed {
	if len(a.packets) == 0 {
		a.corrupt = false
		return nil
	}
	out := &flushed{pid: a.pid, packets: a.packets, corrupt: a.corrupt}
	a.packets = nil
	a.corrupt = false
	return out
}

func (a *assembly) reset() {
	a.packets = nil
	a.corrupt = false
}

// assembler keeps one assembly per PID and knows which PIDs carry PSI.
type assembler struct {
	byPID   map[uint16]*assembly
	pmtPIDs map[uint16]bool
}

func newAssembler() *assembler {
	return &assembler{
		byPID:   make(map[uint16]*assembly),
		pmtPIDs: make(map[uint16]bool),
	}
}

func (as *assembler) isPSI(pid uint16) bool {
	return pid == PIDPAT || as.pmtPIDs[pid]
}

func (as *assembler) addPMTPID(pid uint16) {
	as.pmtPIDs[pid] = true
	if a, ok := as.byPID[pid]; ok {
		a.psi = true
	}
}

func (as *assembler) add(p *Packet) *flushed {
	pid := p.Header.PID
	a, ok := as.byPID[pid]
	if !ok {
		a = &assembly{pid: pid, psi: as.isPSI(pid)}
		as.byPID[pid] = a
	}
	return a.add(p)
}

// drain flushes every PID in ascending order so the PAT comes out before
// the PMTs it announces.
func (as *assembler) drain() []*flushed {
	pids := make([]uint16, 0, len(as.byPID))
	for pid := range as.byPID {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var out []*flushed
	for _, pid := range pids {
		if f := as.byPID[pid].flush(); f != nil {
			out = append(out, f)
		}
	}
	return out
}
