package trb

// Memory is the guest-memory access a Ring needs; *xhcimem.View satisfies
// it.
type Memory interface {
	ReadTRB(gpa uint64) (TRB, error)
}

// Ring is a cursor over a guest-owned cyclic TRB array. It tracks the
// current dequeue pointer and the consumer's expected cycle state, and
// knows how to follow LINK TRBs (toggling the cycle state on TC).
type Ring struct {
	mem Memory

	dequeue uint64 // current GPA of the next TRB to consume
	ccs     bool   // consumer cycle state
}

// NewRing creates a ring cursor starting at dequeue with consumer cycle
// state ccs.
func NewRing(mem Memory, dequeue uint64, ccs bool) *Ring {
	return &Ring{mem: mem, dequeue: dequeue, ccs: ccs}
}

// Dequeue returns the current dequeue pointer GPA.
func (r *Ring) Dequeue() uint64 { return r.dequeue }

// CycleState returns the current consumer cycle state.
func (r *Ring) CycleState() bool { return r.ccs }

// SetPosition overwrites the dequeue pointer and consumer cycle state, used
// by SET_TR_DEQUEUE.
func (r *Ring) SetPosition(dequeue uint64, ccs bool) {
	r.dequeue = dequeue
	r.ccs = ccs
}

// Peek reads the TRB at the current dequeue pointer without advancing,
// following LINK TRBs transparently. It returns ok=false if the TRB's
// cycle bit does not match the consumer's cycle state (ring empty). The
// returned ccs is the consumer cycle state in effect at gpa — possibly
// toggled relative to r.ccs by any LINK TRBs walked past to get there —
// and is what Advance needs to resume correctly from this position.
func (r *Ring) Peek() (t TRB, gpa uint64, ccs bool, ok bool, err error) {
	gpa = r.dequeue
	ccs = r.ccs
	for {
		t, err = r.mem.ReadTRB(gpa)
		if err != nil {
			return TRB{}, 0, false, false, err
		}
		if t.Cycle() != ccs {
			return TRB{}, 0, false, false, nil
		}
		if t.Type() != TypeLink {
			return t, gpa, ccs, true, nil
		}
		next := t.Parameter &^ 0xF
		if t.ToggleCycle() {
			ccs = !ccs
		}
		gpa = next
	}
}

// Advance moves the dequeue pointer past the TRB at gpa with consumer
// cycle state ccs — the exact pair Peek returned for that TRB — following
// any LINK TRBs encountered along the way and updating the consumer cycle
// state to match.
func (r *Ring) Advance(gpa uint64, ccs bool) error {
	next := gpa + Size
	for {
		t, err := r.mem.ReadTRB(next)
		if err != nil {
			return err
		}
		if t.Type() != TypeLink {
			r.dequeue = next
			r.ccs = ccs
			return nil
		}
		// A LINK TRB is consumed regardless of its own cycle bit matching:
		// the producer lays LINK down ahead of time as part of ring setup.
		target := t.Parameter &^ 0xF
		if t.ToggleCycle() {
			ccs = !ccs
		}
		next = target
	}
}

// Next reads the TRB at the current position and advances past it in one
// step, returning the TRB and the GPA it was read from. ok is false if the
// ring is empty for the consumer's current cycle.
func (r *Ring) Next() (t TRB, gpa uint64, ok bool, err error) {
	t, gpa, ccs, ok, err := r.Peek()
	if err != nil || !ok {
		return t, gpa, ok, err
	}
	if err := r.Advance(gpa, ccs); err != nil {
		return TRB{}, 0, false, err
	}
	return t, gpa, true, nil
}
