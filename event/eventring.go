// Package event implements the xHCI event ring producer and the
// interrupter that gates its delivery to the guest.
package event

import (
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
	"github.com/ardnew/xhci/xhcimem"
)

// erstEntrySize is the size of one Event Ring Segment Table entry: a
// 64-bit segment base address followed by a 32-bit segment size (in TRBs)
// and 32 bits reserved.
const erstEntrySize = 16

// Ring is a single-segment xHCI event ring producer. Multi-segment segment
// tables are not supported: only segment[0] of the table is consulted.
type Ring struct {
	mem *xhcimem.View

	erstba     uint64 // guest GPA of the segment table
	segBase    uint64 // segment[0] base address
	segSize    uint32 // segment[0] size, in TRBs

	enqIdx     uint32 // producer's next write index, mod segSize
	deqIdx     uint32 // consumer index derived from the last ERDP write
	eventsCnt  uint32 // events_cnt: outstanding un-consumed entries
	pcs        bool   // producer cycle state

	ringFull bool // true once a HOST_CONTROLLER/EV_RING_FULL has fired
}

// NewRing constructs an (uninitialized) event ring producer.
func NewRing(mem *xhcimem.View) *Ring {
	return &Ring{mem: mem, pcs: true}
}

// SetERSTBA reinitializes the ring from a guest write to ERSTBA: it reads
// segment[0] from the segment table, resets the enqueue and dequeue
// indices and the event count to 0, and sets the producer cycle state to 1.
func (r *Ring) SetERSTBA(erstba uint64) error {
	r.erstba = erstba
	base, err := r.mem.ReadUint64(erstba)
	if err != nil {
		return err
	}
	sizeWord, err := r.mem.ReadUint32(erstba + 8)
	if err != nil {
		return err
	}
	r.segBase = base
	r.segSize = sizeWord & 0xFFFF
	r.enqIdx = 0
	r.deqIdx = 0
	r.eventsCnt = 0
	r.pcs = true
	r.ringFull = false
	return nil
}

// ERSTBA returns the configured segment table GPA.
func (r *Ring) ERSTBA() uint64 { return r.erstba }

// DequeueGPA returns the guest physical address the consumer dequeue
// index currently refers to, for ERDP readback.
func (r *Ring) DequeueGPA() uint64 { return r.segBase + uint64(r.deqIdx)*trb.Size }

// EventsCount returns the number of outstanding un-consumed entries.
func (r *Ring) EventsCount() uint32 { return r.eventsCnt }

// ProducerCycleState returns the current PCS.
func (r *Ring) ProducerCycleState() bool { return r.pcs }

// Reset clears the ring to its post-controller-reset state.
func (r *Ring) Reset() {
	r.erstba = 0
	r.segBase = 0
	r.segSize = 0
	r.enqIdx = 0
	r.deqIdx = 0
	r.eventsCnt = 0
	r.pcs = true
	r.ringFull = false
}

// Insert writes evt to the next producer slot with the current PCS, and
// advances the enqueue index, toggling PCS on wrap. Once the ring has only
// one free slot left, that last slot is reserved for a synthetic
// HOST_CONTROLLER event carrying EV_RING_FULL instead of the caller's evt:
// the insert that would have filled the ring returns ErrEventRingFull and
// posts the full marker in evt's place, and every insert after that fails
// the same way until the guest advances ERDP. The marker is posted once per
// full condition: while the latch is still set, a slot freed by an ERDP
// advance takes the caller's evt.
func (r *Ring) Insert(evt trb.TRB) error {
	if r.segSize == 0 {
		return xhcierr.ErrInvalidParameter
	}
	if r.eventsCnt >= r.segSize {
		return ErrEventRingFull
	}
	if r.eventsCnt == r.segSize-1 && !r.ringFull {
		full := trb.TRB{}.
			WithType(trb.TypeHostControllerEvent).
			WithCompletionCode(uint8(xhcierr.CCEventRingFull))
		if err := r.writeAt(r.enqIdx, full); err != nil {
			return err
		}
		r.advanceEnqueue()
		r.eventsCnt++
		r.ringFull = true
		xhcilog.Warn(xhcilog.ComponentEvent, "event ring full")
		return ErrEventRingFull
	}
	if err := r.writeAt(r.enqIdx, evt); err != nil {
		return err
	}
	r.advanceEnqueue()
	r.eventsCnt++
	return nil
}

func (r *Ring) writeAt(idx uint32, t trb.TRB) error {
	t = t.WithCycle(r.pcs)
	gpa := r.segBase + uint64(idx)*trb.Size
	return r.mem.WriteTRB(gpa, t)
}

func (r *Ring) advanceEnqueue() {
	r.enqIdx++
	if r.enqIdx >= r.segSize {
		r.enqIdx = 0
		r.pcs = !r.pcs
	}
}

// ErdpWrite handles a guest write to ERDP: it recomputes events_cnt from
// the distance between the enqueue and (new) dequeue index modulo the
// segment size, and clears the ring-full latch once at least two entries
// are free again.
func (r *Ring) ErdpWrite(newErdp uint64) {
	if r.segSize == 0 {
		return
	}
	offset := newErdp - r.segBase
	idx := uint32(offset/trb.Size) % r.segSize
	r.deqIdx = idx
	r.eventsCnt = (r.enqIdx - r.deqIdx + r.segSize) % r.segSize
	if r.eventsCnt < r.segSize-1 {
		r.ringFull = false
	}
}

// ErrEventRingFull is returned by Insert once the ring has latched full.
var ErrEventRingFull = eventRingFullError{}

type eventRingFullError struct{}

func (eventRingFullError) Error() string { return "event ring full" }
