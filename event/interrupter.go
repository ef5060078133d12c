package event

import "github.com/ardnew/xhci/xhcimem"

// Interrupter aggregates one event ring's signal (IMAN/IMOD gating) and
// drives MSI/interrupt-line delivery through the enclosing PciBus. This
// module supports exactly one interrupter (MaxIntrs=1); secondary
// interrupters are out of scope.
type Interrupter struct {
	Ring *Ring

	imanPend   bool
	imanEnable bool
	imod       uint32
	erdpBusy   bool
}

// NewInterrupter creates an interrupter over the given event ring.
func NewInterrupter(ring *Ring) *Interrupter {
	return &Interrupter{Ring: ring}
}

// Reset returns the interrupter to its post-controller-reset state.
func (i *Interrupter) Reset() {
	i.imanPend = false
	i.imanEnable = false
	i.imod = 0
	i.erdpBusy = false
	i.Ring.Reset()
}

// IMANPending returns the IMAN interrupt pending bit.
func (i *Interrupter) IMANPending() bool { return i.imanPend }

// SetIMANEnable sets the IMAN interrupt enable bit (guest write).
func (i *Interrupter) SetIMANEnable(v bool) { i.imanEnable = v }

// IMANEnable returns the IMAN interrupt enable bit.
func (i *Interrupter) IMANEnable() bool { return i.imanEnable }

// ClearIMANPending clears the pending bit; called when the guest writes 1
// to IMAN.pend.
func (i *Interrupter) ClearIMANPending() { i.imanPend = false }

// SetIMOD sets the interrupt moderation interval (guest write).
func (i *Interrupter) SetIMOD(v uint32) { i.imod = v }

// IMOD returns the interrupt moderation interval.
func (i *Interrupter) IMOD() uint32 { return i.imod }

// ERDPBusy returns the ERDP busy bit.
func (i *Interrupter) ERDPBusy() bool { return i.erdpBusy }

// WriteERDP handles a guest write to ERDP: it forwards the new dequeue
// pointer to the event ring and clears the busy bit when the write itself
// carries the busy bit set (write-1-to-clear semantics).
func (i *Interrupter) WriteERDP(newErdp uint64, clearingBusy bool) {
	i.Ring.ErdpWrite(newErdp &^ 0xF)
	if clearingBusy {
		i.erdpBusy = false
	}
}

// PciBus is the minimal interrupt-delivery surface this package needs; it
// is satisfied by xhcimem.PciBus.
type PciBus = xhcimem.PciBus

// Signal is called by the controller immediately after an event has been
// inserted into the ring. do_intr selects whether this particular event
// should attempt to notify the guest at all (some controller-internal
// bookkeeping events do not). cmdRunning and intrEnabled are the current
// USBCMD.RS and USBCMD.INTE bits, owned by the MMIO register file.
//
// When doIntr is false Signal does nothing. Otherwise it sets the ERDP busy
// bit and IMAN pending bit whether or not a message is delivered, and
// raises MSI only when the full gate (RS && INTE && IMAN.enable) holds.
// Signal does not touch USBSTS: USBSTS.EINT is not set here or anywhere
// else in this module.
func (i *Interrupter) Signal(pci PciBus, doIntr, cmdRunning, intrEnabled bool) {
	if !doIntr {
		return
	}
	i.erdpBusy = true
	i.imanPend = true
	if cmdRunning && intrEnabled && i.imanEnable {
		pci.RaiseMSI()
	}
}
