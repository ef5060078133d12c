// Package cmdengine implements the xHCI command ring consumer: dispatch of
// slot/endpoint lifecycle commands and posting of CMD_COMPLETION events.
package cmdengine

import (
	"github.com/ardnew/xhci/event"
	"github.com/ardnew/xhci/slot"
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcictx"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
	"github.com/ardnew/xhci/xhcimem"
	"github.com/ardnew/xhci/xhciusb"
)

// Engine consumes the command ring and drives slot/endpoint lifecycle
// transitions. It assumes the caller (xhci.Controller) already holds the
// controller-level lock for the duration of Doorbell: command processing
// never calls a blocking UsbDevice method, so it never needs to release the
// lock.
type Engine struct {
	Mem   *xhcimem.View
	DCBAA *xhcictx.DCBAA

	Events      *event.Ring
	Interrupter *event.Interrupter
	PCI         xhcimem.PciBus

	Slots [slot.MaxSlots + 1]*slot.Slot // 1-indexed; [0] unused

	// BackendForPort resolves the UsbDevice bound to a virtual port, as
	// assigned by the CLI device-configuration string. Nil if no device has
	// been wired to that port.
	BackendForPort func(vport int) xhciusb.Device

	// MarkPortEmulated notifies the port layer that a slot has taken over a
	// Connected port, promoting it to Emulated on a successful ADDRESS_DEVICE.
	MarkPortEmulated func(vport int)

	ring    *trb.Ring
	running bool // CRCR.CRR
}

// New creates a command engine bound to the given guest-memory view, DCBAA,
// event sink, and interrupter.
func New(mem *xhcimem.View, dcbaa *xhcictx.DCBAA, events *event.Ring, intr *event.Interrupter, pci xhcimem.PciBus) *Engine {
	return &Engine{Mem: mem, DCBAA: dcbaa, Events: events, Interrupter: intr, PCI: pci}
}

// Start points the command ring cursor at crPtr with initial consumer cycle
// state ccs=true, and marks CRCR.CRR running.
func (e *Engine) Start(crPtr uint64) {
	e.ring = trb.NewRing(e.Mem, crPtr, true)
	e.running = true
}

// Running reports CRCR.CRR.
func (e *Engine) Running() bool { return e.running }

// Reset returns the engine to its post-controller-reset state: every slot
// is torn down and the ring cursor is cleared.
func (e *Engine) Reset() {
	for i := range e.Slots {
		e.Slots[i] = nil
	}
	e.ring = nil
	e.running = false
}

// Doorbell drains every command TRB currently available on the ring,
// dispatching each to its handler and posting a CMD_COMPLETION event.
// cmdRunning/intrEnabled are the current USBCMD.RS/INTE bits, forwarded to
// the interrupter's delivery gate.
func (e *Engine) Doorbell(cmdRunning, intrEnabled bool) error {
	if e.ring == nil {
		return xhcierr.ErrNotRunning
	}
	for {
		t, gpa, ok, err := e.ring.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		slotID, cc := e.dispatch(t)
		e.complete(gpa, slotID, cc, cmdRunning, intrEnabled)
	}
}

// complete posts a CMD_COMPLETION event carrying the command TRB's
// (pre-advance) GPA, the relevant slot id, and the completion code.
func (e *Engine) complete(gpa uint64, slotID uint8, cc xhcierr.CompletionCode, cmdRunning, intrEnabled bool) {
	evt := trb.TRB{Parameter: gpa}.
		WithType(trb.TypeCmdCompletionEvent).
		WithSlotID(slotID).
		WithCompletionCode(uint8(cc))
	if err := e.Events.Insert(evt); err != nil {
		xhcilog.Warn(xhcilog.ComponentCommand, "event ring insert failed", "err", err)
		return
	}
	e.Interrupter.Signal(e.PCI, true, cmdRunning, intrEnabled)
}

// dispatch routes one command TRB to its handler by TRB type.
func (e *Engine) dispatch(t trb.TRB) (slotID uint8, cc xhcierr.CompletionCode) {
	switch t.Type() {
	case trb.TypeEnableSlot:
		return e.enableSlot()
	case trb.TypeDisableSlot:
		return e.disableSlot(t)
	case trb.TypeAddressDevice:
		return e.addressDevice(t)
	case trb.TypeConfigureEP:
		return e.configureEP(t)
	case trb.TypeEvaluateCtx:
		return e.evaluateCtx(t)
	case trb.TypeStopEP:
		return e.stopEndpoint(t)
	case trb.TypeResetEP:
		return e.resetEndpoint(t)
	case trb.TypeSetTRDequeue:
		return e.setTRDequeue(t)
	case trb.TypeResetDevice:
		return e.resetDevice(t)
	case trb.TypeNoopCommand:
		return 0, xhcierr.CCSuccess
	default:
		xhcilog.Warn(xhcilog.ComponentCommand, "unrecognized command TRB", "type", t.Type())
		return 0, xhcierr.CCTRB
	}
}

// slotAt returns the slot for id, or nil if id is out of range or
// unallocated.
func (e *Engine) slotAt(id uint8) *slot.Slot {
	if id < 1 || int(id) > slot.MaxSlots {
		return nil
	}
	return e.Slots[id]
}
