package cmdengine

import (
	"github.com/ardnew/xhci/slot"
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcictx"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
	"github.com/ardnew/xhci/xhciusb"
)

// resetEPTSP is the Transfer State Preserve bit of a RESET_EP TRB's control
// field (xHCI §6.4.3.8). It reuses the same control-field bit position as
// BSR/DCEP, which is only ever meaningful per TRB type.
const resetEPTSP = 1 << 9

// enableSlot implements ENABLE_SLOT: allocate the lowest-numbered free slot
// id and move it to Enabled.
func (e *Engine) enableSlot() (uint8, xhcierr.CompletionCode) {
	for id := 1; id <= slot.MaxSlots; id++ {
		if e.Slots[id] == nil {
			s := slot.New()
			s.SetState(xhcictx.SlotStateEnabled)
			e.Slots[id] = s
			return uint8(id), xhcierr.CCSuccess
		}
	}
	return 0, xhcierr.CCResource
}

// disableSlot implements DISABLE_SLOT: tear down the slot and free its id
// for reuse.
func (e *Engine) disableSlot(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	s := e.slotAt(id)
	if s == nil || s.State() == xhcictx.SlotStateDisabled {
		return id, xhcierr.CCSlotNotOn
	}
	s.Teardown()
	e.Slots[id] = nil
	return id, xhcierr.CCSuccess
}

// addressDevice implements ADDRESS_DEVICE: resolve the device bound to the
// slot's root-hub port, reset it (unless BSR is set), seed EP0 from the
// Input Context, and copy the resulting Slot/EP0 contexts back to the
// Device Context.
func (e *Engine) addressDevice(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}

	icc, err := e.Mem.ReadBytes(t.Parameter, xhcictx.InputControlContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	if xhcictx.DropFlags(icc) != 0 || xhcictx.AddFlags(icc)&0x3 != 0x3 {
		return id, xhcierr.CCTRB
	}

	slotBytes, err := e.Mem.ReadBytes(t.Parameter+uint64(xhcictx.SlotContextOffset), xhcictx.ContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	slotCtx := xhcictx.DecodeSlotContext(slotBytes)

	ep0Bytes, err := e.Mem.ReadBytes(t.Parameter+uint64(xhcictx.EndpointContextOffset(1)), xhcictx.ContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	ep0Ctx := xhcictx.DecodeEndpointContext(ep0Bytes)

	vport := int(slotCtx.RootHubPort)
	bsr := t.Control&trb.ControlBlockSetAddr != 0

	if !bsr {
		dev := e.backendFor(vport)
		if dev == nil {
			return id, xhcierr.CCEndpNotOn
		}
		if err := dev.Reset(); err != nil {
			xhcilog.Warn(xhcilog.ComponentCommand, "backend reset failed", "slot", id, "err", err)
			return id, xhcierr.CCEndpNotOn
		}
	}

	ep0 := slot.NewEndpoint(ep0Ctx.EPType, ep0Ctx.MaxPacketSize)
	ep0.SetRingPosition(ep0Ctx.TRDequeuePointer, ep0Ctx.DequeueCycleState)
	if !bsr {
		ep0.SetState(xhcictx.EndpointStateRunning)
	}
	s.InitEndpoint(1, ep0)
	s.SetPort(vport)

	if bsr {
		s.SetState(xhcictx.SlotStateDefault)
	} else {
		s.SetAddress(id)
		s.SetState(xhcictx.SlotStateAddressed)
		if e.MarkPortEmulated != nil {
			e.MarkPortEmulated(vport)
		}
	}

	outSlot := slotCtx
	outSlot.State = s.State()
	outSlot.USBDeviceAddress = s.Address()
	ep0Ctx.State = ep0.State()
	if err := e.writeDeviceContext(id, outSlot, map[uint8]xhcictx.EndpointContext{1: ep0Ctx}); err != nil {
		return id, xhcierr.CCTRB
	}

	return id, xhcierr.CCSuccess
}

// configureEP implements CONFIGURE_EP: add/drop endpoints per the Input
// Control Context, or tear down every non-EP0 endpoint when DCEP is set.
func (e *Engine) configureEP(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}

	if t.Control&trb.ControlDeconfigure != 0 {
		for epid := uint8(2); epid < slot.MaxEndpoints; epid++ {
			s.DropEndpoint(epid)
		}
		s.SetState(xhcictx.SlotStateAddressed)
		return id, xhcierr.CCSuccess
	}

	icc, err := e.Mem.ReadBytes(t.Parameter, xhcictx.InputControlContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	dropFlags := xhcictx.DropFlags(icc)
	addFlags := xhcictx.AddFlags(icc)

	updated := map[uint8]xhcictx.EndpointContext{}
	for epid := uint8(2); epid < slot.MaxEndpoints; epid++ {
		if xhcictx.EndpointDropped(dropFlags, epid) {
			s.DropEndpoint(epid)
		}
		if xhcictx.EndpointAdded(addFlags, epid) {
			epBytes, err := e.Mem.ReadBytes(t.Parameter+uint64(xhcictx.EndpointContextOffset(epid)), xhcictx.ContextSize)
			if err != nil {
				return id, xhcierr.CCTRB
			}
			epCtx := xhcictx.DecodeEndpointContext(epBytes)
			ep := slot.NewEndpoint(epCtx.EPType, epCtx.MaxPacketSize)
			ep.SetRingPosition(epCtx.TRDequeuePointer, epCtx.DequeueCycleState)
			ep.SetState(xhcictx.EndpointStateRunning)
			s.InitEndpoint(epid, ep)
			epCtx.State = xhcictx.EndpointStateRunning
			updated[epid] = epCtx
		}
	}
	s.SetState(xhcictx.SlotStateConfigured)

	slotBytes, err := e.Mem.ReadBytes(t.Parameter+uint64(xhcictx.SlotContextOffset), xhcictx.ContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	outSlot := xhcictx.DecodeSlotContext(slotBytes)
	outSlot.State = s.State()
	outSlot.USBDeviceAddress = s.Address()
	if err := e.writeDeviceContext(id, outSlot, updated); err != nil {
		return id, xhcierr.CCTRB
	}
	return id, xhcierr.CCSuccess
}

// evaluateCtx implements EVALUATE_CTX: update only the max-exit-latency and
// interrupter-target slot fields, and EP0's max-packet-size field.
func (e *Engine) evaluateCtx(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}

	icc, err := e.Mem.ReadBytes(t.Parameter, xhcictx.InputControlContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	addFlags := xhcictx.AddFlags(icc)

	devCtxPtr, err := e.DCBAA.DeviceContextPointer(id)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	curSlotBytes, err := e.Mem.ReadBytes(devCtxPtr+uint64(xhcictx.DeviceContextSlotOffset), xhcictx.ContextSize)
	if err != nil {
		return id, xhcierr.CCTRB
	}
	outSlot := xhcictx.DecodeSlotContext(curSlotBytes)

	if xhcictx.EndpointAdded(addFlags, 0) {
		inSlotBytes, err := e.Mem.ReadBytes(t.Parameter+uint64(xhcictx.SlotContextOffset), xhcictx.ContextSize)
		if err != nil {
			return id, xhcierr.CCTRB
		}
		inSlot := xhcictx.DecodeSlotContext(inSlotBytes)
		outSlot.MaxExitLatency = inSlot.MaxExitLatency
		outSlot.InterrupterTarget = inSlot.InterrupterTarget
	}

	updated := map[uint8]xhcictx.EndpointContext{}
	if xhcictx.EndpointAdded(addFlags, 1) {
		ep0 := s.Endpoint(1)
		if ep0 == nil {
			return id, xhcierr.CCTRB
		}
		inEPBytes, err := e.Mem.ReadBytes(t.Parameter+uint64(xhcictx.EndpointContextOffset(1)), xhcictx.ContextSize)
		if err != nil {
			return id, xhcierr.CCTRB
		}
		inEP := xhcictx.DecodeEndpointContext(inEPBytes)
		ep0.SetMaxPacketSize(inEP.MaxPacketSize)

		curEPBytes, err := e.Mem.ReadBytes(devCtxPtr+uint64(xhcictx.DeviceContextEndpointOffset(1)), xhcictx.ContextSize)
		if err != nil {
			return id, xhcierr.CCTRB
		}
		outEP := xhcictx.DecodeEndpointContext(curEPBytes)
		outEP.MaxPacketSize = inEP.MaxPacketSize
		updated[1] = outEP
	}

	outSlot.State = s.State()
	outSlot.USBDeviceAddress = s.Address()
	if err := e.writeDeviceContext(id, outSlot, updated); err != nil {
		return id, xhcierr.CCTRB
	}
	return id, xhcierr.CCSuccess
}

// stopEndpoint implements STOP_EP: cancel any in-flight batch marker and
// move the endpoint to Stopped, preserving its current ring position. A
// Halted endpoint stays Halted; only RESET_EP clears a halt.
func (e *Engine) stopEndpoint(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	epid := t.EndpointID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}
	ep := s.Endpoint(epid)
	if ep == nil {
		return id, xhcierr.CCTRB
	}
	ep.Mu.Lock()
	ep.SetBusy(false)
	if ep.State() != xhcictx.EndpointStateHalted {
		ep.SetState(xhcictx.EndpointStateStopped)
	}
	ep.Mu.Unlock()
	return id, xhcierr.CCSuccess
}

// resetEndpoint implements RESET_EP: clear a Halted/Error endpoint back to
// Stopped. Unless TSP is set, the cached ring position is reloaded from
// the endpoint's context in the Device Context.
func (e *Engine) resetEndpoint(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	epid := t.EndpointID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}
	ep := s.Endpoint(epid)
	if ep == nil {
		return id, xhcierr.CCTRB
	}
	if st := ep.State(); st != xhcictx.EndpointStateHalted && st != xhcictx.EndpointStateError {
		return id, xhcierr.CCContextState
	}

	ep.Mu.Lock()
	ep.CancelInFlight()
	ep.Mu.Unlock()

	if t.Control&resetEPTSP == 0 {
		devCtxPtr, err := e.DCBAA.DeviceContextPointer(id)
		if err == nil {
			epBytes, err := e.Mem.ReadBytes(devCtxPtr+uint64(xhcictx.DeviceContextEndpointOffset(epid)), xhcictx.ContextSize)
			if err == nil {
				epCtx := xhcictx.DecodeEndpointContext(epBytes)
				ep.Mu.Lock()
				ep.SetRingPosition(epCtx.TRDequeuePointer, epCtx.DequeueCycleState)
				ep.Mu.Unlock()
			}
		}
	}

	ep.Mu.Lock()
	ep.SetState(xhcictx.EndpointStateStopped)
	ep.Mu.Unlock()
	return id, xhcierr.CCSuccess
}

// setTRDequeue implements SET_TR_DEQUEUE: overwrite the endpoint's (or
// stream 1's) cached ring position. Only legal while Stopped or Error.
func (e *Engine) setTRDequeue(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	epid := t.EndpointID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}
	ep := s.Endpoint(epid)
	if ep == nil {
		return id, xhcierr.CCTRB
	}
	if st := ep.State(); st != xhcictx.EndpointStateStopped && st != xhcictx.EndpointStateError {
		return id, xhcierr.CCContextState
	}

	dcs := t.Parameter&1 != 0
	dequeue := t.Parameter &^ 0xF

	ep.Mu.Lock()
	defer ep.Mu.Unlock()
	if t.StreamID() == 1 && ep.StreamsEnabled() {
		ep.SetStream1Position(dequeue, dcs)
	} else {
		ep.SetRingPosition(dequeue, dcs)
	}
	return id, xhcierr.CCSuccess
}

// resetDevice implements RESET_DEVICE: tear down every endpoint but EP0
// and clear the device address, returning the slot to Default.
func (e *Engine) resetDevice(t trb.TRB) (uint8, xhcierr.CompletionCode) {
	id := t.SlotID()
	s := e.slotAt(id)
	if s == nil {
		return id, xhcierr.CCSlotNotOn
	}
	s.Reset()
	s.SetState(xhcictx.SlotStateDefault)
	return id, xhcierr.CCSuccess
}

// backendFor resolves the UsbDevice bound to vport via BackendForPort, or
// nil if unset/unbound.
func (e *Engine) backendFor(vport int) xhciusb.Device {
	if e.BackendForPort == nil {
		return nil
	}
	return e.BackendForPort(vport)
}

// writeDeviceContext copies the Slot Context and any updated endpoint
// contexts back to the guest's Device Context for slot id. ADDRESS_DEVICE,
// CONFIGURE_EP, and EVALUATE_CTX all copy out this way on success.
func (e *Engine) writeDeviceContext(id uint8, s xhcictx.SlotContext, eps map[uint8]xhcictx.EndpointContext) error {
	devCtxPtr, err := e.DCBAA.DeviceContextPointer(id)
	if err != nil {
		return err
	}
	slotBytes, err := e.Mem.ReadBytes(devCtxPtr+uint64(xhcictx.DeviceContextSlotOffset), xhcictx.ContextSize)
	if err != nil {
		return err
	}
	s.Encode(slotBytes)
	for epid, ctx := range eps {
		epBytes, err := e.Mem.ReadBytes(devCtxPtr+uint64(xhcictx.DeviceContextEndpointOffset(epid)), xhcictx.ContextSize)
		if err != nil {
			return err
		}
		ctx.Encode(epBytes)
	}
	return nil
}
