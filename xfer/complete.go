package xfer

import (
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcictx"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
)

// Complete applies a backend's outcome to batch: it decides whether the
// ring position advances, transitions the endpoint on STALL, and emits a
// TRANSFER_EVENT for every descriptor that calls for one. cmdRunning and
// intrEnabled gate interrupt delivery exactly as they do for the command
// engine.
//
// status is the batch-level result of the single Request/Data call (unused
// when batch.Malformed, since the backend was never invoked).
func (e *Engine) Complete(batch *Batch, status xhcierr.BackendStatus, cmdRunning, intrEnabled bool) {
	s := e.SlotAt(batch.SlotID)
	if s == nil {
		return
	}
	ep := s.Endpoint(batch.EPID)
	if ep == nil {
		return
	}

	ep.Mu.Lock()
	stale := ep.Generation() != batch.Generation
	ep.Mu.Unlock()
	if stale {
		return
	}

	if batch.Malformed {
		e.emitForced(batch, cmdRunning, intrEnabled)
		ep.Mu.Lock()
		ep.SetBusy(false)
		ep.Mu.Unlock()
		return
	}

	if status == xhcierr.Cancelled && len(batch.Descriptors) > 0 && batch.Descriptors[0].Buffer.Status == xhcierr.Cancelled {
		// Backend NAK: replay this batch from the same ring position next
		// doorbell, keeping it alive at the head of the ring.
		ep.Mu.Lock()
		ep.SetBusy(false)
		ep.Mu.Unlock()
		return
	}

	ep.Mu.Lock()
	if batch.StreamID == 1 && ep.StreamsEnabled() {
		ep.SetStream1Position(batch.nextDequeue, batch.nextCCS)
	} else {
		ep.SetRingPosition(batch.nextDequeue, batch.nextCCS)
	}
	if status == xhcierr.Stalled {
		ep.SetState(xhcictx.EndpointStateHalted)
	}
	ep.SetBusy(false)
	ep.Mu.Unlock()

	for _, d := range batch.Descriptors {
		code := e.effectiveCode(status, d)
		if !e.shouldEmit(d, code) {
			continue
		}
		e.emit(batch, d, code, cmdRunning, intrEnabled)
	}
}

// effectiveCode picks the completion code for one descriptor: a batch-wide
// failure (anything but NormalCompletion/ShortXfer) applies to every
// descriptor; otherwise each descriptor's own per-buffer status (as filled
// in by the backend, e.g. a short DATA_STAGE within an overall-successful
// control transfer) takes over.
func (e *Engine) effectiveCode(status xhcierr.BackendStatus, d Descriptor) xhcierr.CompletionCode {
	if status != xhcierr.NormalCompletion && status != xhcierr.ShortXfer {
		return status.ToCompletionCode()
	}
	return d.Buffer.Status.ToCompletionCode()
}

// shouldEmit reports whether descriptor d calls for a TRANSFER_EVENT: IOC
// set, or ISP set with a short return.
func (e *Engine) shouldEmit(d Descriptor, code xhcierr.CompletionCode) bool {
	if d.IOC {
		return true
	}
	if d.ISP && d.Buffer.Done < d.Buffer.Len {
		return true
	}
	return false
}

func (e *Engine) emit(batch *Batch, d Descriptor, code xhcierr.CompletionCode, cmdRunning, intrEnabled bool) {
	remainder := uint32(0)
	if d.Buffer.Len > d.Buffer.Done {
		remainder = d.Buffer.Len - d.Buffer.Done
	}
	evt := trb.TRB{Parameter: d.TrbGPA}.
		WithType(trb.TypeTransferEvent).
		WithSlotID(batch.SlotID).
		WithEndpointID(batch.EPID).
		WithTransferLength(remainder).
		WithCompletionCode(uint8(code))
	if err := e.Events.Insert(evt); err != nil {
		xhcilog.Warn(xhcilog.ComponentTransfer, "event ring insert failed", "err", err)
		return
	}
	e.Interrupter.Signal(e.PCI, true, cmdRunning, intrEnabled)
}

// emitForced reports every ForcedCode descriptor in a malformed batch —
// these are always surfaced, independent of IOC (a TRB the guest built
// incorrectly is always worth a diagnostic event).
func (e *Engine) emitForced(batch *Batch, cmdRunning, intrEnabled bool) {
	for _, d := range batch.Descriptors {
		if d.ForcedCode == nil {
			continue
		}
		e.emit(batch, d, *d.ForcedCode, cmdRunning, intrEnabled)
	}
}
