package xfer

import (
	"testing"

	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcictx"
	"github.com/ardnew/xhci/xhcierr"
)

func TestCompleteShortPacketReportsRemainder(t *testing.T) {
	e, view, pci, _, _ := newTestEngine(t, 2)

	data := trb.TRB{Parameter: 0x9000}.WithType(trb.TypeDataStage).WithTransferLength(64)
	data.Control |= trb.ControlIOC | trb.ControlISP
	writeTRRB(view, 0, data)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bufs := batch.DataBuffers()
	bufs[0].Done = 10
	bufs[0].Status = xhcierr.ShortXfer
	batch.ApplyBuffers(bufs)

	e.Complete(batch, xhcierr.ShortXfer, true, true)

	if pci.msi != 1 {
		t.Fatalf("msi raised %d times, want 1", pci.msi)
	}
	evt := readEvent(t, view, 0)
	if evt.Type() != trb.TypeTransferEvent {
		t.Fatalf("event type = %v, want TRANSFER_EVENT", evt.Type())
	}
	if xhcierr.CompletionCode(evt.CompletionCode()) != xhcierr.CCShortPkt {
		t.Fatalf("completion code = %d, want SHORT_PKT", evt.CompletionCode())
	}
	if evt.TransferLength() != 54 {
		t.Fatalf("remainder = %d, want 54", evt.TransferLength())
	}
}

func TestCompleteNAKReplaysBatchAtRingHead(t *testing.T) {
	e, view, _, _, ep := newTestEngine(t, 2)
	before, beforeCCS := ep.RingPosition()

	n := trb.TRB{Parameter: 0x9000}.WithType(trb.TypeNormal).WithTransferLength(64)
	n.Control |= trb.ControlIOC
	writeTRRB(view, 0, n)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bufs := batch.DataBuffers()
	bufs[0].Status = xhcierr.Cancelled
	batch.ApplyBuffers(bufs)

	e.Complete(batch, xhcierr.Cancelled, true, true)

	after, afterCCS := ep.RingPosition()
	if after != before || afterCCS != beforeCCS {
		t.Fatalf("ring position advanced on NAK: before=(%#x,%v) after=(%#x,%v)", before, beforeCCS, after, afterCCS)
	}
	if ep.Busy() {
		t.Fatalf("endpoint should be freed (not busy) after NAK completion")
	}
}

func TestCompleteStallHaltsEndpoint(t *testing.T) {
	e, view, _, _, ep := newTestEngine(t, 2)

	n := trb.TRB{Parameter: 0x9000}.WithType(trb.TypeNormal).WithTransferLength(64)
	n.Control |= trb.ControlIOC
	writeTRRB(view, 0, n)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bufs := batch.DataBuffers()
	bufs[0].Status = xhcierr.Stalled
	batch.ApplyBuffers(bufs)

	e.Complete(batch, xhcierr.Stalled, true, true)

	if ep.State() != xhcictx.EndpointStateHalted {
		t.Fatalf("endpoint state = %v, want Halted", ep.State())
	}
	evt := readEvent(t, view, 0)
	if xhcierr.CompletionCode(evt.CompletionCode()) != xhcierr.CCStall {
		t.Fatalf("completion code = %d, want STALL", evt.CompletionCode())
	}
}

func TestCompleteMalformedBatchEmitsForcedCodeOnly(t *testing.T) {
	e, view, _, _, ep := newTestEngine(t, 1)
	bad := trb.TRB{}.WithType(trb.TypeSetupStage).WithTransferLength(4)
	writeTRRB(view, 0, bad)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !batch.Malformed {
		t.Fatalf("expected malformed batch")
	}

	e.Complete(batch, xhcierr.NormalCompletion, true, true)

	evt := readEvent(t, view, 0)
	if xhcierr.CompletionCode(evt.CompletionCode()) != xhcierr.CCTRB {
		t.Fatalf("completion code = %d, want CCTRB", evt.CompletionCode())
	}
	if ep.Busy() {
		t.Fatalf("endpoint should be freed after malformed batch completion")
	}
}

func TestCompleteNoIOCNoShortSkipsEvent(t *testing.T) {
	e, view, pci, _, _ := newTestEngine(t, 2)

	n := trb.TRB{Parameter: 0x9000}.WithType(trb.TypeNormal).WithTransferLength(64)
	n.Control |= trb.ControlChain
	writeTRRB(view, 0, n)
	n2 := trb.TRB{Parameter: 0xA000}.WithType(trb.TypeNormal).WithTransferLength(32)
	n2.Control |= trb.ControlIOC
	writeTRRB(view, 1, n2)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bufs := batch.DataBuffers()
	bufs[0].Done = 64
	bufs[0].Status = xhcierr.NormalCompletion
	bufs[1].Done = 32
	bufs[1].Status = xhcierr.NormalCompletion
	batch.ApplyBuffers(bufs)

	e.Complete(batch, xhcierr.NormalCompletion, true, true)

	if pci.msi != 1 {
		t.Fatalf("msi raised %d times, want 1 (only the IOC descriptor)", pci.msi)
	}
}
