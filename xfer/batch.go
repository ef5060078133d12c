// Package xfer implements the xHCI transfer engine: the doorbell-triggered
// walk of an endpoint's transfer ring into an ordered batch of backend
// requests, and the translation of backend completion back into
// TRANSFER_EVENTs.
package xfer

import (
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhciusb"
)

// maxBatchTRBs bounds how many TRBs a single Assemble walk will consume
// from one endpoint's transfer ring before giving up. Nothing in the wire
// protocol limits a CHAIN-linked batch's length; this guards the emulator
// against spinning forever on a guest ring that never clears CHAIN or IOC.
const maxBatchTRBs = 256

// Descriptor is one transfer descriptor assembled from a single transfer
// TRB.
type Descriptor struct {
	TrbGPA uint64
	Type   trb.Type

	// Buffer is passed to the backend for DATA_STAGE/NORMAL/ISOCH
	// descriptors. SETUP_STAGE's payload travels separately in Batch.Setup;
	// STATUS_STAGE/EVENT_DATA/NOOP carry an empty Buffer.
	Buffer xhciusb.Buffer

	IOC       bool
	ISP       bool
	Processed bool // EVENT_DATA / NOOP marker (xHCI §4.11.3 EDTLA reset point)

	// ForcedCode overrides any backend-derived completion code — set when
	// the TRB itself is structurally invalid (e.g. a malformed SETUP_STAGE)
	// and must always be reported regardless of backend outcome.
	ForcedCode *xhcierr.CompletionCode
}

// Batch is an ordered set of descriptors assembled from one doorbell-ring
// walk of an endpoint's transfer ring, ready for submission to a
// UsbDevice.
type Batch struct {
	SlotID   uint8
	EPID     uint8
	StreamID uint16
	IsControl bool

	Setup       [8]byte
	Descriptors []Descriptor

	// Generation is the endpoint's batch generation at the moment this
	// batch was assembled (slot.Endpoint.Generation). Complete compares it
	// against the endpoint's current generation before applying any
	// outcome: a RESET_EP issued while this batch was in flight bumps the
	// endpoint's generation, so a mismatch here means the batch's result
	// must be discarded without advancing the ring or emitting an event.
	Generation uint64

	// Malformed is set when assembly hit a structurally invalid TRB; the
	// caller must skip the backend call entirely and go straight to
	// Complete, which reports the ForcedCode event(s).
	Malformed bool

	// nextDequeue/nextCCS is the ring position after consuming every TRB in
	// this batch. Complete only commits it to the endpoint if the batch is
	// not being replayed as a NAK, which keeps the batch alive at the head
	// of the ring.
	nextDequeue uint64
	nextCCS     bool
}

func ccode(c xhcierr.CompletionCode) *xhcierr.CompletionCode { return &c }

// bufferIndices lists the position within Descriptors of every descriptor
// that carries a real transfer buffer (DATA_STAGE/NORMAL/ISOCH) — the ones
// a backend call actually touches.
func (b *Batch) bufferIndices() []int {
	var idx []int
	for i, d := range b.Descriptors {
		switch d.Type {
		case trb.TypeDataStage, trb.TypeNormal, trb.TypeIsoch:
			idx = append(idx, i)
		}
	}
	return idx
}

// DataBuffers returns the scatter/gather buffer list to hand to
// UsbDevice.Request/Data, in TRB order. Call ApplyBuffers with the same
// slice afterward to fold Done/Status back into the batch.
func (b *Batch) DataBuffers() []xhciusb.Buffer {
	idx := b.bufferIndices()
	bufs := make([]xhciusb.Buffer, len(idx))
	for i, di := range idx {
		bufs[i] = b.Descriptors[di].Buffer
	}
	return bufs
}

// ApplyBuffers copies each buffer's post-call Done/Status back into its
// originating descriptor. bufs must be the same slice (or an unreordered
// copy) previously returned by DataBuffers.
func (b *Batch) ApplyBuffers(bufs []xhciusb.Buffer) {
	idx := b.bufferIndices()
	for i, di := range idx {
		if i >= len(bufs) {
			break
		}
		b.Descriptors[di].Buffer = bufs[i]
	}
}

// EndpointAddress derives the USB endpoint number and transfer direction
// from the xHCI endpoint id (DCI), per xHCI §4.5.1: number = epid/2,
// direction = epid&1 (odd = IN). Not meaningful for EP0 (IsControl).
func (b *Batch) EndpointAddress() (number uint8, in bool) {
	return b.EPID / 2, b.EPID%2 == 1
}
