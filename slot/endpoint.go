package slot

import (
	"sync"

	"github.com/ardnew/xhci/xhcictx"
)

// Endpoint is one endpoint's xHCI state: its state machine, its transfer
// ring hot copy, and the single in-flight-batch marker that enforces at
// most one in-flight batch per (slot, endpoint, stream).
//
// Endpoint owns its own mutex, scoped to its transfer batch, distinct from
// the controller-wide lock: the controller lock must be released across
// calls into the USB backend while this lock is held.
type Endpoint struct {
	Mu sync.Mutex

	state xhcictx.EndpointState

	epType        uint8
	maxPacketSize uint16

	// Primary transfer ring hot copy (xHCI calls this the TR Dequeue
	// Pointer + Dequeue Cycle State). This is a cached mirror of the
	// guest endpoint context's fields; SET_TR_DEQUEUE is the only command
	// that legitimately moves it out of lockstep.
	ringDequeue uint64
	ringCCS     bool

	// Streams beyond primary stream id 1 are out of scope. streamsEnabled
	// selects whether the single supported secondary
	// stream (id 1) is in use instead of the bare primary ring.
	streamsEnabled   bool
	stream1Dequeue   uint64
	stream1CCS       bool

	// busy marks that a transfer batch is currently submitted to the USB
	// backend and has not yet completed.
	busy bool

	// generation increments whenever an outstanding batch's outcome must
	// be discarded rather than applied to the ring (RESET_EP while a
	// transfer is in flight). Each assembled batch stamps the
	// generation it was assembled under; a completion whose stamp no
	// longer matches is stale and is dropped without advancing the ring
	// or emitting a transfer event.
	generation uint64
}

// NewEndpoint creates a Disabled endpoint context.
func NewEndpoint(epType uint8, maxPacketSize uint16) *Endpoint {
	return &Endpoint{state: xhcictx.EndpointStateDisabled, epType: epType, maxPacketSize: maxPacketSize}
}

// State returns the endpoint's current state. Callers should hold Mu for
// read-modify-write sequences that also touch the ring or busy flag.
func (e *Endpoint) State() xhcictx.EndpointState { return e.state }

// SetState transitions the endpoint's state machine. Validation of legal
// transitions is the caller's (CommandEngine's) responsibility.
func (e *Endpoint) SetState(st xhcictx.EndpointState) { e.state = st }

// EPType returns the endpoint type (xHCI EP Type field encoding).
func (e *Endpoint) EPType() uint8 { return e.epType }

// MaxPacketSize returns the configured max packet size.
func (e *Endpoint) MaxPacketSize() uint16 { return e.maxPacketSize }

// SetMaxPacketSize updates the max packet size (EVALUATE_CTX on EP0).
func (e *Endpoint) SetMaxPacketSize(v uint16) { e.maxPacketSize = v }

// RingPosition returns the cached transfer-ring dequeue pointer and cycle
// state.
func (e *Endpoint) RingPosition() (dequeue uint64, ccs bool) {
	return e.ringDequeue, e.ringCCS
}

// SetRingPosition overwrites the cached transfer-ring dequeue pointer and
// cycle state — used both to seed it from the endpoint context on
// ADDRESS_DEVICE/CONFIGURE_EP, and by SET_TR_DEQUEUE.
func (e *Endpoint) SetRingPosition(dequeue uint64, ccs bool) {
	e.ringDequeue = dequeue
	e.ringCCS = ccs
}

// EnableStream1 marks the endpoint as using the single supported secondary
// stream (primary stream ID 1) instead of the bare transfer ring.
func (e *Endpoint) EnableStream1(enabled bool) { e.streamsEnabled = enabled }

// StreamsEnabled reports whether stream id 1 addressing is active.
func (e *Endpoint) StreamsEnabled() bool { return e.streamsEnabled }

// Stream1Position returns the cached stream-1 ring dequeue pointer/CCS.
func (e *Endpoint) Stream1Position() (uint64, bool) { return e.stream1Dequeue, e.stream1CCS }

// SetStream1Position overwrites the stream-1 ring position.
func (e *Endpoint) SetStream1Position(dequeue uint64, ccs bool) {
	e.stream1Dequeue = dequeue
	e.stream1CCS = ccs
}

// Busy reports whether a transfer batch is currently in flight.
func (e *Endpoint) Busy() bool { return e.busy }

// SetBusy marks whether a transfer batch is in flight.
func (e *Endpoint) SetBusy(b bool) { e.busy = b }

// Generation returns the endpoint's current batch generation.
func (e *Endpoint) Generation() uint64 { return e.generation }

// CancelInFlight bumps the generation counter and clears the busy marker,
// so any batch already submitted to the backend under the prior
// generation is recognized as stale when its completion arrives
// (RESET_EP).
func (e *Endpoint) CancelInFlight() {
	e.generation++
	e.busy = false
}
