package xfer

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

// Engine assembles and completes transfer batches for every endpoint of
// every slot. It holds no per-endpoint state itself — that lives on
// slot.Endpoint — so one Engine serves the whole controller.
//
// Assemble and Complete are meant to run under the controller lock;
// the backend call in between (xhciusb.Device.Request/Data) is made by the
// caller (xhci.Controller) after releasing the controller lock and taking
// the endpoint's own lock.
type Engine struct {
	Mem         *xhcimem.View
	Events      *event.Ring
	Interrupter *event.Interrupter
	PCI         xhcimem.PciBus

	// SlotAt resolves a slot by id, shared with the command engine's slot
	// table.
	SlotAt func(id uint8) *slot.Slot

	// BackendForPort resolves the UsbDevice bound to a virtual port.
	BackendForPort func(vport int) xhciusb.Device
}

// New creates a transfer engine.
func New(mem *xhcimem.View, events *event.Ring, intr *event.Interrupter, pci xhcimem.PciBus) *Engine {
	return &Engine{Mem: mem, Events: events, Interrupter: intr, PCI: pci}
}

// BackendFor resolves the backend bound to the slot's root-hub port, or
// nil if none.
func (e *Engine) BackendFor(s *slot.Slot) xhciusb.Device {
	if e.BackendForPort == nil {
		return nil
	}
	return e.BackendForPort(s.Port())
}

// Assemble walks epid's transfer ring (or stream 1's, if selected and
// enabled) starting from its cached dequeue position, building an ordered
// batch of transfer descriptors. It returns (nil, nil) if there is nothing
// to do: the slot/endpoint doesn't exist, the endpoint has no ring
// established, a batch is already in flight, or the ring is empty.
func (e *Engine) Assemble(slotID, epid uint8, streamID uint16) (*Batch, error) {
	s := e.SlotAt(slotID)
	if s == nil {
		xhcilog.Warn(xhcilog.ComponentTransfer, "doorbell for unallocated slot", "slot", slotID)
		return nil, nil
	}
	if epid < 1 || int(epid) >= slot.MaxEndpoints {
		xhcilog.Warn(xhcilog.ComponentTransfer, "doorbell with endpoint id out of range", "epid", epid)
		return nil, nil
	}
	ep := s.Endpoint(epid)
	if ep == nil {
		xhcilog.Warn(xhcilog.ComponentTransfer, "doorbell for uninitialized endpoint", "slot", slotID, "epid", epid)
		return nil, nil
	}
	if ep.Busy() {
		return nil, nil
	}

	useStream := streamID == 1 && ep.StreamsEnabled()
	var dequeue uint64
	var ccs bool
	if useStream {
		dequeue, ccs = ep.Stream1Position()
	} else {
		dequeue, ccs = ep.RingPosition()
	}
	if dequeue == 0 {
		return nil, nil
	}

	if ep.State() == xhcictx.EndpointStateStopped {
		ep.SetState(xhcictx.EndpointStateRunning)
	}

	ring := trb.NewRing(e.Mem, dequeue, ccs)

	batch := &Batch{SlotID: slotID, EPID: epid, StreamID: streamID, IsControl: epid == 1}
	inControlTransfer := false

walk:
	for i := 0; i < maxBatchTRBs; i++ {
		t, gpa, ok, err := ring.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		switch t.Type() {
		case trb.TypeSetupStage:
			if !t.ImmediateData() || t.TransferLength() != 8 {
				batch.Descriptors = append(batch.Descriptors, Descriptor{TrbGPA: gpa, Type: t.Type(), IOC: t.IOC(), ForcedCode: ccode(xhcierr.CCTRB)})
				batch.Malformed = true
				break walk
			}
			putImmediate(batch.Setup[:], t.Parameter)
			inControlTransfer = true
			batch.Descriptors = append(batch.Descriptors, Descriptor{TrbGPA: gpa, Type: t.Type(), IOC: t.IOC()})

		case trb.TypeDataStage, trb.TypeNormal, trb.TypeIsoch:
			length := t.TransferLength()
			bufGPA := t.Parameter
			if t.ImmediateData() {
				bufGPA = gpa
				if length > 8 {
					length = 8
				}
			}
			batch.Descriptors = append(batch.Descriptors, Descriptor{
				TrbGPA: gpa, Type: t.Type(),
				Buffer: xhciusb.Buffer{GPA: bufGPA, Len: length},
				IOC:    t.IOC(), ISP: t.ISP(),
			})

		case trb.TypeStatusStage:
			inControlTransfer = false
			batch.Descriptors = append(batch.Descriptors, Descriptor{TrbGPA: gpa, Type: t.Type(), IOC: t.IOC()})

		case trb.TypeEventData, trb.TypeNoop:
			batch.Descriptors = append(batch.Descriptors, Descriptor{TrbGPA: gpa, Type: t.Type(), IOC: t.IOC(), Processed: true})

		default:
			batch.Descriptors = append(batch.Descriptors, Descriptor{TrbGPA: gpa, Type: t.Type(), IOC: t.IOC(), ForcedCode: ccode(xhcierr.CCTRB)})
			batch.Malformed = true
			break walk
		}

		if t.IOC() || (!t.Chain() && !inControlTransfer) {
			break walk
		}
	}

	batch.nextDequeue, batch.nextCCS = ring.Dequeue(), ring.CycleState()
	if len(batch.Descriptors) == 0 {
		return nil, nil
	}

	ep.Mu.Lock()
	ep.SetBusy(true)
	batch.Generation = ep.Generation()
	ep.Mu.Unlock()

	return batch, nil
}

func putImmediate(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
