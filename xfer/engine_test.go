package xfer

import (
	"testing"

	"github.com/ardnew/xhci/event"
	"github.com/ardnew/xhci/slot"
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcictx"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcimem"
)

type fakePCI struct{ msi int }

func (f *fakePCI) RaiseMSI()               { f.msi++ }
func (f *fakePCI) AssertIntr()             {}
func (f *fakePCI) DeassertIntr()           {}
func (f *fakePCI) SetCfgByte(int, uint8)   {}
func (f *fakePCI) SetCfgWord(int, uint16)  {}
func (f *fakePCI) SetCfgDword(int, uint32) {}

const (
	trRingBase = 0x1000
	erstBase   = 0x2000
	evSegBase  = 0x3000
)

// newTestEngine lays out a transfer ring of nSlots TRB slots (plus a
// trailing LINK-with-TC back to slot 0) and a 1-segment 16-entry event
// ring, all within a single FakeMem. The returned slot/endpoint are wired
// to the ring via SlotAt.
func newTestEngine(t *testing.T, nSlots int) (*Engine, *xhcimem.View, *fakePCI, *slot.Slot, *slot.Endpoint) {
	t.Helper()
	mem := xhcimem.NewFakeMem(0x10000)
	view := xhcimem.NewView(mem)

	for i := 0; i < nSlots; i++ {
		gpa := uint64(trRingBase + i*trb.Size)
		blank := trb.TRB{}.WithType(trb.TypeReserved)
		if err := view.WriteTRB(gpa, blank); err != nil {
			t.Fatalf("seed tr ring: %v", err)
		}
	}
	linkGPA := uint64(trRingBase + nSlots*trb.Size)
	link := trb.TRB{Parameter: trRingBase}.WithType(trb.TypeLink).WithCycle(true)
	link.Control |= trb.ControlToggleCycle
	if err := view.WriteTRB(linkGPA, link); err != nil {
		t.Fatalf("seed link trb: %v", err)
	}

	if err := writeU64(view, erstBase, evSegBase); err != nil {
		t.Fatalf("seed erst base: %v", err)
	}
	if err := view.WriteUint32(erstBase+8, 16); err != nil {
		t.Fatalf("seed erst size: %v", err)
	}

	evRing := event.NewRing(view)
	if err := evRing.SetERSTBA(erstBase); err != nil {
		t.Fatalf("SetERSTBA: %v", err)
	}
	intr := event.NewInterrupter(evRing)
	intr.SetIMANEnable(true)

	pci := &fakePCI{}

	s := slot.New()
	s.SetState(xhcictx.SlotStateConfigured)
	s.SetPort(1)
	ep := slot.NewEndpoint(4, 64)
	ep.SetState(xhcictx.EndpointStateRunning)
	ep.SetRingPosition(trRingBase, true)
	s.InitEndpoint(1, ep)

	e := New(view, evRing, intr, pci)
	e.SlotAt = func(id uint8) *slot.Slot {
		if id == 1 {
			return s
		}
		return nil
	}

	return e, view, pci, s, ep
}

func writeU64(view *xhcimem.View, gpa uint64, v uint64) error {
	if err := view.WriteUint32(gpa, uint32(v)); err != nil {
		return err
	}
	return view.WriteUint32(gpa+4, uint32(v>>32))
}

func writeTRRB(view *xhcimem.View, slotIdx int, t trb.TRB) {
	gpa := uint64(trRingBase + slotIdx*trb.Size)
	t = t.WithCycle(true)
	_ = view.WriteTRB(gpa, t)
}

func readEvent(t *testing.T, view *xhcimem.View, idx int) trb.TRB {
	t.Helper()
	evt, err := view.ReadTRB(uint64(evSegBase + idx*trb.Size))
	if err != nil {
		t.Fatalf("ReadTRB: %v", err)
	}
	return evt
}

func TestAssembleUnallocatedSlotIsNoop(t *testing.T) {
	e, view, _, _, _ := newTestEngine(t, 1)
	writeTRRB(view, 0, trb.TRB{}.WithType(trb.TypeNormal).WithTransferLength(8))

	batch, err := e.Assemble(9, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected nil batch for unallocated slot, got %+v", batch)
	}
}

func TestAssembleBusyEndpointIsNoop(t *testing.T) {
	e, _, _, _, ep := newTestEngine(t, 1)
	ep.SetBusy(true)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected nil batch for busy endpoint, got %+v", batch)
	}
}

func TestAssembleControlTransferSetupDataStatus(t *testing.T) {
	e, view, _, _, _ := newTestEngine(t, 4)

	setup := trb.TRB{Parameter: 0x0102030405060708}.
		WithType(trb.TypeSetupStage).WithTransferLength(8)
	setup.Control |= trb.ControlImmediateData
	writeTRRB(view, 0, setup)

	data := trb.TRB{Parameter: 0x9000}.WithType(trb.TypeDataStage).WithTransferLength(64)
	data.Control |= trb.ControlChain
	writeTRRB(view, 1, data)

	status := trb.TRB{}.WithType(trb.TypeStatusStage)
	status.Control |= trb.ControlIOC
	writeTRRB(view, 2, status)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if batch == nil {
		t.Fatalf("expected a batch")
	}
	if batch.Malformed {
		t.Fatalf("batch unexpectedly malformed")
	}
	if len(batch.Descriptors) != 3 {
		t.Fatalf("len(Descriptors) = %d, want 3", len(batch.Descriptors))
	}
	wantSetup := [8]byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if batch.Setup != wantSetup {
		t.Fatalf("Setup = %x, want %x", batch.Setup, wantSetup)
	}
	if batch.Descriptors[1].Buffer.GPA != 0x9000 || batch.Descriptors[1].Buffer.Len != 64 {
		t.Fatalf("data descriptor buffer = %+v", batch.Descriptors[1].Buffer)
	}
	if !batch.Descriptors[2].IOC {
		t.Fatalf("expected status stage IOC set")
	}
}

func TestAssembleImmediateDataUsesTRBOwnGPA(t *testing.T) {
	e, view, _, _, _ := newTestEngine(t, 2)

	normal := trb.TRB{Parameter: 0xDEADBEEF}.WithType(trb.TypeNormal).WithTransferLength(4)
	normal.Control |= trb.ControlImmediateData | trb.ControlIOC
	writeTRRB(view, 0, normal)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if batch == nil || len(batch.Descriptors) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	d := batch.Descriptors[0]
	if d.Buffer.GPA != trRingBase {
		t.Fatalf("IDT buffer GPA = %#x, want TRB's own GPA %#x", d.Buffer.GPA, uint64(trRingBase))
	}
	if d.Buffer.Len != 4 {
		t.Fatalf("IDT buffer len = %d, want 4", d.Buffer.Len)
	}
}

func TestAssembleMalformedSetupStageYieldsForcedCode(t *testing.T) {
	e, view, _, _, _ := newTestEngine(t, 1)
	bad := trb.TRB{}.WithType(trb.TypeSetupStage).WithTransferLength(4) // missing IDT, wrong length
	writeTRRB(view, 0, bad)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if batch == nil || !batch.Malformed {
		t.Fatalf("expected malformed batch, got %+v", batch)
	}
	if batch.Descriptors[0].ForcedCode == nil || *batch.Descriptors[0].ForcedCode != xhcierr.CCTRB {
		t.Fatalf("forced code = %v, want CCTRB", batch.Descriptors[0].ForcedCode)
	}
}

func TestAssembleMarksEndpointBusy(t *testing.T) {
	e, view, _, _, ep := newTestEngine(t, 1)
	n := trb.TRB{}.WithType(trb.TypeNormal).WithTransferLength(16)
	n.Control |= trb.ControlIOC
	writeTRRB(view, 0, n)

	if _, err := e.Assemble(1, 1, 0); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !ep.Busy() {
		t.Fatalf("expected endpoint marked busy after Assemble")
	}
}

func TestDataBuffersAndApplyRoundTrip(t *testing.T) {
	e, view, _, _, _ := newTestEngine(t, 2)
	n1 := trb.TRB{Parameter: 0x9000}.WithType(trb.TypeNormal).WithTransferLength(64)
	n1.Control |= trb.ControlChain
	writeTRRB(view, 0, n1)
	n2 := trb.TRB{Parameter: 0xA000}.WithType(trb.TypeNormal).WithTransferLength(32)
	n2.Control |= trb.ControlIOC
	writeTRRB(view, 1, n2)

	batch, err := e.Assemble(1, 1, 0)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	bufs := batch.DataBuffers()
	if len(bufs) != 2 {
		t.Fatalf("len(DataBuffers) = %d, want 2", len(bufs))
	}
	bufs[0].Done = 64
	bufs[0].Status = xhcierr.NormalCompletion
	bufs[1].Done = 10
	bufs[1].Status = xhcierr.ShortXfer

	batch.ApplyBuffers(bufs)
	if batch.Descriptors[0].Buffer.Done != 64 {
		t.Fatalf("descriptor 0 Done = %d, want 64", batch.Descriptors[0].Buffer.Done)
	}
	if batch.Descriptors[1].Buffer.Done != 10 || batch.Descriptors[1].Buffer.Status != xhcierr.ShortXfer {
		t.Fatalf("descriptor 1 = %+v", batch.Descriptors[1].Buffer)
	}
}

func TestEndpointAddressDerivation(t *testing.T) {
	cases := []struct {
		epid       uint8
		wantNumber uint8
		wantIn     bool
	}{
		{epid: 2, wantNumber: 1, wantIn: false},
		{epid: 3, wantNumber: 1, wantIn: true},
		{epid: 4, wantNumber: 2, wantIn: false},
		{epid: 5, wantNumber: 2, wantIn: true},
	}
	for _, c := range cases {
		b := &Batch{EPID: c.epid}
		n, in := b.EndpointAddress()
		if n != c.wantNumber || in != c.wantIn {
			t.Errorf("epid %d: got (%d, %v), want (%d, %v)", c.epid, n, in, c.wantNumber, c.wantIn)
		}
	}
}
