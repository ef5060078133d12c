package mmio

import (
	"testing"

	"github.com/ardnew/xhci/event"
	"github.com/ardnew/xhci/port"
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcimem"
)

func newTestRegFile(t *testing.T) (*RegFile, *xhcimem.View) {
	t.Helper()
	mem := xhcimem.NewFakeMem(0x10000)
	view := xhcimem.NewView(mem)
	ports := port.NewTable()
	ring := event.NewRing(view)
	intr := event.NewInterrupter(ring)
	return New(ports, intr), view
}

func TestCapabilityRegistersFixedValues(t *testing.T) {
	r, _ := newTestRegFile(t)

	v, err := r.Read(OffCapLength, 4)
	if err != nil {
		t.Fatalf("Read CAPLENGTH: %v", err)
	}
	if uint32(v) != 0x01000020 {
		t.Fatalf("CAPLENGTH = %#x, want 0x01000020", v)
	}

	v, _ = r.Read(OffHCSParams1, 4)
	if uint32(v) != 0x08000120 {
		t.Fatalf("HCSPARAMS1 = %#x, want 0x08000120", v)
	}
}

func TestCapabilityWritesSilentlyIgnored(t *testing.T) {
	r, _ := newTestRegFile(t)
	if err := r.Write(OffHCSParams1, 4, 0xFFFFFFFF); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, _ := r.Read(OffHCSParams1, 4)
	if uint32(v) != 0x08000120 {
		t.Fatalf("HCSPARAMS1 changed by write: %#x", v)
	}
}

// TestControllerResetScenario verifies that writing USBCMD=0x02 (HCRST)
// sets USBSTS.HCH and every empty PORTSC reads back PP|PLS(RxDetect) ==
// 0x02A0.
func TestControllerResetScenario(t *testing.T) {
	r, _ := newTestRegFile(t)
	resetCalled := false
	r.OnReset = func() { resetCalled = true }

	if err := r.Write(OffUSBCmd, 4, UsbCmdHCRST); err != nil {
		t.Fatalf("Write USBCMD: %v", err)
	}
	if !resetCalled {
		t.Fatalf("OnReset callback not invoked")
	}

	sts, _ := r.Read(OffUSBSts, 4)
	if uint32(sts)&UsbStsHCH == 0 {
		t.Fatalf("USBSTS.HCH not set after reset")
	}

	portsc, _ := r.Read(PortBase, 4)
	if uint32(portsc) != 0x02A0 {
		t.Fatalf("PORTSC = %#x, want 0x02A0", portsc)
	}
}

func TestRunStateChangeCallback(t *testing.T) {
	r, _ := newTestRegFile(t)
	var seen []bool
	r.OnRunStateChange = func(running bool) { seen = append(seen, running) }

	if err := r.Write(OffUSBCmd, 4, UsbCmdRS); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Write(OffUSBCmd, 4, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(seen) != 2 || seen[0] != true || seen[1] != false {
		t.Fatalf("run state transitions = %v, want [true false]", seen)
	}
	if !r.Running() {
		// last write cleared RS
	}
}

func TestCRCRWriteCallback(t *testing.T) {
	r, _ := newTestRegFile(t)
	var gotPtr uint64
	var gotRCS bool
	r.OnCRCRWrite = func(ptr uint64, rcs bool) { gotPtr, gotRCS = ptr, rcs }

	if err := r.Write(OffCRCR, 8, 0x1000|CrcrRCS); err != nil {
		t.Fatalf("Write CRCR: %v", err)
	}
	if gotPtr != 0x1000 {
		t.Fatalf("ptr = %#x, want 0x1000", gotPtr)
	}
	if !gotRCS {
		t.Fatalf("rcs = false, want true")
	}
}

func TestDCBAAPWriteCallback(t *testing.T) {
	r, _ := newTestRegFile(t)
	var gotPtr uint64
	r.OnDCBAAPWrite = func(ptr uint64) { gotPtr = ptr }

	if err := r.Write(OffDCBAAP, 8, 0x2000); err != nil {
		t.Fatalf("Write DCBAAP: %v", err)
	}
	if gotPtr != 0x2000 {
		t.Fatalf("ptr = %#x, want 0x2000", gotPtr)
	}
	if r.DCBAAP() != 0x2000 {
		t.Fatalf("DCBAAP() = %#x, want 0x2000", r.DCBAAP())
	}
}

func TestDoorbellWriteDispatch(t *testing.T) {
	r, _ := newTestRegFile(t)
	var gotTarget, gotValue uint32
	r.OnDoorbell = func(target, value uint32) { gotTarget, gotValue = target, value }

	if err := r.Write(DBOff+4, 4, 0x00010002); err != nil {
		t.Fatalf("Write doorbell: %v", err)
	}
	if gotTarget != 1 {
		t.Fatalf("target = %d, want 1", gotTarget)
	}
	if gotValue != 0x00010002 {
		t.Fatalf("value = %#x, want 0x00010002", gotValue)
	}
}

func TestPortResetOnAttachScenario(t *testing.T) {
	r, _ := newTestRegFile(t)
	p := r.Ports.Port(1)
	p.Connect(port.SpeedSuper)

	portsc, _ := r.Read(PortBase, 4)
	want := uint32(0)
	want |= 1 << 0  // CCS
	want |= 1 << 1  // PED
	want |= 1 << 9  // PP
	want |= uint32(port.SpeedSuper) << 10
	want |= port.PLSU0 << 5
	want |= 1 << 17 // CSC
	want |= 1 << 22 // PLC
	if uint32(portsc) != want {
		t.Fatalf("PORTSC = %#x, want %#x", portsc, want)
	}
}

func TestPortscWriteClearsChangeBits(t *testing.T) {
	r, _ := newTestRegFile(t)
	p := r.Ports.Port(1)
	p.Connect(port.SpeedHigh)

	if err := r.Write(PortBase, 4, 1<<17); err != nil { // write-1 CSC
		t.Fatalf("Write PORTSC: %v", err)
	}
	snap := p.Read()
	if snap.CSC {
		t.Fatalf("CSC not cleared by write-1")
	}
	if !snap.CCS {
		t.Fatalf("CCS should be unaffected by change-bit clear")
	}
}

func TestRuntimeIMANRoundTrip(t *testing.T) {
	r, _ := newTestRegFile(t)
	if err := r.Write(RTSOff+RTOffIntr0+IntrOffIMAN, 4, 2); err != nil {
		t.Fatalf("Write IMAN: %v", err)
	}
	v, _ := r.Read(RTSOff+RTOffIntr0+IntrOffIMAN, 4)
	if uint32(v) != 2 {
		t.Fatalf("IMAN = %#x, want enable bit set", v)
	}
}

func TestRuntimeERSTBAWriteInitializesRing(t *testing.T) {
	r, view := newTestRegFile(t)
	const erstBase, evSegBase = 0x4000, 0x5000
	if err := view.WriteUint32(erstBase, evSegBase); err != nil {
		t.Fatalf("seed erst: %v", err)
	}
	if err := view.WriteUint32(erstBase+4, 0); err != nil {
		t.Fatalf("seed erst hi: %v", err)
	}
	if err := view.WriteUint32(erstBase+8, 16); err != nil {
		t.Fatalf("seed erst size: %v", err)
	}

	if err := r.Write(RTSOff+RTOffIntr0+IntrOffERSTBA, 8, erstBase); err != nil {
		t.Fatalf("Write ERSTBA: %v", err)
	}
	if r.Intr.Ring.ERSTBA() != erstBase {
		t.Fatalf("ring ERSTBA = %#x, want %#x", r.Intr.Ring.ERSTBA(), uint64(erstBase))
	}

	evt := trb.TRB{}.WithType(trb.TypeNoop)
	if err := r.Intr.Ring.Insert(evt); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestXECPReportsPortRanges(t *testing.T) {
	r, _ := newTestRegFile(t)
	v, _ := r.Read(xecpUSB3Off+8, 4)
	if uint32(v) != (1 | uint32(port.NumUSB3Ports)<<8) {
		t.Fatalf("USB3 cap port range = %#x", v)
	}
	v, _ = r.Read(xecpUSB2Off+8, 4)
	want := uint32(port.NumUSB3Ports+1) | uint32(port.NumUSB2Ports)<<8
	if uint32(v) != want {
		t.Fatalf("USB2 cap port range = %#x, want %#x", v, want)
	}
}
