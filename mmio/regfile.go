package mmio

import (
	"sync"

	"github.com/ardnew/xhci/event"
	"github.com/ardnew/xhci/port"
	"github.com/ardnew/xhci/slot"
	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
)

// RegFile is the BAR0 register file: it decodes guest MMIO reads/writes by
// offset region and owns the small amount of register state that isn't
// already tracked by another component (USBCMD/USBSTS, CRCR, DCBAAP,
// CONFIG, per-port PORTPMSC/PORTLI/PORTHLPMC storage).
//
// RegFile's own lock is narrower than the controller lock: it only
// protects this struct's register fields, not the engines/ring state the
// callbacks below reach into.
type RegFile struct {
	mu sync.RWMutex

	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	crcr   uint64
	dcbaap uint64
	config uint32
	mfindex uint32
	erstsz  uint32

	portExtra [port.MaxPorts][3]uint32 // PORTPMSC, PORTLI, PORTHLPMC

	Ports *port.Table
	Intr  *event.Interrupter

	// OnDoorbell is invoked for a write to doorbell slot `target` (0 =
	// command ring doorbell); value's low byte is the endpoint id, bits
	// 16..31 the stream id.
	OnDoorbell func(target uint32, value uint32)

	// OnReset is invoked synchronously when the guest sets USBCMD.HCRST,
	// after RegFile has reset its own register state, so the caller can
	// reset the rest of the controller (slots, rings, event ring, ports).
	OnReset func()

	// OnRunStateChange is invoked whenever USBCMD.RS toggles.
	OnRunStateChange func(running bool)

	// OnCRCRWrite is invoked on a guest write to CRCR, with the command
	// ring pointer and initial cycle state (RCS).
	OnCRCRWrite func(ptr uint64, rcs bool)

	// OnDCBAAPWrite is invoked on a guest write to DCBAAP.
	OnDCBAAPWrite func(ptr uint64)

	// OnSaveState is invoked on the rising edge of USBCMD.CSS (Save State),
	// so the caller can cache the current port assignments before a
	// simulated power-rail drop.
	OnSaveState func()

	// OnRestoreState is invoked on the rising edge of USBCMD.CRS (Restore
	// State), so the caller can replay the cached port assignments.
	OnRestoreState func()
}

// New creates a register file bound to the given port table and
// interrupter, in its post-reset state.
func New(ports *port.Table, intr *event.Interrupter) *RegFile {
	r := &RegFile{Ports: ports, Intr: intr}
	r.resetLocked()
	return r
}

// Running reports whether USBCMD.RS is set.
func (r *RegFile) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usbcmd&UsbCmdRS != 0
}

// InterruptsEnabled reports whether USBCMD.INTE is set.
func (r *RegFile) InterruptsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usbcmd&UsbCmdINTE != 0
}

// DCBAAP returns the current Device Context Base Address Array pointer.
func (r *RegFile) DCBAAP() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dcbaap
}

func (r *RegFile) resetLocked() {
	r.usbcmd = 0
	r.usbsts = UsbStsHCH
	r.dnctrl = 0
	r.crcr = 0
	r.dcbaap = 0
	r.config = 0
	r.mfindex = 0
	r.erstsz = 0
	for i := range r.portExtra {
		r.portExtra[i] = [3]uint32{}
	}
}

// Read decodes a guest MMIO read of the given byte width (1, 2, 4, or 8)
// at offset, returning the value masked to that width.
func (r *RegFile) Read(offset uint32, size int) (uint64, error) {
	v, err := r.readRaw(offset, size)
	if err != nil {
		return 0, err
	}
	return maskWidth(v, size), nil
}

// Write decodes a guest MMIO write of the given byte width at offset.
// Writes to read-only capability/xECP regions are silently ignored (with
// a logged warning).
func (r *RegFile) Write(offset uint32, size int, value uint64) error {
	value = maskWidth(value, size)
	switch {
	case offset < capLengthEnd:
		xhcilog.Warn(xhcilog.ComponentMMIO, "write to read-only capability register", "offset", offset)
		return nil
	case offset >= OpBase && offset < opEnd:
		return r.writeOperational(offset, size, value)
	case offset >= PortBase && offset < portRegsEnd:
		return r.writePort(offset, size, value)
	case offset >= DBOff && offset < dbRegsEnd:
		return r.writeDoorbell(offset, uint32(value))
	case offset >= RTSOff && offset < rtEnd:
		return r.writeRuntime(offset, size, value)
	case offset >= xecpUSB3Off && offset < xecpUSB2Off+xecpCapSize:
		xhcilog.Warn(xhcilog.ComponentMMIO, "write to read-only xECP region", "offset", offset)
		return nil
	default:
		return xhcierr.ErrOutOfRange
	}
}

func (r *RegFile) readRaw(offset uint32, size int) (uint64, error) {
	switch {
	case offset < capLengthEnd:
		return r.readCapability(offset), nil
	case offset >= OpBase && offset < opEnd:
		return r.readOperational(offset, size), nil
	case offset >= PortBase && offset < portRegsEnd:
		return r.readPort(offset), nil
	case offset >= DBOff && offset < dbRegsEnd:
		return 0, nil // doorbells are write-only
	case offset >= RTSOff && offset < rtEnd:
		return r.readRuntime(offset, size), nil
	case offset >= xecpUSB3Off && offset < xecpUSB2Off+xecpCapSize:
		return uint64(readXECP(offset)), nil
	default:
		return 0, xhcierr.ErrOutOfRange
	}
}

func (r *RegFile) readCapability(offset uint32) uint64 {
	switch offset &^ 0x3 {
	case OffCapLength:
		return uint64(OpBase) | uint64(0x0100)<<16
	case OffHCSParams1:
		return uint64(port.MaxPorts)<<24 | uint64(1)<<8 | uint64(slot.MaxSlots)
	case OffHCSParams2:
		return 4 // IST=4, ERSTMax=0
	case OffHCSParams3:
		return 0
	case OffHCCParams1:
		return 0x80 | 0x200 | 0x1000 | uint64(XECPOff/4)<<16 // NSS, SPC, MAXPSA=1, XECP
	case OffDBOff:
		return DBOff
	case OffRTSOff:
		return RTSOff
	case OffHCCParams2:
		return 0x3 // U3C, LEC
	default:
		return 0
	}
}

func (r *RegFile) readOperational(offset uint32, size int) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch offset {
	case OffUSBCmd:
		return uint64(r.usbcmd)
	case OffUSBSts:
		return uint64(r.usbsts)
	case OffPageSz:
		return 1 // bit0 => 4K pages
	case OffDNCtrl:
		return uint64(r.dnctrl)
	case OffCRCR, OffCRCR + 4:
		return readQword64(r.crcr, offset-OffCRCR, size)
	case OffDCBAAP, OffDCBAAP + 4:
		return readQword64(r.dcbaap, offset-OffDCBAAP, size)
	case OffConfig:
		return uint64(r.config)
	default:
		return 0
	}
}

func (r *RegFile) writeOperational(offset uint32, size int, value uint64) error {
	switch offset {
	case OffUSBCmd:
		return r.writeUSBCmd(uint32(value))
	case OffUSBSts:
		r.mu.Lock()
		r.usbsts &^= uint32(value) & (UsbStsEINT | UsbStsPCD)
		r.mu.Unlock()
		return nil
	case OffDNCtrl:
		r.mu.Lock()
		r.dnctrl = uint32(value)
		r.mu.Unlock()
		return nil
	case OffCRCR, OffCRCR + 4:
		return r.writeCRCR(offset-OffCRCR, size, value)
	case OffDCBAAP, OffDCBAAP + 4:
		return r.writeDCBAAP(offset-OffDCBAAP, size, value)
	case OffConfig:
		r.mu.Lock()
		r.config = uint32(value)
		r.mu.Unlock()
		return nil
	default:
		return nil
	}
}

func (r *RegFile) writeUSBCmd(value uint32) error {
	r.mu.Lock()
	if value&UsbCmdHCRST != 0 {
		r.resetLocked()
		r.mu.Unlock()
		if cb := r.OnReset; cb != nil {
			cb()
		}
		return nil
	}
	wasRunning := r.usbcmd&UsbCmdRS != 0
	css := value&UsbCmdCSS != 0 && r.usbcmd&UsbCmdCSS == 0
	crs := value&UsbCmdCRS != 0 && r.usbcmd&UsbCmdCRS == 0
	r.usbcmd = value
	if value&UsbCmdRS != 0 {
		r.usbsts &^= UsbStsHCH
	} else {
		r.usbsts |= UsbStsHCH
	}
	nowRunning := value&UsbCmdRS != 0
	r.mu.Unlock()

	if nowRunning != wasRunning {
		if cb := r.OnRunStateChange; cb != nil {
			cb(nowRunning)
		}
	}
	if css {
		if cb := r.OnSaveState; cb != nil {
			cb()
		}
	}
	if crs {
		if cb := r.OnRestoreState; cb != nil {
			cb()
		}
	}
	return nil
}

func (r *RegFile) writeCRCR(byteOff uint32, size int, value uint64) error {
	r.mu.Lock()
	r.crcr = writeQword64(r.crcr, byteOff, size, value)
	ptr := r.crcr & uint64(crcrPtrMask)
	rcs := r.crcr&CrcrRCS != 0
	r.mu.Unlock()

	if cb := r.OnCRCRWrite; cb != nil {
		cb(ptr, rcs)
	}
	return nil
}

func (r *RegFile) writeDCBAAP(byteOff uint32, size int, value uint64) error {
	r.mu.Lock()
	r.dcbaap = writeQword64(r.dcbaap, byteOff, size, value) &^ 0x3F
	ptr := r.dcbaap
	r.mu.Unlock()

	if cb := r.OnDCBAAPWrite; cb != nil {
		cb(ptr)
	}
	return nil
}

func (r *RegFile) readPort(offset uint32) uint64 {
	n, reg := r.portIndex(offset)
	p := r.Ports.Port(n + 1)
	if p == nil {
		return 0
	}
	switch reg {
	case PortOffPORTSC:
		return uint64(encodePortsc(p.Read()))
	default:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return uint64(r.portExtra[n][reg/4-1])
	}
}

func (r *RegFile) writePort(offset uint32, size int, value uint64) error {
	n, reg := r.portIndex(offset)
	p := r.Ports.Port(n + 1)
	if p == nil {
		return nil
	}
	switch reg {
	case PortOffPORTSC:
		applyPortscWrite(p, uint32(value))
	default:
		r.mu.Lock()
		r.portExtra[n][reg/4-1] = uint32(value)
		r.mu.Unlock()
	}
	return nil
}

func (r *RegFile) portIndex(offset uint32) (n int, reg uint32) {
	rel := offset - PortBase
	return int(rel / PortStride), rel % PortStride
}

func (r *RegFile) writeDoorbell(offset uint32, value uint32) error {
	idx := (offset - DBOff) / 4
	if cb := r.OnDoorbell; cb != nil {
		cb(idx, value)
	}
	return nil
}

func (r *RegFile) readRuntime(offset uint32, size int) uint64 {
	rel := offset - RTSOff
	if rel == RTOffMFIndex {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return uint64(r.mfindex)
	}
	if rel < RTOffIntr0 || rel >= RTOffIntr0+0x20 {
		return 0
	}
	ioff := rel - RTOffIntr0
	switch ioff {
	case IntrOffIMAN:
		var v uint32
		if r.Intr.IMANPending() {
			v |= 1
		}
		if r.Intr.IMANEnable() {
			v |= 2
		}
		return uint64(v)
	case IntrOffIMOD:
		return uint64(r.Intr.IMOD())
	case IntrOffERSTSZ:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return uint64(r.erstsz)
	case IntrOffERSTBA, IntrOffERSTBA + 4:
		return readQword64(r.Intr.Ring.ERSTBA(), ioff-IntrOffERSTBA, size)
	case IntrOffERDP, IntrOffERDP + 4:
		erdp := r.Intr.Ring.DequeueGPA()
		if r.Intr.ERDPBusy() {
			erdp |= 1 << 3
		}
		return readQword64(erdp, ioff-IntrOffERDP, size)
	default:
		return 0
	}
}

func (r *RegFile) writeRuntime(offset uint32, size int, value uint64) error {
	rel := offset - RTSOff
	if rel == RTOffMFIndex {
		return nil // MFINDEX is read-only in this model
	}
	if rel < RTOffIntr0 || rel >= RTOffIntr0+0x20 {
		return nil
	}
	ioff := rel - RTOffIntr0
	switch ioff {
	case IntrOffIMAN:
		if value&1 != 0 {
			r.Intr.ClearIMANPending()
		}
		r.Intr.SetIMANEnable(value&2 != 0)
	case IntrOffIMOD:
		r.Intr.SetIMOD(uint32(value))
	case IntrOffERSTSZ:
		r.mu.Lock()
		r.erstsz = uint32(value)
		r.mu.Unlock()
	case IntrOffERSTBA, IntrOffERSTBA + 4:
		cur := r.Intr.Ring.ERSTBA()
		next := writeQword64(cur, ioff-IntrOffERSTBA, size, value)
		if ioff+uint32(size) >= IntrOffERSTBA+8 || size == 8 {
			return r.Intr.Ring.SetERSTBA(next)
		}
	case IntrOffERDP, IntrOffERDP + 4:
		cur := r.Intr.Ring.DequeueGPA()
		next := writeQword64(cur, ioff-IntrOffERDP, size, value)
		r.Intr.WriteERDP(next&^0xF, next&(1<<3) != 0)
	}
	return nil
}

func maskWidth(v uint64, size int) uint64 {
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

// readQword64 returns size bytes of a 64-bit register starting at byteOff
// (0 or 4), for split 32-bit-wide reads of a 64-bit register.
func readQword64(reg uint64, byteOff uint32, size int) uint64 {
	if byteOff == 0 && size >= 8 {
		return reg
	}
	if byteOff == 0 {
		return reg & 0xFFFFFFFF
	}
	return reg >> 32
}

// writeQword64 merges a size-byte write at byteOff into reg, returning the
// updated 64-bit value.
func writeQword64(reg uint64, byteOff uint32, size int, value uint64) uint64 {
	if byteOff == 0 && size >= 8 {
		return value
	}
	if byteOff == 0 {
		return (reg &^ 0xFFFFFFFF) | (value & 0xFFFFFFFF)
	}
	return (reg & 0xFFFFFFFF) | ((value & 0xFFFFFFFF) << 32)
}
