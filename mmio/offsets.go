// Package mmio implements the xHCI BAR0 register file: capability,
// operational, port, doorbell, runtime, and extended-capability regions,
// dispatched by offset.
package mmio

import (
	"github.com/ardnew/xhci/port"
	"github.com/ardnew/xhci/slot"
)

// Capability register offsets, relative to BAR0.
const (
	OffCapLength  = 0x00
	OffHCSParams1 = 0x04
	OffHCSParams2 = 0x08
	OffHCSParams3 = 0x0C
	OffHCCParams1 = 0x10
	OffDBOff      = 0x14
	OffRTSOff     = 0x18
	OffHCCParams2 = 0x1C

	capLengthEnd = 0x20 // first byte past the capability register block
)

// OpBase is the start of the operational register block, encoded as the
// low byte of CAPLENGTH.
const OpBase = 0x20

// Operational register offsets, relative to OpBase, matching the real
// xHCI register layout.
const (
	OffUSBCmd  = OpBase + 0x00
	OffUSBSts  = OpBase + 0x04
	OffPageSz  = OpBase + 0x08
	OffDNCtrl  = OpBase + 0x14
	OffCRCR    = OpBase + 0x18 // 64-bit
	OffDCBAAP  = OpBase + 0x30 // 64-bit
	OffConfig  = OpBase + 0x38

	opEnd = PortBase
)

// PortBase is the start of the per-port register block.
const (
	PortBase   = 0x420
	PortStride = 0x10

	portRegsEnd = PortBase + port.MaxPorts*PortStride
)

// Per-port register offsets, relative to a port's base (PortBase + n*PortStride).
const (
	PortOffPORTSC    = 0x00
	PortOffPORTPMSC  = 0x04
	PortOffPORTLI    = 0x08
	PortOffPORTHLPMC = 0x0C
)

// DBOff / RTSOff / xECP offsets. These are placed after the port register
// block with enough headroom for the doorbell array (one dword per slot
// plus the command doorbell) and the single interrupter's runtime
// registers; their exact values are reported to the guest via the DBOFF
// and RTSOFF capability registers, so any layout the guest discovers
// through those registers (rather than hardcoding) works.
const (
	DBOff  = 0x500
	RTSOff = 0x600

	dbRegsEnd = DBOff + (slot.MaxSlots+1)*4
)

// Runtime register offsets, relative to RTSOff.
const (
	RTOffMFIndex = 0x00

	// Interrupter register sets start at RTSOff+0x20; this module
	// implements exactly one (MaxIntrs=1).
	RTOffIntr0     = 0x20
	IntrOffIMAN    = 0x00
	IntrOffIMOD    = 0x04
	IntrOffERSTSZ  = 0x08
	IntrOffERSTBA  = 0x10 // 64-bit
	IntrOffERDP    = 0x18 // 64-bit

	rtEnd = RTSOff + RTOffIntr0 + 0x20
)

// XECPOff is the extended capabilities pointer target (the end of the
// register space this module models), reported via HCCPARAMS1.XECP as
// XECPOff/4.
const XECPOff = 0x700

// Supported Protocol Capability layout (xHCI §7.2), two instances back to
// back: USB3 (first-half ports) then USB2 (second-half ports).
const (
	xecpCapSize     = 0x10
	xecpUSB3Off     = XECPOff
	xecpUSB2Off     = XECPOff + xecpCapSize
)

// PCI identity.
const (
	PCIVendorID = 0x8086
	PCIDeviceID = 0x1E31
	PCIClass    = 0x0C // Serial Bus
	PCISubclass = 0x03 // USB
	PCIProgIF   = 0x30 // xHCI
	USBRevReg   = 0x30
)

// USBCMD bits.
const (
	UsbCmdRS    = 1 << 0 // Run/Stop
	UsbCmdHCRST = 1 << 1 // Host Controller Reset
	UsbCmdINTE  = 1 << 2 // Interrupter Enable
	UsbCmdCSS   = 1 << 8 // Save State
	UsbCmdCRS   = 1 << 9 // Restore State
)

// USBSTS bits.
const (
	UsbStsHCH = 1 << 0 // HC Halted
	UsbStsEINT = 1 << 3
	UsbStsPCD = 1 << 4
	UsbStsSSS = 1 << 8
	UsbStsRSS = 1 << 9
	UsbStsCNR = 1 << 11
)

// CRCR bits.
const (
	CrcrRCS = 1 << 0 // Ring Cycle State
	CrcrCS  = 1 << 1 // Command Stop
	CrcrCA  = 1 << 2 // Command Abort
	CrcrCRR = 1 << 3 // Command Ring Running (read-only)
	crcrPtrMask = ^uint64(0x3F)
)
