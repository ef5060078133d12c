package mmio

import "github.com/ardnew/xhci/port"

// usbNameDword is "USB " packed little-endian, per xHCI §7.2's Supported
// Protocol Capability name string field.
const usbNameDword = 0x20425355

// readXECP returns one dword of the two Supported Protocol Capabilities
// at xecpUSB3Off/xecpUSB2Off: USB3 covers the first half of the port
// space, USB2 the second half.
func readXECP(offset uint32) uint32 {
	var base uint32
	var major, portOffset, portCount uint32
	switch {
	case offset >= xecpUSB3Off && offset < xecpUSB3Off+xecpCapSize:
		base = xecpUSB3Off
		major = 3
		portOffset = 1
		portCount = port.NumUSB3Ports
	case offset >= xecpUSB2Off && offset < xecpUSB2Off+xecpCapSize:
		base = xecpUSB2Off
		major = 2
		portOffset = port.NumUSB3Ports + 1
		portCount = port.NumUSB2Ports
	default:
		return 0
	}

	var next uint32
	if base == xecpUSB3Off {
		next = xecpCapSize / 4 // dword offset to the next capability
	}

	switch (offset - base) &^ 0x3 {
	case 0x0:
		// CapID=2 (Supported Protocol), Next, Minor Rev=0, Major Rev.
		return 0x02 | next<<8 | major<<24
	case 0x4:
		return usbNameDword
	case 0x8:
		// CompatiblePortOffset, CompatiblePortCount, ProtocolDefined=0, PSIC=0.
		return portOffset | portCount<<8
	default:
		return 0
	}
}
