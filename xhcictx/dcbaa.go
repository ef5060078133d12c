package xhcictx

import "github.com/ardnew/xhci/xhcimem"

// DCBAA is a thin accessor over the guest's Device Context Base Address
// Array: a table of 64-bit pointers indexed by slot id, with entry 0
// reserved for the scratchpad buffer array pointer (xHCI §6.1). This
// controller does not allocate scratchpad pages; it only avoids disturbing
// entry 0.
type DCBAA struct {
	mem *xhcimem.View
	gpa uint64
}

// NewDCBAA wraps the DCBAA at the given guest physical address.
func NewDCBAA(mem *xhcimem.View, gpa uint64) *DCBAA {
	return &DCBAA{mem: mem, gpa: gpa}
}

// DeviceContextPointer returns the Device Context pointer for slot.
func (d *DCBAA) DeviceContextPointer(slot uint8) (uint64, error) {
	return d.mem.ReadUint64(d.gpa + uint64(slot)*8)
}
