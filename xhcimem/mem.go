// Package xhcimem defines the capability interfaces the xHCI core uses to
// reach outside itself — guest physical memory and the enclosing PCI
// device — plus a typed, bounds-checked view over guest memory for reading
// and writing TRBs and context blocks.
package xhcimem

import (
	"github.com/ardnew/xhci/trb"
	"github.com/ardnew/xhci/xhcierr"
)

// GuestMem is the reduced capability the core uses to reach guest physical
// memory. A real hypervisor implements this over its own GPA→HVA mapping;
// tests use a flat byte-slice FakeMem.
type GuestMem interface {
	// Map returns a byte slice view of length len at guest physical address
	// gpa. The returned slice aliases the backing store; writes through it
	// are visible to the guest. Returns an error if the range is not
	// resident/mapped.
	Map(gpa uint64, length int) ([]byte, error)
}

// PciBus is the reduced capability the core uses to interact with its
// enclosing PCI device: configuration-space access, and interrupt
// delivery via MSI or the legacy interrupt line.
type PciBus interface {
	RaiseMSI()
	AssertIntr()
	DeassertIntr()
	SetCfgByte(offset int, v uint8)
	SetCfgWord(offset int, v uint16)
	SetCfgDword(offset int, v uint32)
}

// View is a typed, bounds-checked projection of guest physical memory.
type View struct {
	mem GuestMem
}

// NewView wraps a GuestMem capability in a typed view.
func NewView(mem GuestMem) *View {
	return &View{mem: mem}
}

// ReadTRB reads and decodes one 16-byte TRB at gpa.
func (v *View) ReadTRB(gpa uint64) (trb.TRB, error) {
	b, err := v.mem.Map(gpa, trb.Size)
	if err != nil {
		return trb.TRB{}, err
	}
	if len(b) < trb.Size {
		return trb.TRB{}, xhcierr.ErrOutOfRange
	}
	var arr [trb.Size]byte
	copy(arr[:], b)
	return trb.Decode(arr), nil
}

// WriteTRB encodes and writes t at gpa.
func (v *View) WriteTRB(gpa uint64, t trb.TRB) error {
	b, err := v.mem.Map(gpa, trb.Size)
	if err != nil {
		return err
	}
	if len(b) < trb.Size {
		return xhcierr.ErrOutOfRange
	}
	enc := t.Encode()
	copy(b, enc[:])
	return nil
}

// ReadBytes returns a bounds-checked slice of guest memory at gpa.
func (v *View) ReadBytes(gpa uint64, length int) ([]byte, error) {
	return v.mem.Map(gpa, length)
}

// ReadUint32 reads a little-endian uint32 at gpa.
func (v *View) ReadUint32(gpa uint64) (uint32, error) {
	b, err := v.mem.Map(gpa, 4)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, xhcierr.ErrOutOfRange
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// ReadUint64 reads a little-endian uint64 at gpa.
func (v *View) ReadUint64(gpa uint64) (uint64, error) {
	b, err := v.mem.Map(gpa, 8)
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, xhcierr.ErrOutOfRange
	}
	lo := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24
	hi := uint64(b[4]) | uint64(b[5])<<8 | uint64(b[6])<<16 | uint64(b[7])<<24
	return lo | hi<<32, nil
}

// WriteUint32 writes a little-endian uint32 at gpa.
func (v *View) WriteUint32(gpa uint64, val uint32) error {
	b, err := v.mem.Map(gpa, 4)
	if err != nil {
		return err
	}
	if len(b) < 4 {
		return xhcierr.ErrOutOfRange
	}
	b[0] = byte(val)
	b[1] = byte(val >> 8)
	b[2] = byte(val >> 16)
	b[3] = byte(val >> 24)
	return nil
}

// FakeMem is a flat-buffer GuestMem implementation used by tests and the
// example command-line harness, where guest physical addresses are simply
// offsets into a single backing array.
type FakeMem struct {
	Backing []byte
}

// NewFakeMem allocates a FakeMem of the given size.
func NewFakeMem(size int) *FakeMem {
	return &FakeMem{Backing: make([]byte, size)}
}

// Map implements GuestMem.
func (f *FakeMem) Map(gpa uint64, length int) ([]byte, error) {
	if length < 0 || gpa > uint64(len(f.Backing)) || gpa+uint64(length) > uint64(len(f.Backing)) {
		return nil, xhcierr.ErrOutOfRange
	}
	return f.Backing[gpa : gpa+uint64(length)], nil
}
