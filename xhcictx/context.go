// Package xhcictx models the guest-allocated xHCI context structures:
// Input Context, Slot Context, Endpoint Context, and the Device Context
// Base Address Array (DCBAA) that indexes them by slot id.
package xhcictx

// ContextSize is the size in bytes of one Slot or Endpoint Context row.
const ContextSize = 32

// InputControlContextSize is the size of the Input Control Context that
// prefixes an Input Context.
const InputControlContextSize = 32

// Slot states.
type SlotState uint8

const (
	SlotStateDisabled SlotState = iota
	SlotStateEnabled
	SlotStateDefault
	SlotStateAddressed
	SlotStateConfigured
)

func (s SlotState) String() string {
	switch s {
	case SlotStateDisabled:
		return "Disabled"
	case SlotStateEnabled:
		return "Enabled"
	case SlotStateDefault:
		return "Default"
	case SlotStateAddressed:
		return "Addressed"
	case SlotStateConfigured:
		return "Configured"
	default:
		return "Unknown"
	}
}

// EndpointState enumerates an endpoint's xHCI lifecycle states.
type EndpointState uint8

const (
	EndpointStateDisabled EndpointState = iota
	EndpointStateRunning
	EndpointStateHalted
	EndpointStateStopped
	EndpointStateError
)

func (s EndpointState) String() string {
	switch s {
	case EndpointStateDisabled:
		return "Disabled"
	case EndpointStateRunning:
		return "Running"
	case EndpointStateHalted:
		return "Halted"
	case EndpointStateStopped:
		return "Stopped"
	case EndpointStateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// SlotContext is the decoded Slot Context row (xHCI §6.2.2).
type SlotContext struct {
	RouteString      uint32
	Speed            uint8
	ContextEntries   uint8
	MaxExitLatency   uint16
	RootHubPort      uint8
	NumPorts         uint8
	InterrupterTarget uint16
	USBDeviceAddress uint8
	State            SlotState
}

// Decode parses a 32-byte Slot Context row.
func DecodeSlotContext(b []byte) SlotContext {
	_ = b[:ContextSize:ContextSize]
	d0 := le32(b[0:4])
	d1 := le32(b[4:8])
	d2 := le32(b[8:12])
	d3 := le32(b[12:16])
	return SlotContext{
		RouteString:       d0 & 0xFFFFF,
		Speed:             uint8((d0 >> 20) & 0xF),
		ContextEntries:    uint8((d0 >> 27) & 0x1F),
		MaxExitLatency:    uint16(d1 & 0xFFFF),
		RootHubPort:       uint8((d1 >> 16) & 0xFF),
		NumPorts:          uint8((d1 >> 24) & 0xFF),
		InterrupterTarget: uint16((d2 >> 22) & 0x3FF),
		USBDeviceAddress:  uint8(d3 & 0xFF),
		State:             SlotState((d3 >> 27) & 0x1F),
	}
}

// Encode writes the Slot Context back into a 32-byte row.
func (s SlotContext) Encode(b []byte) {
	_ = b[:ContextSize:ContextSize]
	d0 := (s.RouteString & 0xFFFFF) | uint32(s.Speed&0xF)<<20 | uint32(s.ContextEntries&0x1F)<<27
	d1 := uint32(s.MaxExitLatency) | uint32(s.RootHubPort)<<16 | uint32(s.NumPorts)<<24
	d2 := uint32(s.InterrupterTarget&0x3FF) << 22
	d3 := uint32(s.USBDeviceAddress) | uint32(s.State&0x1F)<<27
	putLE32(b[0:4], d0)
	putLE32(b[4:8], d1)
	putLE32(b[8:12], d2)
	putLE32(b[12:16], d3)
}

// EndpointContext is the decoded Endpoint Context row (xHCI §6.2.3).
type EndpointContext struct {
	State            EndpointState
	Interval         uint8
	EPType           uint8
	MaxPacketSize    uint16
	MaxBurstSize     uint8
	TRDequeuePointer uint64 // low 4 bits carry DCS in bit 0
	DequeueCycleState bool
	AverageTRBLength uint16
	MaxStreams       uint8 // 0 => streams disabled; only stream id 1 is honored
}

// Decode parses a 32-byte Endpoint Context row.
func DecodeEndpointContext(b []byte) EndpointContext {
	_ = b[:ContextSize:ContextSize]
	d0 := le32(b[0:4])
	d1 := le32(b[4:8])
	trdp := le64(b[8:16])
	d4 := le32(b[16:20])
	return EndpointContext{
		State:             EndpointState(d0 & 0x7),
		MaxStreams:        uint8((d0 >> 10) & 0x1F),
		Interval:          uint8((d0 >> 16) & 0xFF),
		EPType:            uint8((d1 >> 3) & 0x7),
		MaxBurstSize:      uint8((d1 >> 8) & 0xFF),
		MaxPacketSize:     uint16(d1 >> 16),
		TRDequeuePointer:  trdp &^ 0xF,
		DequeueCycleState: trdp&0x1 != 0,
		AverageTRBLength:  uint16(d4 & 0xFFFF),
	}
}

// Encode writes the Endpoint Context back into a 32-byte row.
func (e EndpointContext) Encode(b []byte) {
	_ = b[:ContextSize:ContextSize]
	d0 := uint32(e.State&0x7) | uint32(e.MaxStreams&0x1F)<<10 | uint32(e.Interval)<<16
	d1 := uint32(e.EPType&0x7)<<3 | uint32(e.MaxBurstSize)<<8 | uint32(e.MaxPacketSize)<<16
	trdp := e.TRDequeuePointer &^ 0xF
	if e.DequeueCycleState {
		trdp |= 1
	}
	d4 := uint32(e.AverageTRBLength)
	putLE32(b[0:4], d0)
	putLE32(b[4:8], d1)
	putLE64(b[8:16], trdp)
	putLE32(b[16:20], d4)
}

// Input Control Context "add" and "drop" bit helpers (xHCI §6.2.5.1).
// Bit 0 (A0) is the Slot Context flag; bits 1-31 (A1-A31) are EP context
// flags for endpoint ids 1-31 respectively.

// AddFlags returns the Add Context Flags dword (dword 1 of the Input
// Control Context).
func AddFlags(b []byte) uint32 { return le32(b[4:8]) }

// DropFlags returns the Drop Context Flags dword (dword 0).
func DropFlags(b []byte) uint32 { return le32(b[0:4]) }

// EndpointAdded reports whether bit A(epid) is set.
func EndpointAdded(addFlags uint32, epid uint8) bool {
	return addFlags&(1<<uint(epid)) != 0
}

// EndpointDropped reports whether bit D(epid) is set.
func EndpointDropped(dropFlags uint32, epid uint8) bool {
	return dropFlags&(1<<uint(epid)) != 0
}

// SlotContextOffset is the byte offset of the Slot Context row within an
// Input Context (after the 32-byte Input Control Context).
const SlotContextOffset = InputControlContextSize

// EndpointContextOffset returns the byte offset of endpoint epid's context
// row within an Input Context or Device Context. epid is in [1,31]; EP0's
// row (epid=1) immediately follows the Slot Context.
func EndpointContextOffset(epid uint8) int {
	return SlotContextOffset + ContextSize + int(epid-1)*ContextSize
}

// DeviceContextSlotOffset is the byte offset of the Slot Context row within
// a (non-input) Device Context — it has no Input Control Context prefix.
const DeviceContextSlotOffset = 0

// DeviceContextEndpointOffset returns the byte offset of endpoint epid's
// context row within a Device Context.
func DeviceContextEndpointOffset(epid uint8) int {
	return DeviceContextSlotOffset + ContextSize + int(epid-1)*ContextSize
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b[0:4])) | uint64(le32(b[4:8]))<<32
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}
