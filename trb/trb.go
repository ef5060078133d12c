// Package trb implements the xHCI Transfer Request Block: its 16-byte wire
// encoding, the TRB type enumeration, and a cyclic-ring cursor used by the
// command and transfer ring consumers (the event ring producer in package
// event keeps its own index-based cursor).
package trb

// Size is the fixed size of a TRB in bytes.
const Size = 16

// Type identifies a TRB's role, carried in control bits [15:10].
type Type uint8

// TRB types (xHCI Table 6-91).
const (
	TypeReserved      Type = 0
	TypeNormal        Type = 1
	TypeSetupStage    Type = 2
	TypeDataStage     Type = 3
	TypeStatusStage   Type = 4
	TypeIsoch         Type = 5
	TypeLink          Type = 6
	TypeEventData     Type = 7
	TypeNoop          Type = 8
	TypeEnableSlot    Type = 9
	TypeDisableSlot   Type = 10
	TypeAddressDevice Type = 11
	TypeConfigureEP   Type = 12
	TypeEvaluateCtx   Type = 13
	TypeResetEP       Type = 14
	TypeStopEP        Type = 15
	TypeSetTRDequeue  Type = 16
	TypeResetDevice   Type = 17
	TypeNoopCommand   Type = 23

	TypeTransferEvent         Type = 32
	TypeCmdCompletionEvent    Type = 33
	TypePortStatusChangeEvent Type = 34
	TypeHostControllerEvent   Type = 37
)

// String returns the TRB type's mnemonic.
func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "NORMAL"
	case TypeSetupStage:
		return "SETUP_STAGE"
	case TypeDataStage:
		return "DATA_STAGE"
	case TypeStatusStage:
		return "STATUS_STAGE"
	case TypeIsoch:
		return "ISOCH"
	case TypeLink:
		return "LINK"
	case TypeEventData:
		return "EVENT_DATA"
	case TypeNoop:
		return "NOOP"
	case TypeEnableSlot:
		return "ENABLE_SLOT"
	case TypeDisableSlot:
		return "DISABLE_SLOT"
	case TypeAddressDevice:
		return "ADDRESS_DEVICE"
	case TypeConfigureEP:
		return "CONFIGURE_EP"
	case TypeEvaluateCtx:
		return "EVALUATE_CTX"
	case TypeResetEP:
		return "RESET_EP"
	case TypeStopEP:
		return "STOP_EP"
	case TypeSetTRDequeue:
		return "SET_TR_DEQUEUE"
	case TypeResetDevice:
		return "RESET_DEVICE"
	case TypeNoopCommand:
		return "NOOP_CMD"
	case TypeTransferEvent:
		return "TRANSFER_EVENT"
	case TypeCmdCompletionEvent:
		return "CMD_COMPLETION_EVENT"
	case TypePortStatusChangeEvent:
		return "PORT_STATUS_CHANGE_EVENT"
	case TypeHostControllerEvent:
		return "HOST_CONTROLLER_EVENT"
	default:
		return "RESERVED"
	}
}

// Control bits within dword 3, shared across TRB variants.
const (
	ControlCycle          = 1 << 0  // C
	ControlEvalNext       = 1 << 1  // ENT / TC depending on TRB
	ControlToggleCycle    = 1 << 1  // TC (LINK only)
	ControlChain          = 1 << 4  // CH
	ControlIOC            = 1 << 5  // Interrupt On Completion
	ControlImmediateData  = 1 << 6  // IDT
	ControlBlockSetAddr   = 1 << 9  // BSR (ADDRESS_DEVICE only)
	ControlDeconfigure    = 1 << 9  // DCEP (CONFIGURE_EP only)
	ControlISP            = 1 << 2  // Interrupt on Short Packet (transfer TRBs)
	ControlEventData      = 1 << 2  // ED (EVENT_DATA TRB reuses ISP bit position)
)

// TRB is a decoded 16-byte Transfer Request Block.
//
// Parameter is the 64-bit parameter field (dwords 0-1): a guest pointer, an
// immediate data payload, or a completion-event parameter depending on
// Type. Status is the 32-bit status field (dword 2): transfer length,
// remainder, or completion code/slot depending on Type. Control is the
// 32-bit control field (dword 3): TRB Type, cycle bit, and per-type flags.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Decode parses a 16-byte little-endian TRB record.
func Decode(b [Size]byte) TRB {
	return TRB{
		Parameter: leUint64(b[0:8]),
		Status:    leUint32(b[8:12]),
		Control:   leUint32(b[12:16]),
	}
}

// Encode serializes the TRB to its 16-byte little-endian wire form.
func (t TRB) Encode() [Size]byte {
	var b [Size]byte
	putLEUint64(b[0:8], t.Parameter)
	putLEUint32(b[8:12], t.Status)
	putLEUint32(b[12:16], t.Control)
	return b
}

// Cycle returns the TRB's cycle bit.
func (t TRB) Cycle() bool { return t.Control&ControlCycle != 0 }

// Chain returns true if CH (chain) is set.
func (t TRB) Chain() bool { return t.Control&ControlChain != 0 }

// IOC returns true if interrupt-on-completion is set.
func (t TRB) IOC() bool { return t.Control&ControlIOC != 0 }

// ISP returns true if interrupt-on-short-packet is set.
func (t TRB) ISP() bool { return t.Control&ControlISP != 0 }

// ImmediateData returns true if IDT (immediate data) is set.
func (t TRB) ImmediateData() bool { return t.Control&ControlImmediateData != 0 }

// ToggleCycle returns true if TC (toggle cycle, LINK TRB) is set.
func (t TRB) ToggleCycle() bool { return t.Control&ControlToggleCycle != 0 }

// Type returns the TRB type carried in control bits [15:10].
func (t TRB) Type() Type { return Type((t.Control >> 10) & 0x3F) }

// WithType returns a copy of t with the type field set.
func (t TRB) WithType(typ Type) TRB {
	t.Control = (t.Control &^ (0x3F << 10)) | (uint32(typ) << 10)
	return t
}

// WithCycle returns a copy of t with the cycle bit set to c.
func (t TRB) WithCycle(c bool) TRB {
	if c {
		t.Control |= ControlCycle
	} else {
		t.Control &^= ControlCycle
	}
	return t
}

// SlotID returns the slot id carried in control bits [31:24], used by
// command and transfer-event TRBs.
func (t TRB) SlotID() uint8 { return uint8(t.Control >> 24) }

// WithSlotID returns a copy of t with the slot id field set.
func (t TRB) WithSlotID(slot uint8) TRB {
	t.Control = (t.Control &^ (0xFF << 24)) | (uint32(slot) << 24)
	return t
}

// EndpointID returns the endpoint id carried in control bits [20:16].
func (t TRB) EndpointID() uint8 { return uint8((t.Control >> 16) & 0x1F) }

// WithEndpointID returns a copy of t with the endpoint id field set.
func (t TRB) WithEndpointID(epid uint8) TRB {
	t.Control = (t.Control &^ (0x1F << 16)) | (uint32(epid&0x1F) << 16)
	return t
}

// StreamID returns the stream id carried in status bits [31:16] (transfer
// TRBs only).
func (t TRB) StreamID() uint16 { return uint16(t.Status >> 16) }

// TransferLength returns the transfer-length field (status bits [16:0]).
func (t TRB) TransferLength() uint32 { return t.Status & 0x1FFFF }

// WithTransferLength returns a copy of t with the transfer length set.
func (t TRB) WithTransferLength(n uint32) TRB {
	t.Status = (t.Status &^ 0x1FFFF) | (n & 0x1FFFF)
	return t
}

// CompletionCode returns the completion code carried in status bits [31:24]
// of an event TRB.
func (t TRB) CompletionCode() uint8 { return uint8(t.Status >> 24) }

// WithCompletionCode returns a copy of t with the completion code set.
func (t TRB) WithCompletionCode(cc uint8) TRB {
	t.Status = (t.Status &^ (0xFF << 24)) | (uint32(cc) << 24)
	return t
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
