// Package xhcierr defines sentinel errors and xHCI completion codes.
package xhcierr

import "errors"

// Internal/programmer errors, returned by Go APIs that wrap xHCI operations.
var (
	// ErrAlreadyRunning indicates the controller or worker is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller or worker is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfRange indicates an out-of-bounds guest memory access.
	ErrOutOfRange = errors.New("guest memory access out of range")

	// ErrRingEmpty indicates a TRB ring has no more entries for the
	// consumer's current cycle state.
	ErrRingEmpty = errors.New("ring empty")

	// ErrNoFreeSlot indicates no free device slot is available.
	ErrNoFreeSlot = errors.New("no free slot")

	// ErrNoFreePort indicates no free virtual port is available in range.
	ErrNoFreePort = errors.New("no free port")

	// ErrUnknownPath indicates a host device path has no assigned entry.
	ErrUnknownPath = errors.New("unknown host device path")

	// ErrBusy indicates the resource is already in use.
	ErrBusy = errors.New("resource busy")
)

// CompletionCode is an xHCI TRB completion code, as carried in a
// CMD_COMPLETION or TRANSFER_EVENT's status dword.
type CompletionCode uint8

// xHCI completion codes.
const (
	CCInvalid               CompletionCode = 0
	CCSuccess               CompletionCode = 1
	CCDataBuf               CompletionCode = 2
	CCBabble                CompletionCode = 3
	CCXact                  CompletionCode = 4
	CCTRB                   CompletionCode = 5
	CCStall                 CompletionCode = 6
	CCResource              CompletionCode = 7
	CCBandwidth             CompletionCode = 8
	CCNoSlots               CompletionCode = 9
	CCInvalidStreamType     CompletionCode = 10
	CCSlotNotOn             CompletionCode = 11
	CCEndpNotOn             CompletionCode = 12
	CCShortPkt              CompletionCode = 13
	CCRingUnderrun          CompletionCode = 14
	CCRingOverrun           CompletionCode = 15
	CCVFEventRingFull       CompletionCode = 16
	CCParameter             CompletionCode = 17
	CCBandwidthOverrun      CompletionCode = 18
	CCContextState          CompletionCode = 19
	CCNoPingResponse        CompletionCode = 20
	CCEventRingFull         CompletionCode = 21
	CCIncompatibleDevice    CompletionCode = 22
	CCMissedService         CompletionCode = 23
	CCCommandRingStopped    CompletionCode = 24
	CCCommandAborted        CompletionCode = 25
	CCStopped               CompletionCode = 26
	CCStoppedLengthInvalid  CompletionCode = 27
	CCStoppedShortPkt       CompletionCode = 28
	CCMaxExitLatencyExceeded CompletionCode = 29
	CCIsochBufferOverrun    CompletionCode = 31
	CCEventLost             CompletionCode = 32
	CCUndefined             CompletionCode = 33
	CCInvalidStreamID       CompletionCode = 34
	CCSecondaryBandwidth    CompletionCode = 35
	CCSplitTransaction      CompletionCode = 36
)

// String returns the completion code's mnemonic.
func (c CompletionCode) String() string {
	switch c {
	case CCInvalid:
		return "INVALID"
	case CCSuccess:
		return "SUCCESS"
	case CCDataBuf:
		return "DATA_BUF"
	case CCBabble:
		return "BABBLE"
	case CCXact:
		return "XACT"
	case CCTRB:
		return "TRB"
	case CCStall:
		return "STALL"
	case CCResource:
		return "RESOURCE"
	case CCNoSlots:
		return "NO_SLOTS"
	case CCInvalidStreamType:
		return "STREAM_TYPE"
	case CCSlotNotOn:
		return "SLOT_NOT_ON"
	case CCEndpNotOn:
		return "ENDP_NOT_ON"
	case CCShortPkt:
		return "SHORT_PKT"
	case CCParameter:
		return "PARAMETER"
	case CCContextState:
		return "CONTEXT_STATE"
	case CCEventRingFull:
		return "EV_RING_FULL"
	case CCCommandAborted:
		return "CMD_ABORTED"
	case CCStopped:
		return "STOPPED"
	case CCUndefined:
		return "UNDEFINED"
	case CCInvalidStreamID:
		return "INVALID_SID"
	default:
		return "UNKNOWN"
	}
}

// BackendStatus is the status an external UsbDevice backend reports for a
// completed request, independent of the xHCI wire representation.
type BackendStatus int

// Backend status values, named after the USB host-controller-driver style
// status codes a real USB stack (e.g. libusb, the BSD USB stack) reports.
const (
	NormalCompletion BackendStatus = iota
	ShortXfer
	Stalled
	BadBufSize
	Timeout
	Interrupted
	IOError
	BadContext
	DMALoadFailed
	NoMem
	InUse
	NoAddr
	NoPipe
	PendingRequests
	SetAddrFailed
	TooDeep
	NotStarted
	NoPower
	NotConfigured
	Inval
	BadAddress
	BadFlag
	Cancelled
	NoCallback
)

// ToCompletionCode maps a backend status to its xHCI completion code,
// against a fixed table. It returns only the code; whether a Cancelled
// completion emits an event is decided by the caller.
func (s BackendStatus) ToCompletionCode() CompletionCode {
	switch s {
	case NormalCompletion:
		return CCSuccess
	case ShortXfer:
		return CCShortPkt
	case Stalled:
		return CCStall
	case BadBufSize:
		return CCBabble
	case Timeout, Interrupted:
		return CCCommandAborted
	case IOError, BadContext:
		return CCTRB
	case DMALoadFailed:
		return CCDataBuf
	case NoMem, InUse, NoAddr, NoPipe, PendingRequests, SetAddrFailed, TooDeep:
		return CCResource
	case NotStarted, NoPower, NotConfigured:
		return CCEndpNotOn
	case Inval, BadAddress, BadFlag:
		return CCParameter
	case Cancelled:
		return CCStopped
	case NoCallback:
		return CCStall
	default:
		return CCUndefined
	}
}
