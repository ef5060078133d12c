// Package xhciusb defines the UsbDevice capability set the xHCI core
// consumes to drive real or synthetic USB devices, along with two
// concrete backends this module ships: a synthetic HID tablet (Tablet)
// and a real host-device passthrough backend (Passthrough).
package xhciusb

import (
	"context"

	"github.com/ardnew/xhci/xhcierr"
)

// Direction is a transfer direction for Device.Data.
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
)

// InfoKind selects which piece of device information Device.Info reports.
type InfoKind uint8

const (
	InfoVersion InfoKind = iota // USB version in BCD, e.g. 0x0300
	InfoSpeed                   // speed class, port.SpeedXxx encoding
)

// Buffer is one scatter/gather element of a transfer request: a guest
// physical address, its length, and (after the call returns) the amount
// actually transferred and a per-buffer backend status.
type Buffer struct {
	GPA    uint64
	Len    uint32
	Done   uint32
	Status xhcierr.BackendStatus
}

// Device is the external trait the xHCI core consumes to drive one USB
// device, real or synthetic.
type Device interface {
	// Init prepares the backend for use, given the context under which
	// the owning slot/controller is running.
	Init(ctx context.Context) error

	// Info reports static device information.
	Info(kind InfoKind) uint32

	// Reset issues a bus reset to the underlying device.
	Reset() error

	// Request performs an EP0 control transfer: the 8-byte setup packet
	// plus zero or more data-stage buffers.
	Request(setup [8]byte, buffers []Buffer) xhcierr.BackendStatus

	// Data performs a non-control transfer to/from the numbered endpoint.
	Data(dir Direction, endpoint uint8, buffers []Buffer) xhcierr.BackendStatus

	// Deinit releases resources held by the backend.
	Deinit() error
}
