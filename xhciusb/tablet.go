package xhciusb

import (
	"context"
	"sync"

	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
)

// Tablet report descriptor bytes: an absolute-coordinate, single-button
// pointer, encoded directly against xHCI's EP0-request model.
var tabletReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x01, //     Usage Maximum (1)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x75, 0x01, //     Report Size (1)
	0x95, 0x01, //     Report Count (1)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0x75, 0x07, //     Report Size (7)
	0x95, 0x01, //     Report Count (1)
	0x81, 0x03, //     Input (Const,Var,Abs) (padding)
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x15, 0x00, //     Logical Minimum (0)
	0x26, 0xFF, 0x7F, //     Logical Maximum (32767)
	0x75, 0x10, //     Report Size (16)
	0x95, 0x02, //     Report Count (2)
	0x81, 0x02, //     Input (Data,Var,Abs)
	0xC0, //   End Collection
	0xC0, // End Collection
}

const (
	descTypeDevice          = 0x01
	descTypeConfiguration   = 0x02
	descTypeString          = 0x03
	descTypeInterface       = 0x04
	descTypeEndpoint        = 0x05
	descTypeHIDReport       = 0x22

	reqGetStatus        = 0x00
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
)

// TabletReport is one absolute-coordinate HID report the synthetic tablet
// emits on its interrupt IN endpoint.
type TabletReport struct {
	Buttons uint8
	X, Y    uint16 // 0..32767
}

// Tablet is a synthetic USB device implementing the Device capability set
// entirely in software: no real hardware is involved. It exists so the
// transfer engine can be exercised end to end without a physical USB
// device present, and it is also what the `tablet` token in the CLI
// device-configuration string instantiates.
type Tablet struct {
	mu      sync.Mutex
	address uint8
	config  uint8

	pending []TabletReport

	device []byte // 18-byte device descriptor
	config9 []byte // full configuration descriptor (config+iface+2 EPs+HID)
}

// NewTablet constructs a synthetic tablet backend with vendor/product IDs
// matching a generic HID pointer device.
func NewTablet() *Tablet {
	t := &Tablet{}
	t.device = buildDeviceDescriptor(0x0627, 0x0001)
	t.config9 = buildConfigDescriptor()
	return t
}

// Init implements Device.
func (t *Tablet) Init(ctx context.Context) error {
	xhcilog.Info(xhcilog.ComponentBackend, "tablet backend initialized")
	return nil
}

// Info implements Device.
func (t *Tablet) Info(kind InfoKind) uint32 {
	switch kind {
	case InfoVersion:
		return 0x0200
	case InfoSpeed:
		return 3 // High Speed
	default:
		return 0
	}
}

// Reset implements Device.
func (t *Tablet) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.address = 0
	t.config = 0
	t.pending = nil
	return nil
}

// Deinit implements Device.
func (t *Tablet) Deinit() error { return nil }

// PushReport enqueues a report to be returned by the next interrupt IN
// transfer, letting a test or CLI harness simulate pointer movement.
func (t *Tablet) PushReport(r TabletReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, r)
}

// Request implements Device for EP0 control transfers, handling the
// standard requests a HID tablet must answer (GET_DESCRIPTOR,
// SET_ADDRESS, SET_CONFIGURATION, GET_CONFIGURATION, GET_STATUS).
func (t *Tablet) Request(setup [8]byte, buffers []Buffer) xhcierr.BackendStatus {
	bmRequestType := setup[0]
	bRequest := setup[1]
	wValue := uint16(setup[2]) | uint16(setup[3])<<8
	wLength := uint16(setup[6]) | uint16(setup[7])<<8

	dirIn := bmRequestType&0x80 != 0

	switch bRequest {
	case reqSetAddress:
		t.mu.Lock()
		t.address = uint8(wValue)
		t.mu.Unlock()
		return drainZero(buffers)

	case reqSetConfiguration:
		t.mu.Lock()
		t.config = uint8(wValue)
		t.mu.Unlock()
		return drainZero(buffers)

	case reqGetConfiguration:
		t.mu.Lock()
		cfg := t.config
		t.mu.Unlock()
		return fillIn(buffers, []byte{cfg})

	case reqGetStatus:
		return fillIn(buffers, []byte{0x00, 0x00})

	case reqGetDescriptor:
		descType := uint8(wValue >> 8)
		if !dirIn {
			return xhcierr.Stalled
		}
		var payload []byte
		switch descType {
		case descTypeDevice:
			payload = t.device
		case descTypeConfiguration:
			payload = t.config9
		case descTypeHIDReport:
			payload = tabletReportDescriptor
		default:
			return xhcierr.Stalled
		}
		if int(wLength) < len(payload) {
			payload = payload[:wLength]
		}
		return fillIn(buffers, payload)

	default:
		return xhcierr.Stalled
	}
}

// Data implements Device for the tablet's single interrupt IN endpoint.
func (t *Tablet) Data(dir Direction, endpoint uint8, buffers []Buffer) xhcierr.BackendStatus {
	if dir != DirIn || endpoint != 1 {
		return xhcierr.NotConfigured
	}

	t.mu.Lock()
	var r TabletReport
	if len(t.pending) > 0 {
		r = t.pending[0]
		t.pending = t.pending[1:]
	}
	t.mu.Unlock()

	payload := []byte{r.Buttons, byte(r.X), byte(r.X >> 8), byte(r.Y), byte(r.Y >> 8)}
	return fillIn(buffers, payload)
}

func drainZero(buffers []Buffer) xhcierr.BackendStatus {
	for i := range buffers {
		buffers[i].Done = 0
		buffers[i].Status = xhcierr.NormalCompletion
	}
	return xhcierr.NormalCompletion
}

func fillIn(buffers []Buffer, payload []byte) xhcierr.BackendStatus {
	off := 0
	for i := range buffers {
		remain := payload[off:]
		want := int(buffers[i].Len)
		if want > len(remain) {
			want = len(remain)
		}
		buffers[i].Done = uint32(want)
		if want < int(buffers[i].Len) {
			buffers[i].Status = xhcierr.ShortXfer
		} else {
			buffers[i].Status = xhcierr.NormalCompletion
		}
		off += want
		if off >= len(payload) {
			break
		}
	}
	if off < len(payload) {
		return xhcierr.ShortXfer
	}
	return xhcierr.NormalCompletion
}

func buildDeviceDescriptor(vid, pid uint16) []byte {
	return []byte{
		18, descTypeDevice,
		0x00, 0x02, // bcdUSB 2.00
		0x00, 0x00, 0x00, // class/subclass/proto: per-interface
		64,                     // bMaxPacketSize0
		byte(vid), byte(vid >> 8),
		byte(pid), byte(pid >> 8),
		0x00, 0x01, // bcdDevice 1.00
		0, 0, 0, // string indices
		1, // bNumConfigurations
	}
}

func buildConfigDescriptor() []byte {
	// Configuration(9) + Interface(9) + HID(9) + Endpoint(7) = 34 bytes.
	const total = 9 + 9 + 9 + 7
	b := []byte{
		9, descTypeConfiguration,
		byte(total), byte(total >> 8),
		1,    // bNumInterfaces
		1,    // bConfigurationValue
		0,    // iConfiguration
		0x80, // bmAttributes (bus powered)
		50,   // bMaxPower (100mA)

		9, descTypeInterface,
		0, 0, // bInterfaceNumber, bAlternateSetting
		1,    // bNumEndpoints
		0x03, // bInterfaceClass: HID
		0x00, 0x00,
		0, // iInterface

		9, 0x21, // HID descriptor
		0x11, 0x01, // bcdHID 1.11
		0,                                  // bCountryCode
		1,                                  // bNumDescriptors
		descTypeHIDReport,
		byte(len(tabletReportDescriptor)), byte(len(tabletReportDescriptor) >> 8),

		7, descTypeEndpoint,
		0x81, // bEndpointAddress: EP1 IN
		0x03, // bmAttributes: Interrupt
		8, 0, // wMaxPacketSize
		10, // bInterval
	}
	return b
}
