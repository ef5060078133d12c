//go:build linux

package xhciusb

import (
	"context"

	"github.com/ardnew/xhci/xhcierr"
	"github.com/ardnew/xhci/xhcilog"
	"github.com/ardnew/xhci/xhcimem"
	"github.com/ardnew/xhci/xhciusb/linux"
)

// transferTimeoutMs bounds how long a single usbfs control/bulk ioctl may
// block before the caller observes it as a failed request; the transfer
// engine is expected to be the only caller and already runs off the
// controller's single-threaded event loop.
const transferTimeoutMs = 5000

// Passthrough implements Device by forwarding requests to a real host USB
// device opened through Linux usbfs, driven by the xHCI core's push model
// rather than a pull-based host stack.
type Passthrough struct {
	dev *linux.Device
	mem xhcimem.GuestMem
}

// NewPassthrough opens the host device node at devfsPath and binds it to
// mem, the guest memory capability used to resolve each Buffer's GPA.
func NewPassthrough(devfsPath string, mem xhcimem.GuestMem) (*Passthrough, error) {
	dev, err := linux.Open(devfsPath)
	if err != nil {
		return nil, err
	}
	return &Passthrough{dev: dev, mem: mem}, nil
}

// Init implements Device.
func (p *Passthrough) Init(ctx context.Context) error {
	xhcilog.Info(xhcilog.ComponentBackend, "passthrough backend initialized")
	return nil
}

// Info implements Device. Speed/version reporting for passthrough devices
// is resolved by the port layer from sysfs at connect time; Info reports
// conservative defaults here since usbfs exposes no direct equivalent.
func (p *Passthrough) Info(kind InfoKind) uint32 {
	switch kind {
	case InfoVersion:
		return 0x0300
	case InfoSpeed:
		return 4 // SuperSpeed
	default:
		return 0
	}
}

// Reset implements Device.
func (p *Passthrough) Reset() error {
	return p.dev.ResetDevice()
}

// Deinit implements Device.
func (p *Passthrough) Deinit() error {
	return p.dev.Close()
}

// Request implements Device for EP0 control transfers.
func (p *Passthrough) Request(setup [8]byte, buffers []Buffer) xhcierr.BackendStatus {
	data, status := p.gather(buffers)
	if status != xhcierr.NormalCompletion {
		return status
	}

	n, err := p.dev.ControlTransfer(setup, data, transferTimeoutMs)
	if err != nil {
		return p.scatterError(buffers, err)
	}
	return p.scatter(buffers, data[:n])
}

// Data implements Device for bulk/interrupt/isoch transfers to a numbered
// endpoint.
func (p *Passthrough) Data(dir Direction, endpoint uint8, buffers []Buffer) xhcierr.BackendStatus {
	addr := endpoint
	if dir == DirIn {
		addr |= 0x80
	}

	if err := p.dev.EnsureInterfaceClaimed(endpointInterfaceHint(endpoint)); err != nil {
		xhcilog.Warn(xhcilog.ComponentBackend, "claim interface failed", "endpoint", endpoint, "err", err)
	}

	data, status := p.gather(buffers)
	if status != xhcierr.NormalCompletion {
		return status
	}

	n, err := p.dev.DataTransfer(addr, data, transferTimeoutMs)
	if err != nil {
		return p.scatterError(buffers, err)
	}
	return p.scatter(buffers, data[:n])
}

// gather maps each buffer's GPA into a single contiguous host slice for the
// usbfs ioctl to operate on. OUT-direction buffers must already hold the
// data the guest wrote; IN-direction buffers are filled by scatter after
// the transfer completes.
func (p *Passthrough) gather(buffers []Buffer) ([]byte, xhcierr.BackendStatus) {
	total := 0
	for _, b := range buffers {
		total += int(b.Len)
	}
	data := make([]byte, total)
	off := 0
	for _, b := range buffers {
		if b.Len == 0 {
			continue
		}
		chunk, err := p.mem.Map(b.GPA, int(b.Len))
		if err != nil {
			return nil, xhcierr.Inval
		}
		copy(data[off:], chunk)
		off += int(b.Len)
	}
	return data, xhcierr.NormalCompletion
}

// scatter writes the transferred bytes back into guest memory per-buffer
// and records each buffer's Done/Status fields.
func (p *Passthrough) scatter(buffers []Buffer, transferred []byte) xhcierr.BackendStatus {
	off := 0
	short := false
	for i := range buffers {
		want := int(buffers[i].Len)
		avail := len(transferred) - off
		if avail < 0 {
			avail = 0
		}
		n := want
		if n > avail {
			n = avail
		}
		if n > 0 {
			if chunk, err := p.mem.Map(buffers[i].GPA, n); err == nil {
				copy(chunk, transferred[off:off+n])
			}
		}
		buffers[i].Done = uint32(n)
		if n < want {
			buffers[i].Status = xhcierr.ShortXfer
			short = true
		} else {
			buffers[i].Status = xhcierr.NormalCompletion
		}
		off += n
	}
	if short || off < len(transferred) {
		return xhcierr.ShortXfer
	}
	return xhcierr.NormalCompletion
}

func (p *Passthrough) scatterError(buffers []Buffer, err error) xhcierr.BackendStatus {
	status := xhcierr.IOError
	switch {
	case linux.IsDisconnected(err):
		status = xhcierr.NoPower
	case linux.IsStalled(err):
		status = xhcierr.Stalled
	}
	for i := range buffers {
		buffers[i].Done = 0
		buffers[i].Status = status
	}
	return status
}

// endpointInterfaceHint approximates the interface number an endpoint
// belongs to. A real deployment tracks this from the active configuration
// descriptor; lacking a parsed descriptor here, interface 0 is assumed,
// matching simple single-interface passthrough devices. Composite-device
// interface routing is out of scope.
func endpointInterfaceHint(endpoint uint8) uint8 {
	return 0
}
