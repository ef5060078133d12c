//go:build linux

package linux

// Device is a thin, exported wrapper over one usbfs device node, used by
// the xhciusb.Passthrough backend to drive a real host USB device.
type Device struct {
	fd          int
	claimedMask uint32
}

// Open opens the usbfs device node at devfsPath (e.g. /dev/bus/usb/001/004).
func Open(devfsPath string) (*Device, error) {
	fd, err := openDevice(devfsPath)
	if err != nil {
		return nil, err
	}
	return &Device{fd: fd}, nil
}

// Close releases any claimed interfaces and closes the device node.
func (d *Device) Close() error {
	for i := uint8(0); i < 32; i++ {
		if d.claimedMask&(1<<i) != 0 {
			releaseInterface(d.fd, i)
		}
	}
	return closeDevice(d.fd)
}

// ResetDevice issues a USBDEVFS_RESET.
func (d *Device) ResetDevice() error {
	return resetDevice(d.fd)
}

// ResetEndpoint issues a USBDEVFS_RESETEP against endpoint.
func (d *Device) ResetEndpoint(endpoint uint8) error {
	return resetEndpoint(d.fd, endpoint)
}

// EnsureInterfaceClaimed claims iface if not already claimed, detaching any
// bound kernel driver first.
func (d *Device) EnsureInterfaceClaimed(iface uint8) error {
	mask := uint32(1) << iface
	if d.claimedMask&mask != 0 {
		return nil
	}
	_ = disconnectDriver(d.fd, iface) // ENODATA just means nothing was attached
	if err := claimInterface(d.fd, iface); err != nil {
		return err
	}
	d.claimedMask |= mask
	return nil
}

// ControlTransfer performs a synchronous EP0 control transfer; data is the
// data-stage buffer (read for IN, written for OUT per bmRequestType).
func (d *Device) ControlTransfer(setup [8]byte, data []byte, timeoutMs uint32) (int, error) {
	value := uint16(setup[2]) | uint16(setup[3])<<8
	index := uint16(setup[4]) | uint16(setup[5])<<8
	return controlTransfer(d.fd, setup[0], setup[1], value, index, data, timeoutMs)
}

// DataTransfer performs a synchronous bulk/interrupt transfer to endpoint.
func (d *Device) DataTransfer(endpoint uint8, data []byte, timeoutMs uint32) (int, error) {
	return bulkTransferOnce(d.fd, endpoint, data, timeoutMs)
}

// IsDisconnected reports whether err indicates the device went away.
func IsDisconnected(err error) bool { return isNoDevice(err) }

// IsStalled reports whether err indicates an EP0/bulk stall.
func IsStalled(err error) bool { return isPipe(err) }
