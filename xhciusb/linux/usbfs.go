//go:build linux

package linux

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ctrlTransfer mirrors the kernel's struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

// bulkTransfer mirrors the kernel's struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	_        uint32 // pad
	data     uintptr
}

// connectInfo mirrors the kernel's struct usbdevfs_connectinfo.
type connectInfo struct {
	devnum uint32
	slow   uint8
}

// openDevice opens a usbfs device node for read/write access.
func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func closeDevice(fd int) error {
	return unix.Close(fd)
}

// controlTransfer performs a synchronous control transfer and returns the
// number of bytes moved in the data stage.
func controlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeoutMs uint32) (int, error) {
	ct := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeoutMs,
	}
	if len(data) > 0 {
		ct.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := rawIoctl(fd, ioctlControl, uintptr(unsafe.Pointer(&ct)))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// bulkTransferOnce performs a synchronous bulk or interrupt transfer
// (usbfs treats both the same way outside of URB-based submission).
func bulkTransferOnce(fd int, endpoint uint8, data []byte, timeoutMs uint32) (int, error) {
	bt := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMs,
	}
	if len(data) > 0 {
		bt.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := rawIoctl(fd, ioctlBulk, uintptr(unsafe.Pointer(&bt)))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func claimInterface(fd int, iface uint8) error {
	v := uint32(iface)
	_, err := rawIoctl(fd, ioctlClaimInterface, uintptr(unsafe.Pointer(&v)))
	return err
}

func releaseInterface(fd int, iface uint8) error {
	v := uint32(iface)
	_, err := rawIoctl(fd, ioctlReleaseInterface, uintptr(unsafe.Pointer(&v)))
	return err
}

func disconnectDriver(fd int, iface uint8) error {
	v := uint32(iface)
	_, err := rawIoctl(fd, ioctlDisconnect, uintptr(unsafe.Pointer(&v)))
	return err
}

func resetDevice(fd int) error {
	_, err := rawIoctl(fd, ioctlReset, 0)
	return err
}

func resetEndpoint(fd int, endpoint uint8) error {
	v := uint32(endpoint)
	_, err := rawIoctl(fd, ioctlResetEP, uintptr(unsafe.Pointer(&v)))
	return err
}

func getConnectInfo(fd int) (connectInfo, error) {
	var info connectInfo
	_, err := rawIoctl(fd, ioctlConnectInfo, uintptr(unsafe.Pointer(&info)))
	return info, err
}
