//go:build linux

// Package linux implements the Passthrough xhciusb.Device backend over
// Linux usbfs, letting a real host USB device sit behind a guest-visible
// emulated slot.
package linux

import (
	"golang.org/x/sys/unix"
)

// ioctl encoding (64-bit): bits 0-7 nr, bits 8-15 type, bits 16-29 size,
// bits 30-31 direction, matching the kernel's asm-generic/ioctl.h layout.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }
func ioctlNoArg(typ, nr uintptr) uintptr { return ioc(iocNone, typ, nr, 0) }

const usbdevfsType = 'U'

const (
	cmdControl          = 0
	cmdBulk             = 2
	cmdResetEP          = 3
	cmdSubmitURB        = 10
	cmdDiscardURB       = 11
	cmdReapURBNDelay    = 13
	cmdClaimInterface   = 15
	cmdReleaseInterface = 16
	cmdConnectInfo      = 17
	cmdReset            = 20
	cmdDisconnect       = 22
	cmdConnect          = 23
	cmdGetCapabilities  = 26
)

const (
	sizeofCtrlTransfer = 24 // struct usbdevfs_ctrltransfer, 64-bit pointer
	sizeofBulkTransfer = 24 // struct usbdevfs_bulktransfer, 64-bit pointer
	sizeofInt          = 4
	sizeofPointer       = 8
)

var (
	ioctlControl          = iowr(usbdevfsType, cmdControl, sizeofCtrlTransfer)
	ioctlBulk             = iowr(usbdevfsType, cmdBulk, sizeofBulkTransfer)
	ioctlResetEP          = ior(usbdevfsType, cmdResetEP, sizeofInt)
	ioctlSubmitURB        = ior(usbdevfsType, cmdSubmitURB, sizeofPointer)
	ioctlDiscardURB       = ioctlNoArg(usbdevfsType, cmdDiscardURB)
	ioctlReapURBNDelay    = iow(usbdevfsType, cmdReapURBNDelay, sizeofPointer)
	ioctlClaimInterface   = ior(usbdevfsType, cmdClaimInterface, sizeofInt)
	ioctlReleaseInterface = ior(usbdevfsType, cmdReleaseInterface, sizeofInt)
	ioctlConnectInfo      = iow(usbdevfsType, cmdConnectInfo, 8)
	ioctlReset            = ioctlNoArg(usbdevfsType, cmdReset)
	ioctlDisconnect       = ioctlNoArg(usbdevfsType, cmdDisconnect)
	ioctlConnect          = ioctlNoArg(usbdevfsType, cmdConnect)
	ioctlGetCapabilities  = ior(usbdevfsType, cmdGetCapabilities, sizeofInt)
)

// rawIoctl issues an ioctl(2) via unix.Syscall, since x/sys/unix does not
// expose a generic pointer-argument ioctl wrapper for arbitrary usbdevfs
// request structures.
func rawIoctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func isErrno(err error, e unix.Errno) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == e
}

func isNoDevice(err error) bool { return isErrno(err, unix.ENODEV) }
func isAgain(err error) bool    { return isErrno(err, unix.EAGAIN) }
func isPipe(err error) bool     { return isErrno(err, unix.EPIPE) }
func isNoData(err error) bool   { return isErrno(err, unix.ENODATA) }
