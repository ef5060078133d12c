//go:build linux

package linux

import "testing"

func TestIoctlEncoding(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		dir  uintptr
		nr   uintptr
		size uintptr
	}{
		{"control", ioctlControl, iocRead | iocWrite, cmdControl, sizeofCtrlTransfer},
		{"bulk", ioctlBulk, iocRead | iocWrite, cmdBulk, sizeofBulkTransfer},
		{"claim", ioctlClaimInterface, iocRead, cmdClaimInterface, sizeofInt},
		{"reset", ioctlReset, iocNone, cmdReset, 0},
	}
	for _, c := range cases {
		want := ioc(c.dir, usbdevfsType, c.nr, c.size)
		if c.got != want {
			t.Errorf("%s: ioctl = %#x, want %#x", c.name, c.got, want)
		}
	}
}

func TestIoctlNoArgIsZeroSize(t *testing.T) {
	if got, want := ioctlReset, ioc(iocNone, usbdevfsType, cmdReset, 0); got != want {
		t.Fatalf("ioctlReset = %#x, want %#x", got, want)
	}
}
