//go:build linux

package linux

import (
	"fmt"
	"path/filepath"

	"github.com/ardnew/xhci/port"
)

// ResolveDevNode returns the usbfs device node for the device at busPort
// (Linux's sysfs device directory naming convention, e.g. "1-3"), read from
// its busnum/devnum sysfs attributes.
func ResolveDevNode(busPort string) (string, error) {
	dir := filepath.Join(sysfsUSBPath, busPort)
	bus := readSysfsInt(filepath.Join(dir, "busnum"))
	dev := readSysfsInt(filepath.Join(dir, "devnum"))
	if bus == 0 || dev == 0 {
		return "", fmt.Errorf("linux: no such usb device %q", busPort)
	}
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev), nil
}

// ResolvePath returns the PortMapper path for the device at busPort,
// tracked by bus number only, matching the granularity devInfoFromSysfs
// uses when a hotplug event later reports the same device connecting.
func ResolvePath(busPort string) (port.Path, error) {
	dir := filepath.Join(sysfsUSBPath, busPort)
	bus := readSysfsInt(filepath.Join(dir, "busnum"))
	if bus == 0 {
		return port.Path{}, fmt.Errorf("linux: no such usb device %q", busPort)
	}
	return port.Path{Bus: bus}, nil
}
