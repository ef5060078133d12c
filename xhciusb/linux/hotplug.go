//go:build linux

package linux

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ardnew/xhci/port"
)

const (
	sysfsUSBPath        = "/sys/bus/usb/devices"
	netlinkKObjectUEvent = 15 // NETLINK_KOBJECT_UEVENT
	uEventBufferSize    = 4096
)

type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
)

type uevent struct {
	action    ueventAction
	devpath   string
	subsystem string
	devtype   string
	vendorID  string
	productID string
}

// HotplugMonitor watches udev netlink broadcasts for USB device arrival and
// departure and turns them into port.DevInfo notifications on a
// port.PortBackend, replacing polling-based discovery with event-driven
// discovery: the PortMapper wants OnConnect/OnDisconnect calls, not a poll
// loop.
type HotplugMonitor struct {
	fd      int
	backend port.PortBackend
	done    chan struct{}
}

// NewHotplugMonitor opens a netlink socket bound to the kernel uevent
// broadcast group and associates it with backend, which receives
// OnConnect/OnDisconnect calls as real devices attach and detach.
func NewHotplugMonitor(backend port.PortBackend) (*HotplugMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, netlinkKObjectUEvent)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &HotplugMonitor{fd: fd, backend: backend, done: make(chan struct{})}, nil
}

// Close shuts down the monitor's netlink socket.
func (h *HotplugMonitor) Close() error {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return unix.Close(h.fd)
}

// Run blocks, dispatching OnConnect/OnDisconnect calls as uevents arrive,
// until Close is called or a non-EAGAIN read error occurs.
func (h *HotplugMonitor) Run() error {
	buf := make([]byte, uEventBufferSize)
	for {
		select {
		case <-h.done:
			return nil
		default:
		}

		n, err := unix.Read(h.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return err
		}
		if n <= 0 {
			continue
		}

		evt := parseUEvent(buf[:n])
		if evt.subsystem != "usb" || evt.devtype != "usb_device" {
			continue
		}

		info, ok := devInfoFromSysfs(filepath.Join(sysfsUSBPath, filepath.Base(evt.devpath)), evt)
		if !ok {
			continue
		}

		switch evt.action {
		case ueventAdd:
			h.backend.OnConnect(info)
		case ueventRemove:
			h.backend.OnDisconnect(info)
		}
	}
}

func parseUEvent(data []byte) uevent {
	var evt uevent
	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)
		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			switch {
			case strings.HasPrefix(s, "add@"):
				evt.action, evt.devpath = ueventAdd, s[4:]
			case strings.HasPrefix(s, "remove@"):
				evt.action, evt.devpath = ueventRemove, s[7:]
			}
			continue
		}
		key, value := s[:idx], s[idx+1:]
		switch key {
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		case "ID_VENDOR_ID":
			evt.vendorID = value
		case "ID_MODEL_ID":
			evt.productID = value
		}
	}
	return evt
}

// devInfoFromSysfs reads the handful of sysfs attributes needed to populate
// a port.DevInfo for a newly discovered device.
func devInfoFromSysfs(sysfsPath string, evt uevent) (port.DevInfo, bool) {
	busnum := readSysfsInt(filepath.Join(sysfsPath, "busnum"))
	bcd := readSysfsHex(filepath.Join(sysfsPath, "bcdUSB"))
	maxChild := readSysfsInt(filepath.Join(sysfsPath, "maxchild"))

	var p port.Path
	p.Bus = busnum

	info := port.DevInfo{
		BCD:      uint16(bcd),
		Path:     p,
		MaxChild: uint8(maxChild),
	}
	if maxChild > 0 {
		info.Type = port.TypeExtHub
	}
	if v, err := strconv.ParseUint(evt.vendorID, 16, 16); err == nil {
		info.VendorID = uint16(v)
	}
	if v, err := strconv.ParseUint(evt.productID, 16, 16); err == nil {
		info.ProductID = uint16(v)
	}
	return info, true
}

func readSysfsInt(path string) int {
	v := readSysfsString(path)
	n, _ := strconv.Atoi(strings.TrimSpace(v))
	return n
}

func readSysfsHex(path string) int {
	v := strings.TrimSpace(readSysfsString(path))
	v = strings.ReplaceAll(v, ".", "")
	n, _ := strconv.ParseInt(v, 16, 32)
	return int(n)
}

func readSysfsString(path string) string {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return ""
	}
	defer unix.Close(fd)
	buf := make([]byte, 64)
	n, err := unix.Read(fd, buf)
	if err != nil || n <= 0 {
		return ""
	}
	return string(buf[:n])
}
