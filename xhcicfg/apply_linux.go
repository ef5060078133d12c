//go:build linux

package xhcicfg

import (
	"fmt"

	"github.com/ardnew/xhci/xhci"
	"github.com/ardnew/xhci/xhciusb"
	"github.com/ardnew/xhci/xhciusb/linux"
)

// Configure attaches every token in tokens to ctrl, in order, stopping once
// the vport range ueUsbVer selects is full: reaching 4 devices in either
// range stops parsing.
func Configure(ctrl *xhci.Controller, tokens []Token, ueUsbVer int) error {
	lo, hi := AssignRange(ueUsbVer)
	vport := lo
	for _, tok := range tokens {
		if vport > hi {
			break
		}
		switch tok.Kind {
		case TokenTablet:
			if err := ctrl.AttachSynthetic(vport, xhciusb.NewTablet()); err != nil {
				return fmt.Errorf("xhcicfg: attach tablet at vport %d: %w", vport, err)
			}
		case TokenPassthrough:
			busPort := tok.BusPort()
			devfsPath, err := linux.ResolveDevNode(busPort)
			if err != nil {
				return fmt.Errorf("xhcicfg: resolve device node for %q: %w", busPort, err)
			}
			path, err := linux.ResolvePath(busPort)
			if err != nil {
				return fmt.Errorf("xhcicfg: resolve device path for %q: %w", busPort, err)
			}
			mem := ctrl.GuestMem()
			opener := func() (xhciusb.Device, error) {
				return xhciusb.NewPassthrough(devfsPath, mem)
			}
			if err := ctrl.AttachPassthrough(path, opener); err != nil {
				return fmt.Errorf("xhcicfg: attach passthrough at %q: %w", busPort, err)
			}
		}
		vport++
	}
	return nil
}
