//go:build !linux

package xhcicfg

import (
	"fmt"

	"github.com/ardnew/xhci/xhci"
	"github.com/ardnew/xhci/xhciusb"
)

// Configure attaches synthetic devices from tokens to ctrl, in order,
// stopping once the vport range ueUsbVer selects is full. Passthrough
// tokens are rejected: the Linux usbfs backend they require
// (xhciusb/linux) only builds under //go:build linux.
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
			return fmt.Errorf("xhcicfg: passthrough device %q requires Linux usbfs support", tok.BusPort())
		}
		vport++
	}
	return nil
}
