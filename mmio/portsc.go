package mmio

import "github.com/ardnew/xhci/port"

// PORTSC bit positions (xHCI §5.4.8), reused verbatim so the encoded
// register values match what a real xHCI guest driver expects to see.
const (
	portscCCS = 1 << 0
	portscPED = 1 << 1
	portscPR  = 1 << 4
	plsShift  = 5
	plsMask   = 0xF << plsShift
	portscPP  = 1 << 9
	speedShift = 10
	speedMask  = 0xF << speedShift
	portscCSC = 1 << 17
	portscPEC = 1 << 18
	portscWRC = 1 << 19
	portscOCC = 1 << 20
	portscPRC = 1 << 21
	portscPLC = 1 << 22
	portscCEC = 1 << 23

	portscChangeMask = portscCSC | portscPEC | portscWRC | portscOCC | portscPRC | portscPLC | portscCEC
)

// encodePortsc packs a port.Snapshot into its PORTSC wire value.
func encodePortsc(s port.Snapshot) uint32 {
	var v uint32
	if s.CCS {
		v |= portscCCS
	}
	if s.PED {
		v |= portscPED
	}
	if s.PR {
		v |= portscPR
	}
	if s.PP {
		v |= portscPP
	}
	v |= (uint32(s.PLS) << plsShift) & plsMask
	v |= (uint32(s.Speed) << speedShift) & speedMask
	if s.CSC {
		v |= portscCSC
	}
	if s.PEC {
		v |= portscPEC
	}
	if s.WRC {
		v |= portscWRC
	}
	if s.OCC {
		v |= portscOCC
	}
	if s.PRC {
		v |= portscPRC
	}
	if s.PLC {
		v |= portscPLC
	}
	if s.CEC {
		v |= portscCEC
	}
	return v
}

// applyPortscWrite applies a guest write to PORTSC: PP can be toggled
// directly, PR (when set) triggers an immediate port reset (this model has
// no timed reset delay), and any of the sticky change bits present in the
// written value are cleared (write-1-to-clear).
func applyPortscWrite(p *port.Port, v uint32) {
	p.SetPower(v&portscPP != 0)
	if v&portscPR != 0 {
		p.BeginReset()
		p.EndReset()
	}
	if mask := v & portscChangeMask; mask != 0 {
		p.WriteClearChangeBits(mask)
	}
}
