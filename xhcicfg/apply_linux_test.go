//go:build linux

package xhcicfg

import (
	"testing"

	"github.com/ardnew/xhci/port"
	"github.com/ardnew/xhci/xhci"
	"github.com/ardnew/xhci/xhcimem"
)

type fakePCI struct{}

func (fakePCI) RaiseMSI()               {}
func (fakePCI) AssertIntr()             {}
func (fakePCI) DeassertIntr()           {}
func (fakePCI) SetCfgByte(int, uint8)   {}
func (fakePCI) SetCfgWord(int, uint16)  {}
func (fakePCI) SetCfgDword(int, uint32) {}

func TestConfigureAttachesTabletsInOrder(t *testing.T) {
	mem := xhcimem.NewFakeMem(0x20000)
	ctrl := xhci.New(mem, fakePCI{})

	tokens, err := Parse("tablet,tablet")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Configure(ctrl, tokens, 3); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for _, vport := range []int{1, 2} {
		if !ctrl.Ports().Port(vport).Read().CCS {
			t.Fatalf("vport %d not connected", vport)
		}
	}
}

func TestConfigureStopsAtRangeCap(t *testing.T) {
	mem := xhcimem.NewFakeMem(0x20000)
	ctrl := xhci.New(mem, fakePCI{})

	s := "tablet,tablet,tablet,tablet,tablet"
	tokens, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Configure(ctrl, tokens, 3); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for vport := 1; vport <= port.NumUSB3Ports; vport++ {
		if !ctrl.Ports().Port(vport).Read().CCS {
			t.Fatalf("vport %d not connected", vport)
		}
	}
	// The fifth tablet exceeds the USB3 range (4 ports) and must not spill
	// into the USB2 range.
	if ctrl.Ports().Port(port.NumUSB3Ports+1).Read().CCS {
		t.Fatalf("fifth tablet spilled into USB2 range")
	}
}

func TestConfigureUSB2RangeSelection(t *testing.T) {
	mem := xhcimem.NewFakeMem(0x20000)
	ctrl := xhci.New(mem, fakePCI{})

	tokens, err := Parse("tablet")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Configure(ctrl, tokens, 2); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !ctrl.Ports().Port(port.NumUSB3Ports+1).Read().CCS {
		t.Fatalf("tablet not attached to first USB2 vport")
	}
	if ctrl.Ports().Port(1).Read().CCS {
		t.Fatalf("tablet unexpectedly attached to USB3 range")
	}
}
