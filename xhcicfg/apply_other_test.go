//go:build !linux

package xhcicfg

import (
	"testing"

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

func TestConfigureRejectsPassthroughOffLinux(t *testing.T) {
	mem := xhcimem.NewFakeMem(0x20000)
	ctrl := xhci.New(mem, fakePCI{})

	tokens, err := Parse("1-3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Configure(ctrl, tokens, 3); err == nil {
		t.Fatalf("expected error configuring a passthrough token off Linux")
	}
}

func TestConfigureAttachesTabletOffLinux(t *testing.T) {
	mem := xhcimem.NewFakeMem(0x20000)
	ctrl := xhci.New(mem, fakePCI{})

	tokens, err := Parse("tablet")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Configure(ctrl, tokens, 3); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !ctrl.Ports().Port(1).Read().CCS {
		t.Fatalf("tablet not connected")
	}
}
